package qc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CommonFile holds test settings merged into every variable's battery
const CommonFile = "_common.yml"

// testFactories builds a test from its YAML settings
var testFactories = map[string]func(node *yaml.Node) (Test, error){
	"gross_range_test": func(node *yaml.Node) (Test, error) {
		t := &GrossRange{}
		if err := node.Decode(t); err != nil {
			return nil, err
		}
		return t, t.validate()
	},
	"spike_test": func(node *yaml.Node) (Test, error) {
		t := &Spike{}
		if err := node.Decode(t); err != nil {
			return nil, err
		}
		return t, t.validate()
	},
	"flat_line_test": func(node *yaml.Node) (Test, error) {
		t := &FlatLine{}
		if err := node.Decode(t); err != nil {
			return nil, err
		}
		return t, t.validate()
	},
}

// VariableTests is the ordered set of tests run against one variable
type VariableTests struct {
	Variable string
	Tests    []Test
}

// Battery is the configured QC test set, one entry per variable
type Battery struct {
	Variables []VariableTests
}

// TestNames lists "<variable>:<test>" for every configured test
func (b *Battery) TestNames() []string {
	var names []string
	for _, v := range b.Variables {
		for _, t := range v.Tests {
			names = append(names, v.Variable+":"+t.Name())
		}
	}
	return names
}

type variableFile map[string]struct {
	Qartod map[string]yaml.Node `yaml:"qartod"`
}

// LoadBattery reads a battery directory: one <variable>.yml per variable in
// the form "<variable>: {qartod: {<test>: {...}}}", plus an optional
// _common.yml of tests applied to every variable. Common settings override
// a variable's own settings for the same test.
func LoadBattery(dir string) (*Battery, error) {
	common := map[string]yaml.Node{}
	data, err := os.ReadFile(filepath.Join(dir, CommonFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &common); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", CommonFile, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read %s: %w", CommonFile, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read battery directory: %w", err)
	}

	battery := &Battery{}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || name == CommonFile || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		variable := strings.TrimSuffix(name, ext)

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var vf variableFile
		if err := yaml.Unmarshal(data, &vf); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if len(vf) == 0 {
			continue
		}
		block, ok := vf[variable]
		if !ok {
			return nil, fmt.Errorf("%s must configure variable %q", name, variable)
		}

		settings := make(map[string]yaml.Node, len(block.Qartod)+len(common))
		for test, node := range block.Qartod {
			settings[test] = node
		}
		for test, node := range common {
			settings[test] = node
		}

		vt, err := buildTests(variable, settings)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(vt.Tests) > 0 {
			battery.Variables = append(battery.Variables, vt)
		}
	}

	sort.Slice(battery.Variables, func(i, j int) bool {
		return battery.Variables[i].Variable < battery.Variables[j].Variable
	})
	return battery, nil
}

func buildTests(variable string, settings map[string]yaml.Node) (VariableTests, error) {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)

	vt := VariableTests{Variable: variable}
	for _, name := range names {
		factory, ok := testFactories[name]
		if !ok {
			return vt, fmt.Errorf("unknown test %q for %s", name, variable)
		}
		node := settings[name]
		t, err := factory(&node)
		if err != nil {
			return vt, fmt.Errorf("invalid %s for %s: %w", name, variable, err)
		}
		vt.Tests = append(vt.Tests, t)
	}
	return vt, nil
}
