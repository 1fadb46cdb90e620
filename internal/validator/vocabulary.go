package validator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Vocabulary is the controlled vocabulary names are checked against
type Vocabulary struct {
	StandardNames map[string]bool
	Variables     map[string]bool
}

type vocabularyFile struct {
	StandardNames []string `yaml:"standard_names"`
	Variables     []string `yaml:"variables"`
}

// IOOS glider DAC v2 template variables
var defaultVariables = []string{
	"trajectory", "time", "lat", "lon", "depth", "pressure",
	"temperature", "salinity", "conductivity", "density",
	"profile_id", "profile_time", "profile_lat", "profile_lon",
	"time_uv", "lat_uv", "lon_uv", "u", "v",
	"platform", "instrument_ctd", "crs",
	"chlorophyll_a", "oxygen_concentration", "oxygen_saturation",
	"backscatter", "cdom", "par", "turbidity",
}

// CF standard names used by glider deployments
var defaultStandardNames = []string{
	"time", "latitude", "longitude", "depth",
	"sea_water_pressure", "sea_water_temperature",
	"sea_water_practical_salinity", "sea_water_salinity",
	"sea_water_density", "sea_water_electrical_conductivity",
	"eastward_sea_water_velocity", "northward_sea_water_velocity",
	"mass_concentration_of_chlorophyll_in_sea_water",
	"mole_concentration_of_dissolved_molecular_oxygen_in_sea_water",
	"fractional_saturation_of_oxygen_in_sea_water",
	"volume_backwards_scattering_coefficient_of_radiative_flux_in_sea_water",
	"concentration_of_colored_dissolved_organic_matter_in_sea_water_expressed_as_equivalent_mass_fraction_of_quinine_sulfate_dihydrate",
	"downwelling_photosynthetic_photon_flux_in_sea_water",
	"sea_water_turbidity",
}

func newVocabulary(standardNames, variables []string) *Vocabulary {
	v := &Vocabulary{
		StandardNames: make(map[string]bool, len(standardNames)),
		Variables:     make(map[string]bool, len(variables)),
	}
	for _, n := range standardNames {
		v.StandardNames[n] = true
	}
	for _, n := range variables {
		v.Variables[n] = true
	}
	return v
}

// DefaultVocabulary returns the built-in vocabulary
func DefaultVocabulary() *Vocabulary {
	return newVocabulary(defaultStandardNames, defaultVariables)
}

// LoadVocabulary reads a YAML vocabulary with standard_names and variables lists
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	var vf vocabularyFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary file: %w", err)
	}
	if len(vf.StandardNames) == 0 || len(vf.Variables) == 0 {
		return nil, fmt.Errorf("vocabulary file %s must list standard_names and variables", path)
	}

	return newVocabulary(vf.StandardNames, vf.Variables), nil
}
