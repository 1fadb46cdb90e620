package qc

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
)

// Counts tallies flags per variable
type Counts map[string]map[Flag]int

func (c Counts) add(variable string, flags []Flag) {
	if c[variable] == nil {
		c[variable] = make(map[Flag]int)
	}
	for _, f := range flags {
		c[variable][f]++
	}
}

func (c Counts) merge(other Counts) {
	for variable, byFlag := range other {
		if c[variable] == nil {
			c[variable] = make(map[Flag]int)
		}
		for f, n := range byFlag {
			c[variable][f] += n
		}
	}
}

var (
	flagValues   = []int8{int8(FlagPass), int8(FlagNotEvaluated), int8(FlagSuspect), int8(FlagFail), int8(FlagMissing)}
	flagMeanings = "PASS NOT_EVALUATED SUSPECT FAIL MISSING"
)

// Apply runs the battery over one profile file and returns the file with a
// <variable>_qc flag variable for every tested variable it contains. When no
// configured variable is present the input is returned unchanged.
func (b *Battery) Apply(data []byte) ([]byte, Counts, error) {
	counts := Counts{}

	f, err := netcdf.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	ds, err := f.Dataset()
	if err != nil {
		return nil, nil, err
	}

	times, err := seriesTimes(f)
	if err != nil {
		return nil, nil, err
	}

	changed := false
	for _, vt := range b.Variables {
		v := f.Var(vt.Variable)
		if v == nil || v.Type == netcdf.Char {
			continue
		}
		values, err := f.Float64s(vt.Variable)
		if err != nil {
			return nil, nil, err
		}

		s := Series{Values: values, Missing: make([]bool, len(values))}
		fill, hasFill := v.Attrs.FillValue()
		for i, x := range values {
			s.Missing[i] = netcdf.IsMissing(x, fill, hasFill)
		}
		if len(times) == len(values) {
			s.Times = times
		} else {
			s.Times = make([]float64, len(values))
			for i := range s.Times {
				s.Times[i] = math.NaN()
			}
		}

		var aggregate []Flag
		names := make([]string, 0, len(vt.Tests))
		for _, t := range vt.Tests {
			flags := t.Run(s)
			if aggregate == nil {
				aggregate = flags
			} else {
				for i := range aggregate {
					aggregate[i] = Worst(aggregate[i], flags[i])
				}
			}
			names = append(names, t.Name())
		}

		qcValues := make([]int8, len(aggregate))
		for i, flag := range aggregate {
			qcValues[i] = int8(flag)
		}
		counts.add(vt.Variable, aggregate)

		qcName := vt.Variable + "_qc"
		ds.AddVar(netcdf.VarData{
			Name:   qcName,
			Dims:   append([]string(nil), v.Dims...),
			Type:   netcdf.Byte,
			Values: qcValues,
			Attrs: netcdf.Attributes{
				{Name: "long_name", Type: netcdf.Char, Value: vt.Variable + " Quality Flag"},
				{Name: "standard_name", Type: netcdf.Char, Value: "aggregate_quality_flag"},
				{Name: "flag_values", Type: netcdf.Byte, Value: append([]int8(nil), flagValues...)},
				{Name: "flag_meanings", Type: netcdf.Char, Value: flagMeanings},
				{Name: "qartod_tests", Type: netcdf.Char, Value: strings.Join(names, ",")},
			},
		})
		linkAncillary(ds, vt.Variable, qcName)
		changed = true
	}

	if !changed {
		return data, counts, nil
	}

	var buf bytes.Buffer
	if err := netcdf.Encode(&buf, ds); err != nil {
		return nil, nil, fmt.Errorf("failed to encode flagged profile: %w", err)
	}
	return buf.Bytes(), counts, nil
}

// seriesTimes returns the time coordinate in seconds, or nil when absent
func seriesTimes(f *netcdf.File) ([]float64, error) {
	tv := f.Var("time")
	if tv == nil {
		return nil, nil
	}
	raw, err := f.Float64s("time")
	if err != nil {
		return nil, err
	}

	units := tv.Attrs.Text("units")
	fill, hasFill := tv.Attrs.FillValue()
	out := make([]float64, len(raw))
	for i, x := range raw {
		if netcdf.IsMissing(x, fill, hasFill) {
			out[i] = math.NaN()
			continue
		}
		t, err := netcdf.DecodeTime(x, units)
		if err != nil {
			return nil, err
		}
		out[i] = float64(t.UnixNano()) / 1e9
	}
	return out, nil
}

// linkAncillary points the data variable at its flag variable
func linkAncillary(ds *netcdf.Dataset, variable, qcName string) {
	v, ok := ds.Var(variable)
	if !ok {
		return
	}
	attrs := make(netcdf.Attributes, 0, len(v.Attrs)+1)
	for _, a := range v.Attrs {
		if a.Name != "ancillary_variables" {
			attrs = append(attrs, a)
		}
	}
	v.Attrs = append(attrs, netcdf.Attribute{Name: "ancillary_variables", Type: netcdf.Char, Value: qcName})
	ds.AddVar(v)
}
