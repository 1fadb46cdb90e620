// Package netcdf reads and writes NetCDF classic format files (CDF-1 and the
// CDF-2 64-bit offset variant). NetCDF-4/HDF5 and CDF-5 files are recognized
// and rejected with ErrUnsupportedFormat.
package netcdf

import (
	"errors"
	"fmt"
	"math"
)

// Type is a NetCDF external data type
type Type int32

const (
	Byte   Type = 1
	Char   Type = 2
	Short  Type = 3
	Int    Type = 4
	Float  Type = 5
	Double Type = 6
)

// Size returns the encoded size in bytes of one value of the type
func (t Type) Size() int {
	switch t {
	case Byte, Char:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

// String returns the CDL name of the type
func (t Type) String() string {
	switch t {
	case Byte:
		return "byte"
	case Char:
		return "char"
	case Short:
		return "short"
	case Int:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// Errors
var (
	ErrNotNetCDF         = errors.New("netcdf: not a netcdf file")
	ErrUnsupportedFormat = errors.New("netcdf: unsupported format")
	ErrMalformed         = errors.New("netcdf: malformed file")
	ErrNoVariable        = errors.New("netcdf: no such variable")
)

// Dimension is a named axis. Unlimited marks the record dimension, whose
// length is the file's record count.
type Dimension struct {
	Name      string
	Len       int
	Unlimited bool
}

// Attribute is a named value attached to the file or to a variable.
// Value holds a string for Char attributes and a typed slice otherwise
// ([]int8, []int16, []int32, []float32, []float64).
type Attribute struct {
	Name  string
	Type  Type
	Value any
}

// String returns the attribute as text. Numeric attributes are formatted.
func (a Attribute) String() string {
	if s, ok := a.Value.(string); ok {
		return s
	}
	return fmt.Sprint(a.Value)
}

// Float64s returns numeric attribute values widened to float64
func (a Attribute) Float64s() []float64 {
	return Float64s(a.Value)
}

// Attributes is an ordered attribute list
type Attributes []Attribute

// Get returns the named attribute
func (as Attributes) Get(name string) (Attribute, bool) {
	for _, a := range as {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Text returns the named attribute as a string, or "" if absent
func (as Attributes) Text(name string) string {
	a, ok := as.Get(name)
	if !ok {
		return ""
	}
	return a.String()
}

// FillValue returns the first value of the _FillValue attribute
func (as Attributes) FillValue() (float64, bool) {
	a, ok := as.Get("_FillValue")
	if !ok {
		return 0, false
	}
	vals := a.Float64s()
	if len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// Float64s widens any numeric slice produced by this package to []float64.
// Unknown inputs return nil.
func Float64s(v any) []float64 {
	switch vals := v.(type) {
	case []int8:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out
	case []int16:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out
	case []int32:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out
	case []float32:
		out := make([]float64, len(vals))
		for i, x := range vals {
			out[i] = float64(x)
		}
		return out
	case []float64:
		out := make([]float64, len(vals))
		copy(out, vals)
		return out
	default:
		return nil
	}
}

// valueCount returns the number of elements held by a value slice
func valueCount(t Type, v any) (int, error) {
	switch vals := v.(type) {
	case string:
		if t != Char {
			return 0, fmt.Errorf("string value for %s", t)
		}
		return len(vals), nil
	case []byte:
		if t != Char {
			return 0, fmt.Errorf("[]byte value for %s", t)
		}
		return len(vals), nil
	case []int8:
		if t != Byte {
			return 0, fmt.Errorf("[]int8 value for %s", t)
		}
		return len(vals), nil
	case []int16:
		if t != Short {
			return 0, fmt.Errorf("[]int16 value for %s", t)
		}
		return len(vals), nil
	case []int32:
		if t != Int {
			return 0, fmt.Errorf("[]int32 value for %s", t)
		}
		return len(vals), nil
	case []float32:
		if t != Float {
			return 0, fmt.Errorf("[]float32 value for %s", t)
		}
		return len(vals), nil
	case []float64:
		if t != Double {
			return 0, fmt.Errorf("[]float64 value for %s", t)
		}
		return len(vals), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// IsMissing reports whether x is NaN or equal to the fill value
func IsMissing(x float64, fill float64, hasFill bool) bool {
	if math.IsNaN(x) {
		return true
	}
	return hasFill && x == fill
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}
