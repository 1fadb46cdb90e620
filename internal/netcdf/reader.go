package netcdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C

	streamingRecs = 0xFFFFFFFF
)

var hdf5Magic = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// Variable describes one variable in a parsed file
type Variable struct {
	Name  string
	Dims  []string
	Attrs Attributes
	Type  Type

	shape  []int
	record bool
	begin  int64
}

// Shape returns the length of each dimension, with the record dimension
// resolved to the file's record count
func (v *Variable) Shape() []int {
	out := make([]int, len(v.shape))
	copy(out, v.shape)
	return out
}

// Len returns the total number of values in the variable
func (v *Variable) Len() int {
	n := 1
	for _, d := range v.shape {
		n *= d
	}
	return n
}

// IsRecord reports whether the variable is laid out along the record dimension
func (v *Variable) IsRecord() bool {
	return v.record
}

// perRecord returns the number of values in one record slab
func (v *Variable) perRecord() int {
	n := 1
	start := 0
	if v.record {
		start = 1
	}
	for _, d := range v.shape[start:] {
		n *= d
	}
	return n
}

// File is a parsed NetCDF classic file held in memory
type File struct {
	Version int
	NumRecs int
	Dims    []Dimension
	Attrs   Attributes
	Vars    []*Variable

	data    []byte
	recSize int64
}

// Var returns the named variable or nil
func (f *File) Var(name string) *Variable {
	for _, v := range f.Vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Open reads and parses the file at path
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a NetCDF classic file from memory. Data sections are
// bounds-checked against the buffer so a truncated upload fails here rather
// than on first read.
func Parse(data []byte) (*File, error) {
	if bytes.HasPrefix(data, hdf5Magic) {
		return nil, fmt.Errorf("%w: netcdf-4/hdf5", ErrUnsupportedFormat)
	}
	if len(data) < 4 || !bytes.Equal(data[:3], []byte("CDF")) {
		return nil, ErrNotNetCDF
	}

	d := &decoder{buf: data, off: 4}
	switch data[3] {
	case 1, 2:
		d.version = int(data[3])
	case 5:
		return nil, fmt.Errorf("%w: cdf-5", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: version byte %d", ErrUnsupportedFormat, data[3])
	}

	f := &File{Version: d.version, data: data}

	numRecs, err := d.u32()
	if err != nil {
		return nil, err
	}

	if f.Dims, err = d.dimensions(); err != nil {
		return nil, err
	}
	if f.Attrs, err = d.attributes(); err != nil {
		return nil, err
	}
	vars, err := d.variables(f.Dims)
	if err != nil {
		return nil, err
	}
	f.Vars = vars

	var recVars []*Variable
	for _, v := range f.Vars {
		if v.record {
			recVars = append(recVars, v)
		}
	}
	if len(recVars) == 1 {
		f.recSize = int64(recVars[0].perRecord() * recVars[0].Type.Size())
	} else {
		for _, v := range recVars {
			n := int64(v.perRecord() * v.Type.Size())
			f.recSize += n + pad4(n)
		}
	}

	if numRecs == streamingRecs {
		numRecs = 0
		if len(recVars) > 0 && f.recSize > 0 {
			numRecs = uint32((int64(len(data)) - recVars[0].begin) / f.recSize)
		}
	}
	f.NumRecs = int(numRecs)

	for i := range f.Dims {
		if f.Dims[i].Unlimited {
			f.Dims[i].Len = f.NumRecs
		}
	}
	for _, v := range f.Vars {
		if v.record {
			v.shape[0] = f.NumRecs
		}
		if err := f.checkExtent(v); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// checkExtent verifies the variable's data lies inside the buffer
func (f *File) checkExtent(v *Variable) error {
	size := int64(v.perRecord() * v.Type.Size())
	end := v.begin + size
	if v.record && f.NumRecs == 0 {
		return nil
	}
	if v.record {
		end = v.begin + int64(f.NumRecs-1)*f.recSize + size
	}
	if v.begin < 0 || end > int64(len(f.data)) {
		return fmt.Errorf("%w: variable %q data [%d,%d) beyond file size %d",
			ErrMalformed, v.Name, v.begin, end, len(f.data))
	}
	return nil
}

// Read returns all values of the named variable as a typed slice
// ([]byte for char data).
func (f *File) Read(name string) (any, error) {
	v := f.Var(name)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoVariable, name)
	}
	return f.ReadVar(v)
}

// ReadVar returns all values of v as a typed slice
func (f *File) ReadVar(v *Variable) (any, error) {
	per := v.perRecord()
	size := int64(per * v.Type.Size())

	if !v.record {
		return decodeValues(v.Type, f.data[v.begin:v.begin+size], per)
	}

	raw := make([]byte, 0, int64(f.NumRecs)*size)
	for r := 0; r < f.NumRecs; r++ {
		start := v.begin + int64(r)*f.recSize
		raw = append(raw, f.data[start:start+size]...)
	}
	return decodeValues(v.Type, raw, per*f.NumRecs)
}

// Float64s reads a numeric variable widened to float64
func (f *File) Float64s(name string) ([]float64, error) {
	vals, err := f.Read(name)
	if err != nil {
		return nil, err
	}
	out := Float64s(vals)
	if out == nil {
		return nil, fmt.Errorf("netcdf: variable %s is not numeric", name)
	}
	return out, nil
}

// Dataset loads every variable into memory in a form the writer accepts
func (f *File) Dataset() (*Dataset, error) {
	ds := &Dataset{
		Version: f.Version,
		Dims:    append([]Dimension(nil), f.Dims...),
		Attrs:   append(Attributes(nil), f.Attrs...),
	}
	for _, v := range f.Vars {
		vals, err := f.ReadVar(v)
		if err != nil {
			return nil, err
		}
		ds.Vars = append(ds.Vars, VarData{
			Name:   v.Name,
			Dims:   append([]string(nil), v.Dims...),
			Attrs:  append(Attributes(nil), v.Attrs...),
			Type:   v.Type,
			Values: vals,
		})
	}
	return ds, nil
}

type decoder struct {
	buf     []byte
	off     int
	version int
}

func (d *decoder) need(n int) error {
	if n < 0 || d.off+n > len(d.buf) {
		return fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, d.off)
	}
	return nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) count() (int, error) {
	v, err := d.u32()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: count %d out of range", ErrMalformed, v)
	}
	return int(v), nil
}

func (d *decoder) offset() (int64, error) {
	if d.version == 1 {
		v, err := d.u32()
		return int64(v), err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: offset out of range", ErrMalformed)
	}
	return int64(v), nil
}

func (d *decoder) name() (string, error) {
	n, err := d.count()
	if err != nil {
		return "", err
	}
	padded := n + int(pad4(int64(n)))
	if err := d.need(padded); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += padded
	return s, nil
}

// listHeader reads a tag/count pair, accepting ABSENT (two zero words)
func (d *decoder) listHeader(tag uint32) (int, error) {
	got, err := d.u32()
	if err != nil {
		return 0, err
	}
	n, err := d.count()
	if err != nil {
		return 0, err
	}
	if got == 0 && n == 0 {
		return 0, nil
	}
	if got != tag {
		return 0, fmt.Errorf("%w: expected list tag %#x, got %#x", ErrMalformed, tag, got)
	}
	return n, nil
}

func (d *decoder) dimensions() ([]Dimension, error) {
	n, err := d.listHeader(tagDimension)
	if err != nil {
		return nil, err
	}
	dims := make([]Dimension, 0, n)
	unlimited := false
	for i := 0; i < n; i++ {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		length, err := d.count()
		if err != nil {
			return nil, err
		}
		dim := Dimension{Name: name, Len: length}
		if length == 0 {
			if unlimited {
				return nil, fmt.Errorf("%w: more than one unlimited dimension", ErrMalformed)
			}
			unlimited = true
			dim.Unlimited = true
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

func (d *decoder) attributes() (Attributes, error) {
	n, err := d.listHeader(tagAttribute)
	if err != nil {
		return nil, err
	}
	attrs := make(Attributes, 0, n)
	for i := 0; i < n; i++ {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		rawType, err := d.u32()
		if err != nil {
			return nil, err
		}
		t := Type(rawType)
		if t.Size() == 0 {
			return nil, fmt.Errorf("%w: attribute %q has unknown type %d", ErrMalformed, name, rawType)
		}
		count, err := d.count()
		if err != nil {
			return nil, err
		}
		size := int64(count) * int64(t.Size())
		if err := d.need(int(size + pad4(size))); err != nil {
			return nil, err
		}
		raw := d.buf[d.off : d.off+int(size)]
		d.off += int(size + pad4(size))

		var value any
		if t == Char {
			value = string(bytes.TrimRight(raw, "\x00"))
		} else {
			value, err = decodeValues(t, raw, count)
			if err != nil {
				return nil, err
			}
		}
		attrs = append(attrs, Attribute{Name: name, Type: t, Value: value})
	}
	return attrs, nil
}

func (d *decoder) variables(dims []Dimension) ([]*Variable, error) {
	n, err := d.listHeader(tagVariable)
	if err != nil {
		return nil, err
	}
	vars := make([]*Variable, 0, n)
	for i := 0; i < n; i++ {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		ndims, err := d.count()
		if err != nil {
			return nil, err
		}
		v := &Variable{Name: name}
		for j := 0; j < ndims; j++ {
			id, err := d.count()
			if err != nil {
				return nil, err
			}
			if id >= len(dims) {
				return nil, fmt.Errorf("%w: variable %q references dimension %d of %d", ErrMalformed, name, id, len(dims))
			}
			dim := dims[id]
			if dim.Unlimited && j != 0 {
				return nil, fmt.Errorf("%w: variable %q uses the record dimension at position %d", ErrMalformed, name, j)
			}
			if dim.Unlimited {
				v.record = true
			}
			v.Dims = append(v.Dims, dim.Name)
			v.shape = append(v.shape, dim.Len)
		}
		if v.Attrs, err = d.attributes(); err != nil {
			return nil, err
		}
		rawType, err := d.u32()
		if err != nil {
			return nil, err
		}
		v.Type = Type(rawType)
		if v.Type.Size() == 0 {
			return nil, fmt.Errorf("%w: variable %q has unknown type %d", ErrMalformed, name, rawType)
		}
		// vsize is recomputed from the shape; the stored value overflows for large variables
		if _, err := d.u32(); err != nil {
			return nil, err
		}
		if v.begin, err = d.offset(); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func decodeValues(t Type, raw []byte, n int) (any, error) {
	if len(raw) < n*t.Size() {
		return nil, fmt.Errorf("%w: short data for %s values", ErrMalformed, t)
	}
	be := binary.BigEndian
	switch t {
	case Char:
		out := make([]byte, n)
		copy(out, raw)
		return out, nil
	case Byte:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(raw[i])
		}
		return out, nil
	case Short:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(be.Uint16(raw[i*2:]))
		}
		return out, nil
	case Int:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(be.Uint32(raw[i*4:]))
		}
		return out, nil
	case Float:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(be.Uint32(raw[i*4:]))
		}
		return out, nil
	case Double:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(be.Uint64(raw[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, t)
	}
}
