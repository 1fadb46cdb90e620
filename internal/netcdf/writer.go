package netcdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Dataset is an in-memory file ready to be encoded. The Len of an unlimited
// dimension is the number of records to write.
type Dataset struct {
	Version int
	Dims    []Dimension
	Attrs   Attributes
	Vars    []VarData
}

// VarData is a variable with its values. Char variables take a string or
// []byte; other types take the matching typed slice.
type VarData struct {
	Name   string
	Dims   []string
	Attrs  Attributes
	Type   Type
	Values any
}

// AddVar appends a variable, replacing any existing variable of the same name
func (ds *Dataset) AddVar(v VarData) {
	for i := range ds.Vars {
		if ds.Vars[i].Name == v.Name {
			ds.Vars[i] = v
			return
		}
	}
	ds.Vars = append(ds.Vars, v)
}

// Var returns the named variable
func (ds *Dataset) Var(name string) (VarData, bool) {
	for _, v := range ds.Vars {
		if v.Name == name {
			return v, true
		}
	}
	return VarData{}, false
}

type layout struct {
	dimIDs  []int
	shape   []int
	record  bool
	perRec  int64
	begin   int64
	encoded []byte
}

// WriteFile encodes ds to path
func WriteFile(path string, ds *Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, ds); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes ds in classic format (CDF-1 unless Version is 2)
func Encode(w io.Writer, ds *Dataset) error {
	version := ds.Version
	if version == 0 {
		version = 1
	}
	if version != 1 && version != 2 {
		return fmt.Errorf("%w: cannot write version %d", ErrUnsupportedFormat, version)
	}

	dimIndex := make(map[string]int, len(ds.Dims))
	numRecs := 0
	unlimited := false
	for i, d := range ds.Dims {
		if _, dup := dimIndex[d.Name]; dup {
			return fmt.Errorf("netcdf: duplicate dimension %q", d.Name)
		}
		dimIndex[d.Name] = i
		if d.Unlimited {
			if unlimited {
				return fmt.Errorf("netcdf: more than one unlimited dimension")
			}
			unlimited = true
			numRecs = d.Len
		} else if d.Len <= 0 {
			return fmt.Errorf("netcdf: dimension %q must have positive length", d.Name)
		}
	}

	layouts := make([]layout, len(ds.Vars))
	recVars := 0
	for i, v := range ds.Vars {
		l := &layouts[i]
		total := 1
		for j, name := range v.Dims {
			id, ok := dimIndex[name]
			if !ok {
				return fmt.Errorf("netcdf: variable %q uses unknown dimension %q", v.Name, name)
			}
			dim := ds.Dims[id]
			if dim.Unlimited && j != 0 {
				return fmt.Errorf("netcdf: variable %q must use the record dimension first", v.Name)
			}
			if dim.Unlimited {
				l.record = true
			}
			l.dimIDs = append(l.dimIDs, id)
			l.shape = append(l.shape, dim.Len)
			total *= dim.Len
		}
		n, err := valueCount(v.Type, v.Values)
		if err != nil {
			return fmt.Errorf("netcdf: variable %q: %w", v.Name, err)
		}
		if n != total {
			return fmt.Errorf("netcdf: variable %q has %d values, shape needs %d", v.Name, n, total)
		}
		l.encoded = encodeValues(v.Type, v.Values)
		if l.record {
			recVars++
			per := 1
			for _, d := range l.shape[1:] {
				per *= d
			}
			l.perRec = int64(per * v.Type.Size())
		}
	}

	// Header length does not depend on offsets, so measure it first.
	headerLen := int64(len(encodeHeader(version, numRecs, ds, layouts)))

	off := headerLen
	for i := range layouts {
		if layouts[i].record {
			continue
		}
		layouts[i].begin = off
		n := int64(len(layouts[i].encoded))
		off += n + pad4(n)
	}
	for i := range layouts {
		if !layouts[i].record {
			continue
		}
		layouts[i].begin = off
		if recVars == 1 {
			off += layouts[i].perRec
		} else {
			off += layouts[i].perRec + pad4(layouts[i].perRec)
		}
	}
	if version == 1 && off > math.MaxInt32 {
		return fmt.Errorf("netcdf: data exceeds cdf-1 offset range, use version 2")
	}

	var buf bytes.Buffer
	buf.Write(encodeHeader(version, numRecs, ds, layouts))

	for _, l := range layouts {
		if l.record {
			continue
		}
		buf.Write(l.encoded)
		buf.Write(make([]byte, pad4(int64(len(l.encoded)))))
	}
	for r := 0; r < numRecs; r++ {
		for _, l := range layouts {
			if !l.record {
				continue
			}
			start := int64(r) * l.perRec
			buf.Write(l.encoded[start : start+l.perRec])
			if recVars > 1 {
				buf.Write(make([]byte, pad4(l.perRec)))
			}
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func encodeHeader(version, numRecs int, ds *Dataset, layouts []layout) []byte {
	var b bytes.Buffer
	b.WriteString("CDF")
	b.WriteByte(byte(version))
	putU32(&b, uint32(numRecs))

	if len(ds.Dims) == 0 {
		putU32(&b, 0)
		putU32(&b, 0)
	} else {
		putU32(&b, tagDimension)
		putU32(&b, uint32(len(ds.Dims)))
		for _, d := range ds.Dims {
			putName(&b, d.Name)
			if d.Unlimited {
				putU32(&b, 0)
			} else {
				putU32(&b, uint32(d.Len))
			}
		}
	}

	putAttributes(&b, ds.Attrs)

	if len(ds.Vars) == 0 {
		putU32(&b, 0)
		putU32(&b, 0)
		return b.Bytes()
	}
	putU32(&b, tagVariable)
	putU32(&b, uint32(len(ds.Vars)))
	for i, v := range ds.Vars {
		l := layouts[i]
		putName(&b, v.Name)
		putU32(&b, uint32(len(l.dimIDs)))
		for _, id := range l.dimIDs {
			putU32(&b, uint32(id))
		}
		putAttributes(&b, v.Attrs)
		putU32(&b, uint32(v.Type))

		vsize := int64(len(l.encoded))
		if l.record {
			vsize = l.perRec
		}
		vsize += pad4(vsize)
		if vsize > math.MaxUint32 {
			vsize = math.MaxUint32
		}
		putU32(&b, uint32(vsize))

		if version == 1 {
			putU32(&b, uint32(l.begin))
		} else {
			var word [8]byte
			binary.BigEndian.PutUint64(word[:], uint64(l.begin))
			b.Write(word[:])
		}
	}
	return b.Bytes()
}

func putU32(b *bytes.Buffer, v uint32) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], v)
	b.Write(word[:])
}

func putName(b *bytes.Buffer, name string) {
	putU32(b, uint32(len(name)))
	b.WriteString(name)
	b.Write(make([]byte, pad4(int64(len(name)))))
}

func putAttributes(b *bytes.Buffer, attrs Attributes) {
	if len(attrs) == 0 {
		putU32(b, 0)
		putU32(b, 0)
		return
	}
	putU32(b, tagAttribute)
	putU32(b, uint32(len(attrs)))
	for _, a := range attrs {
		putName(b, a.Name)
		t := a.Type
		if t == 0 {
			t = Char
		}
		putU32(b, uint32(t))
		n, _ := valueCount(t, a.Value)
		putU32(b, uint32(n))
		raw := encodeValues(t, a.Value)
		b.Write(raw)
		b.Write(make([]byte, pad4(int64(len(raw)))))
	}
}

func encodeValues(t Type, v any) []byte {
	be := binary.BigEndian
	switch vals := v.(type) {
	case string:
		return []byte(vals)
	case []byte:
		out := make([]byte, len(vals))
		copy(out, vals)
		return out
	case []int8:
		out := make([]byte, len(vals))
		for i, x := range vals {
			out[i] = byte(x)
		}
		return out
	case []int16:
		out := make([]byte, len(vals)*2)
		for i, x := range vals {
			be.PutUint16(out[i*2:], uint16(x))
		}
		return out
	case []int32:
		out := make([]byte, len(vals)*4)
		for i, x := range vals {
			be.PutUint32(out[i*4:], uint32(x))
		}
		return out
	case []float32:
		out := make([]byte, len(vals)*4)
		for i, x := range vals {
			be.PutUint32(out[i*4:], math.Float32bits(x))
		}
		return out
	case []float64:
		out := make([]byte, len(vals)*8)
		for i, x := range vals {
			be.PutUint64(out[i*8:], math.Float64bits(x))
		}
		return out
	default:
		return nil
	}
}
