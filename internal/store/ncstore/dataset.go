// Package ncstore reads and writes NetCDF classic files as in-memory
// datasets of named dimensions, variables and attributes.
package ncstore

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Attributes is an ordered attribute block. Values are normalised on Set
// to the types NetCDF classic can store: string, []int8, []int16,
// []int32, []float32 or []float64.
type Attributes struct {
	keys []string
	vals map[string]interface{}
}

// Set adds or replaces an attribute. Scalars are stored as one-element
// slices; int and []int become int32.
func (a *Attributes) Set(name string, v interface{}) {
	if a.vals == nil {
		a.vals = make(map[string]interface{})
	}
	switch t := v.(type) {
	case float64:
		v = []float64{t}
	case float32:
		v = []float32{t}
	case int:
		v = []int32{int32(t)}
	case int32:
		v = []int32{t}
	case int16:
		v = []int16{t}
	case int8:
		v = []int8{t}
	case []int:
		out := make([]int32, len(t))
		for i, x := range t {
			out[i] = int32(x)
		}
		v = out
	case bool:
		if t {
			v = "true"
		} else {
			v = "false"
		}
	}
	if _, ok := a.vals[name]; !ok {
		a.keys = append(a.keys, name)
	}
	a.vals[name] = v
}

// Get returns the raw attribute value.
func (a *Attributes) Get(name string) (interface{}, bool) {
	v, ok := a.vals[name]
	return v, ok
}

// Keys returns attribute names in insertion order.
func (a *Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len returns the number of attributes.
func (a *Attributes) Len() int { return len(a.keys) }

// Text returns a text attribute.
func (a *Attributes) Text(name string) (string, bool) {
	v, ok := a.vals[name].(string)
	return v, ok
}

// Floats returns a numeric attribute converted to float64.
func (a *Attributes) Floats(name string) ([]float64, bool) {
	v, ok := a.vals[name]
	if !ok {
		return nil, false
	}
	return toFloat64(v, false)
}

// Float returns the first element of a numeric attribute.
func (a *Attributes) Float(name string) (float64, bool) {
	fs, ok := a.Floats(name)
	if !ok || len(fs) == 0 {
		return 0, false
	}
	return fs[0], true
}

// Copy returns an independent copy.
func (a *Attributes) Copy() Attributes {
	var out Attributes
	for _, k := range a.keys {
		out.Set(k, a.vals[k])
	}
	return out
}

// Dim is a named dimension.
type Dim struct {
	Name string
	Len  int
}

// Variable is a named array stored row-major over its dimensions.
type Variable struct {
	Name    string
	Dims    []string
	Data    []float64
	Attrs   Attributes
	Float32 bool // store as NC_FLOAT instead of NC_DOUBLE

	// unsigned is set on read for integer variables flagged _Unsigned.
	unsigned bool
}

// Unpacked returns the variable's values with CF packing undone:
// _FillValue and missing_value become NaN, then scale_factor and
// add_offset are applied. Data is left untouched.
func (v *Variable) Unpacked() []float64 {
	fills := make([]float64, 0, 2)
	for _, name := range []string{"_FillValue", "missing_value"} {
		if raw, ok := v.Attrs.Get(name); ok {
			if fs, ok := toFloat64(raw, v.unsigned); ok && len(fs) > 0 {
				fills = append(fills, fs[0])
			}
		}
	}
	scale, ok := v.Attrs.Float("scale_factor")
	if !ok {
		scale = 1
	}
	offset, _ := v.Attrs.Float("add_offset")

	out := make([]float64, len(v.Data))
	for i, x := range v.Data {
		fill := false
		for _, f := range fills {
			if x == f {
				fill = true
				break
			}
		}
		if fill {
			out[i] = math.NaN()
			continue
		}
		out[i] = x*scale + offset
	}
	return out
}

// Dataset is an in-memory NetCDF classic file.
type Dataset struct {
	Dims  []Dim
	Vars  []*Variable
	Attrs Attributes
}

// AddDim declares a dimension. Lengths must be positive: a zero length
// would be read back as the unlimited dimension.
func (d *Dataset) AddDim(name string, n int) error {
	if n <= 0 {
		return errors.Errorf("dimension %s: length must be > 0, got %d", name, n)
	}
	for _, dim := range d.Dims {
		if dim.Name == name {
			return errors.Errorf("dimension %s already defined", name)
		}
	}
	d.Dims = append(d.Dims, Dim{Name: name, Len: n})
	return nil
}

// DimLen returns the length of a dimension, or -1 when it is not defined.
func (d *Dataset) DimLen(name string) int {
	for _, dim := range d.Dims {
		if dim.Name == name {
			return dim.Len
		}
	}
	return -1
}

// AddVar adds a variable after checking its data against its dimensions.
func (d *Dataset) AddVar(v *Variable) error {
	n := 1
	for _, name := range v.Dims {
		l := d.DimLen(name)
		if l < 0 {
			return errors.Errorf("variable %s: unknown dimension %s", v.Name, name)
		}
		n *= l
	}
	if len(v.Data) != n {
		return errors.Errorf("variable %s: dims are %d but array length is %d", v.Name, n, len(v.Data))
	}
	if d.Var(v.Name) != nil {
		return errors.Errorf("variable %s already defined", v.Name)
	}
	d.Vars = append(d.Vars, v)
	return nil
}

// Var returns the named variable or nil.
func (d *Dataset) Var(name string) *Variable {
	for _, v := range d.Vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// FirstVar returns the first variable whose name matches one of names,
// compared case-insensitively.
func (d *Dataset) FirstVar(names ...string) *Variable {
	for _, name := range names {
		for _, v := range d.Vars {
			if strings.EqualFold(v.Name, name) {
				return v
			}
		}
	}
	return nil
}

// Shape returns the dimension lengths of a variable.
func (d *Dataset) Shape(v *Variable) []int {
	shape := make([]int, len(v.Dims))
	for i, name := range v.Dims {
		shape[i] = d.DimLen(name)
	}
	return shape
}

func toFloat64(v interface{}, unsigned bool) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return append([]float64(nil), t...), true
	case []float32:
		out := make([]float64, len(t))
		for i, x := range t {
			out[i] = float64(x)
		}
		return out, true
	case []int32:
		out := make([]float64, len(t))
		for i, x := range t {
			if unsigned {
				out[i] = float64(uint32(x))
			} else {
				out[i] = float64(x)
			}
		}
		return out, true
	case []int16:
		out := make([]float64, len(t))
		for i, x := range t {
			if unsigned {
				out[i] = float64(uint16(x))
			} else {
				out[i] = float64(x)
			}
		}
		return out, true
	case []int8:
		out := make([]float64, len(t))
		for i, x := range t {
			if unsigned {
				out[i] = float64(uint8(x))
			} else {
				out[i] = float64(x)
			}
		}
		return out, true
	case []uint8:
		out := make([]float64, len(t))
		for i, x := range t {
			if unsigned {
				out[i] = float64(x)
			} else {
				out[i] = float64(int8(x))
			}
		}
		return out, true
	default:
		return nil, false
	}
}
