package ncstore

import (
	"bytes"
	"os"

	"github.com/ctessum/cdf"
	"github.com/pkg/errors"
)

// ErrNetCDF4 is returned by Read for NetCDF-4 (HDF5) files, which the
// classic reader cannot decode.
var ErrNetCDF4 = errors.New("ncstore: NetCDF-4/HDF5 file; convert it with `nccopy -k classic in.nc out.nc`")

var hdf5Magic = []byte("\x89HDF\r\n\x1a\n")

// Write stores ds as a NetCDF classic file at path. A partially written
// file is removed on failure.
func Write(path string, ds *Dataset) (err error) {
	if len(ds.Dims) == 0 {
		return errors.New("ncstore: dataset has no dimensions")
	}
	names := make([]string, len(ds.Dims))
	lengths := make([]int, len(ds.Dims))
	for i, dim := range ds.Dims {
		names[i] = dim.Name
		lengths[i] = dim.Len
	}

	h := cdf.NewHeader(names, lengths)
	for _, k := range ds.Attrs.Keys() {
		v, _ := ds.Attrs.Get(k)
		h.AddAttribute("", k, v)
	}
	for _, v := range ds.Vars {
		if v.Float32 {
			h.AddVariable(v.Name, v.Dims, []float32{0})
		} else {
			h.AddVariable(v.Name, v.Dims, []float64{0})
		}
		for _, k := range v.Attrs.Keys() {
			a, _ := v.Attrs.Get(k)
			h.AddAttribute(v.Name, k, a)
		}
	}
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "ncstore: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "ncstore: close %s", path)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	nc, err := cdf.Create(f, h) // writes the header
	if err != nil {
		return errors.Wrapf(err, "ncstore: write header of %s", path)
	}
	for _, v := range ds.Vars {
		if err := writeVar(nc, v); err != nil {
			return errors.Wrapf(err, "ncstore: writing variable %s to %s", v.Name, path)
		}
	}
	if err := cdf.UpdateNumRecs(f); err != nil {
		return errors.Wrapf(err, "ncstore: finalize %s", path)
	}
	return nil
}

func writeVar(nc *cdf.File, v *Variable) error {
	end := nc.Header.Lengths(v.Name)
	start := make([]int, len(end))
	w := nc.Writer(v.Name, start, end)

	var err error
	if v.Float32 {
		data32 := make([]float32, len(v.Data))
		for i, x := range v.Data {
			data32[i] = float32(x)
		}
		_, err = w.Write(data32)
	} else {
		_, err = w.Write(v.Data)
	}
	return err
}

// Read loads every variable of a NetCDF classic file into memory.
// Integer data flagged _Unsigned = "true" is widened as unsigned.
func Read(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "ncstore: open %s", path)
	}
	defer f.Close()

	magic := make([]byte, len(hdf5Magic))
	if n, _ := f.ReadAt(magic, 0); n == len(magic) && bytes.Equal(magic, hdf5Magic) {
		return nil, errors.Wrap(ErrNetCDF4, path)
	}

	nc, err := cdf.Open(f)
	if err != nil {
		return nil, errors.Wrapf(err, "ncstore: %s is not a NetCDF classic file", path)
	}
	h := nc.Header

	ds := &Dataset{}
	for _, k := range h.Attributes("") {
		ds.Attrs.Set(k, h.GetAttribute("", k))
	}

	for _, name := range h.Variables() {
		dims := h.Dimensions(name)
		lengths := h.Lengths(name)
		for i, d := range dims {
			if ds.DimLen(d) < 0 {
				ds.Dims = append(ds.Dims, Dim{Name: d, Len: lengths[i]})
			}
		}

		v := &Variable{Name: name, Dims: dims}
		for _, k := range h.Attributes(name) {
			v.Attrs.Set(k, h.GetAttribute(name, k))
		}
		if u, ok := v.Attrs.Text("_Unsigned"); ok && u == "true" {
			v.unsigned = true
		}

		n := 1
		for _, l := range lengths {
			n *= l
		}
		if n == 0 {
			// Record variables of an empty file.
			ds.Vars = append(ds.Vars, v)
			continue
		}

		r := nc.Reader(name, nil, nil)
		buf := r.Zero(n)
		if _, err := r.Read(buf); err != nil {
			if len(dims) == 0 {
				// Scalar container variables such as goes_imager_projection
				// only matter for their attributes.
				ds.Vars = append(ds.Vars, v)
				continue
			}
			return nil, errors.Wrapf(err, "ncstore: reading variable %s from %s", name, path)
		}
		data, ok := toFloat64(buf, v.unsigned)
		if !ok {
			return nil, errors.Errorf("ncstore: variable %s in %s has an unsupported type %T", name, path, buf)
		}
		if _, ok := buf.([]float32); ok {
			v.Float32 = true
		}
		v.Data = data
		ds.Vars = append(ds.Vars, v)
	}
	return ds, nil
}
