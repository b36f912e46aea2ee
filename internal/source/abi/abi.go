// Package abi reads GOES-R ABI L1b radiance products stored as NetCDF
// classic files.
//
// NOAA distributes L1b products as NetCDF-4 (HDF5), which Open rejects
// with ncstore.ErrNetCDF4. Convert them first:
//
//	nccopy -k classic OR_ABI-L1b-RadC-M6C02_G16_s2019.nc radiance.nc
package abi

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

// Variable and attribute names of the L1b product.
const (
	ProjectionVar = "goes_imager_projection"
	RadianceVar   = "Rad"
	BandVar       = "band_id"

	attrPerspectiveHeight = "perspective_point_height"
	attrSemiMajor         = "semi_major_axis"
	attrSemiMinor         = "semi_minor_axis"
	attrLonOrigin         = "longitude_of_projection_origin"
)

// Image is one radiance field on the fixed grid.
type Image struct {
	Projection geometry.Projection
	X          []float64  // scan angle per column (radians)
	Y          []float64  // elevation angle per row (radians)
	Rad        *mat.Dense // radiance, rows = len(Y), cols = len(X); NaN where filled

	DatasetName string
	Units       string
	Band        int // 0 when the file has no band_id
	Path        string
}

// Dims returns the image shape.
func (img *Image) Dims() (rows, cols int) {
	return len(img.Y), len(img.X)
}

// Open reads the projection, scan-angle axes and radiance of an ABI file.
// Packed values (scale_factor, add_offset, _Unsigned, _FillValue) are
// decoded.
func Open(path string) (*Image, error) {
	ds, err := ncstore.Read(path)
	if err != nil {
		return nil, errors.Wrap(err, "abi")
	}

	proj, err := projection(ds)
	if err != nil {
		return nil, errors.Wrapf(err, "abi: %s", path)
	}

	xVar, yVar := ds.Var("x"), ds.Var("y")
	if xVar == nil || yVar == nil || len(xVar.Dims) != 1 || len(yVar.Dims) != 1 {
		return nil, errors.Errorf("abi: %s: missing 1-D x/y scan-angle variables", path)
	}
	radVar := ds.Var(RadianceVar)
	if radVar == nil {
		return nil, errors.Errorf("abi: %s: no %s variable", path, RadianceVar)
	}
	if len(radVar.Dims) != 2 || radVar.Dims[0] != yVar.Dims[0] || radVar.Dims[1] != xVar.Dims[0] {
		return nil, errors.Errorf("abi: %s: %s dims %v, want [%s %s]", path, RadianceVar, radVar.Dims, yVar.Dims[0], xVar.Dims[0])
	}

	img := &Image{
		Projection:  proj,
		X:           xVar.Unpacked(),
		Y:           yVar.Unpacked(),
		Path:        path,
		DatasetName: datasetName(ds, path),
	}
	img.Rad = mat.NewDense(len(img.Y), len(img.X), radVar.Unpacked())
	img.Units, _ = radVar.Attrs.Text("units")
	if b := ds.Var(BandVar); b != nil && len(b.Data) > 0 {
		img.Band = int(b.Data[0])
	}
	return img, nil
}

func projection(ds *ncstore.Dataset) (geometry.Projection, error) {
	v := ds.Var(ProjectionVar)
	if v == nil {
		return geometry.Projection{}, errors.Errorf("no %s variable", ProjectionVar)
	}
	vals := make(map[string]float64, 4)
	for _, name := range []string{attrPerspectiveHeight, attrSemiMajor, attrSemiMinor, attrLonOrigin} {
		f, ok := v.Attrs.Float(name)
		if !ok {
			return geometry.Projection{}, errors.Errorf("%s: missing attribute %s", ProjectionVar, name)
		}
		vals[name] = f
	}
	p := geometry.NewProjection(vals[attrPerspectiveHeight], vals[attrSemiMajor], vals[attrSemiMinor], vals[attrLonOrigin])
	if err := p.Validate(); err != nil {
		return geometry.Projection{}, errors.Wrap(err, ProjectionVar)
	}
	return p, nil
}

// datasetName prefers the global dataset_name attribute and falls back to
// the file name without its extension.
func datasetName(ds *ncstore.Dataset, path string) string {
	if s, ok := ds.Attrs.Text("dataset_name"); ok && s != "" {
		s = filepath.Base(filepath.ToSlash(s))
		if s != "." && s != "/" && s != ".." {
			return strings.TrimSuffix(s, filepath.Ext(s))
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Footprint returns the lon/lat extent of the on-disk part of the image,
// sampling every step-th row and column. ok is false when no sample hits
// the Earth.
func (img *Image) Footprint(step, workers int) (b orb.Bound, ok bool) {
	if step < 1 {
		step = 1
	}
	xs := subsample(img.X, step)
	ys := subsample(img.Y, step)
	lon, lat := geometry.ScanToLonLatGrid(xs, ys, img.Projection, workers)

	b = orb.Bound{
		Min: orb.Point{math.Inf(1), math.Inf(1)},
		Max: orb.Point{math.Inf(-1), math.Inf(-1)},
	}
	rows, cols := lon.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			lo, la := lon.At(r, c), lat.At(r, c)
			if math.IsNaN(lo) || math.IsNaN(la) {
				continue
			}
			b = b.Extend(orb.Point{lo, la})
			ok = true
		}
	}
	return b, ok
}

// subsample keeps every step-th value and always the last one.
func subsample(v []float64, step int) []float64 {
	out := make([]float64, 0, len(v)/step+2)
	for i := 0; i < len(v); i += step {
		out = append(out, v[i])
	}
	if len(v) > 0 && (len(v)-1)%step != 0 {
		out = append(out, v[len(v)-1])
	}
	return out
}

// Dataset encodes the image in the L1b layout read by Open. Radiance is
// stored unpacked as float32 with NaN fill.
func (img *Image) Dataset() (*ncstore.Dataset, error) {
	rows, cols := img.Dims()
	ds := &ncstore.Dataset{}
	if err := ds.AddDim("y", rows); err != nil {
		return nil, errors.Wrap(err, "abi")
	}
	if err := ds.AddDim("x", cols); err != nil {
		return nil, errors.Wrap(err, "abi")
	}
	if err := ds.AddDim("band", 1); err != nil {
		return nil, errors.Wrap(err, "abi")
	}
	if img.DatasetName != "" {
		ds.Attrs.Set("dataset_name", img.DatasetName+".nc")
	}

	p := img.Projection
	proj := &ncstore.Variable{Name: ProjectionVar, Dims: []string{"band"}, Data: []float64{0}}
	proj.Attrs.Set("grid_mapping_name", "geostationary")
	proj.Attrs.Set(attrPerspectiveHeight, p.SatHeight-p.SemiMajor)
	proj.Attrs.Set(attrSemiMajor, p.SemiMajor)
	proj.Attrs.Set(attrSemiMinor, p.SemiMinor)
	proj.Attrs.Set(attrLonOrigin, p.LonOrigin)

	x := &ncstore.Variable{Name: "x", Dims: []string{"x"}, Data: append([]float64(nil), img.X...)}
	x.Attrs.Set("units", "rad")
	y := &ncstore.Variable{Name: "y", Dims: []string{"y"}, Data: append([]float64(nil), img.Y...)}
	y.Attrs.Set("units", "rad")

	rad := &ncstore.Variable{
		Name:    RadianceVar,
		Dims:    []string{"y", "x"},
		Data:    mat.DenseCopyOf(img.Rad).RawMatrix().Data,
		Float32: true,
	}
	if img.Units != "" {
		rad.Attrs.Set("units", img.Units)
	}
	band := &ncstore.Variable{Name: BandVar, Dims: []string{"band"}, Data: []float64{float64(img.Band)}}

	for _, v := range []*ncstore.Variable{proj, x, y, rad, band} {
		if err := ds.AddVar(v); err != nil {
			return nil, errors.Wrap(err, "abi")
		}
	}
	return ds, nil
}
