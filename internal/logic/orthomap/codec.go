package orthomap

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

// Variable names of the persisted map.
const (
	VarLongitude = "longitude"
	VarLatitude  = "latitude"
	VarElevation = "elevation"
	VarScanX     = "dem_px_angle_x"
	VarScanY     = "dem_px_angle_y"
	VarPixelX    = "abi_px_center_x"
	VarPixelY    = "abi_px_center_y"

	DimX = "x"
	DimY = "y"
)

var attrInfo = map[string]string{
	"longitude_of_projection_origin": "longitude of geostationary satellite orbit",
	"semi_major_axis":                "semi-major axis of GRS 80 reference ellipsoid",
	"semi_minor_axis":                "semi-minor axis of GRS 80 reference ellipsoid",
	"satellite_height":               "distance from center of ellipsoid to satellite (perspective_point_height + semi_major_axis)",
	"grs80_eccentricity":             "eccentricity of GRS 80 reference ellipsoid",
	"dem_file":                       "filename of dem file used to create this mapping",
	"dem_crs":                        "coordinate reference system of the DEM",
	"dem_transform":                  "affine geotransform of the DEM (x0, dx, rx, y0, ry, dy)",
	"dem_res":                        "resolution of the DEM (x, y)",
}

var varInfo = map[string]string{
	VarLongitude: "longitude from DEM file",
	VarLatitude:  "latitude from DEM file",
	VarElevation: "elevation from DEM file",
	VarScanX:     "DEM grid cell X coordinate (east/west) scan angle in the ABI Fixed Grid",
	VarScanY:     "DEM grid cell Y coordinate (north/south) scan angle in the ABI Fixed Grid",
	VarPixelX:    "ABI pixel centre X scan angle containing the DEM grid cell",
	VarPixelY:    "ABI pixel centre Y scan angle containing the DEM grid cell",
}

// Dataset encodes the map with dimensions y (rows) and x (cols).
func (m *OrthoMap) Dataset() (*ncstore.Dataset, error) {
	rows, cols := m.Dims()
	ds := &ncstore.Dataset{}
	if err := ds.AddDim(DimY, rows); err != nil {
		return nil, fmt.Errorf("orthomap: %w", err)
	}
	if err := ds.AddDim(DimX, cols); err != nil {
		return nil, fmt.Errorf("orthomap: %w", err)
	}

	p, prov := m.Projection, m.Provenance
	a := &ds.Attrs
	a.Set("title", "GOES-R ABI ortho map")
	a.Set("Conventions", "CF-1.7")
	a.Set("history", time.Now().UTC().Format(time.RFC3339)+" created by orthogo")
	a.Set("longitude_of_projection_origin", p.LonOrigin)
	a.Set("semi_major_axis", p.SemiMajor)
	a.Set("semi_minor_axis", p.SemiMinor)
	a.Set("satellite_height", p.SatHeight)
	a.Set("grs80_eccentricity", p.Eccentricity)
	setText(a, "dem_file", prov.DEMFile)
	setText(a, "dem_crs", prov.CRS)
	a.Set("dem_transform", prov.Transform[:])
	a.Set("dem_res", prov.Res[:])
	setText(a, "dem_vertical_datum", prov.VerticalDatum)
	a.Set("geospatial_lon_min", prov.Bound.Min.Lon())
	a.Set("geospatial_lon_max", prov.Bound.Max.Lon())
	a.Set("geospatial_lat_min", prov.Bound.Min.Lat())
	a.Set("geospatial_lat_max", prov.Bound.Max.Lat())
	a.Set("view_azimuth_center", prov.CenterAz)
	a.Set("view_elevation_center", prov.CenterEl)
	if m.PixelIFOV > 0 {
		a.Set("abi_pixel_ifov", m.PixelIFOV)
	}
	for _, k := range a.Keys() {
		if info, ok := attrInfo[k]; ok {
			a.Set(k+"_info", info)
		}
	}

	vars := []*ncstore.Variable{
		newVar(VarLongitude, []string{DimX}, m.Lon, "degrees_east"),
		newVar(VarLatitude, []string{DimY}, m.Lat, "degrees_north"),
		newVar(VarElevation, []string{DimY, DimX}, denseData(m.Elevation), "m"),
		newVar(VarScanX, []string{DimY, DimX}, denseData(m.ScanX), "rad"),
		newVar(VarScanY, []string{DimY, DimX}, denseData(m.ScanY), "rad"),
	}
	if m.PixelX != nil && m.PixelY != nil {
		vars = append(vars,
			newVar(VarPixelX, []string{DimY, DimX}, denseData(m.PixelX), "rad"),
			newVar(VarPixelY, []string{DimY, DimX}, denseData(m.PixelY), "rad"),
		)
	}
	for _, v := range vars {
		if err := ds.AddVar(v); err != nil {
			return nil, fmt.Errorf("orthomap: %w", err)
		}
	}
	return ds, nil
}

// setText skips empty strings, which NetCDF classic stores poorly.
func setText(a *ncstore.Attributes, name, v string) {
	if v != "" {
		a.Set(name, v)
	}
}

func newVar(name string, dims []string, data []float64, units string) *ncstore.Variable {
	v := &ncstore.Variable{Name: name, Dims: dims, Data: append([]float64(nil), data...)}
	v.Attrs.Set("units", units)
	setText(&v.Attrs, "info", varInfo[name])
	return v
}

// denseData returns the row-major values of d.
func denseData(d *mat.Dense) []float64 {
	raw := d.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	return mat.DenseCopyOf(d).RawMatrix().Data
}

// FromDataset decodes a map written by Dataset.
func FromDataset(ds *ncstore.Dataset) (*OrthoMap, error) {
	lon, lat := ds.Var(VarLongitude), ds.Var(VarLatitude)
	if lon == nil || lat == nil {
		return nil, fmt.Errorf("orthomap: missing %s/%s", VarLongitude, VarLatitude)
	}
	rows, cols := len(lat.Data), len(lon.Data)

	grid := func(name string, required bool) (*mat.Dense, error) {
		v := ds.Var(name)
		if v == nil {
			if required {
				return nil, fmt.Errorf("orthomap: missing %s", name)
			}
			return nil, nil
		}
		if len(v.Data) != rows*cols {
			return nil, fmt.Errorf("orthomap: %s has %d values, want %dx%d", name, len(v.Data), rows, cols)
		}
		return mat.NewDense(rows, cols, v.Data), nil
	}

	m := &OrthoMap{Lon: lon.Data, Lat: lat.Data}
	var err error
	if m.Elevation, err = grid(VarElevation, true); err != nil {
		return nil, err
	}
	if m.ScanX, err = grid(VarScanX, true); err != nil {
		return nil, err
	}
	if m.ScanY, err = grid(VarScanY, true); err != nil {
		return nil, err
	}
	if m.PixelX, err = grid(VarPixelX, false); err != nil {
		return nil, err
	}
	if m.PixelY, err = grid(VarPixelY, false); err != nil {
		return nil, err
	}
	if m.PixelX != nil && m.PixelY != nil {
		m.PixelIFOV, _ = ds.Attrs.Float("abi_pixel_ifov")
	} else {
		m.PixelX, m.PixelY = nil, nil
	}

	num := func(name string) (float64, error) {
		f, ok := ds.Attrs.Float(name)
		if !ok {
			return 0, fmt.Errorf("orthomap: missing attribute %s", name)
		}
		return f, nil
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"longitude_of_projection_origin", &m.Projection.LonOrigin},
		{"semi_major_axis", &m.Projection.SemiMajor},
		{"semi_minor_axis", &m.Projection.SemiMinor},
		{"satellite_height", &m.Projection.SatHeight},
		{"grs80_eccentricity", &m.Projection.Eccentricity},
	} {
		if *f.dst, err = num(f.name); err != nil {
			return nil, err
		}
	}
	if err := m.Projection.Validate(); err != nil {
		return nil, fmt.Errorf("orthomap: %w", err)
	}

	prov := &m.Provenance
	prov.DEMFile, _ = ds.Attrs.Text("dem_file")
	prov.CRS, _ = ds.Attrs.Text("dem_crs")
	prov.VerticalDatum, _ = ds.Attrs.Text("dem_vertical_datum")
	if t, ok := ds.Attrs.Floats("dem_transform"); ok && len(t) == 6 {
		copy(prov.Transform[:], t)
	}
	if r, ok := ds.Attrs.Floats("dem_res"); ok && len(r) == 2 {
		copy(prov.Res[:], r)
	}
	prov.CenterAz, _ = ds.Attrs.Float("view_azimuth_center")
	prov.CenterEl, _ = ds.Attrs.Float("view_elevation_center")
	prov.Bound = axisBound(m.Lon, m.Lat)
	return m, nil
}

// axisBound is the extent of the first and last axis values.
func axisBound(lon, lat []float64) orb.Bound {
	if len(lon) == 0 || len(lat) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: orb.Point{lon[0], lat[0]}, Max: orb.Point{lon[0], lat[0]}}
	return b.Extend(orb.Point{lon[len(lon)-1], lat[len(lat)-1]})
}

// Save writes the map to a NetCDF classic file.
func (m *OrthoMap) Save(path string) error {
	ds, err := m.Dataset()
	if err != nil {
		return err
	}
	if err := ncstore.Write(path, ds); err != nil {
		return fmt.Errorf("orthomap: save: %w", err)
	}
	return nil
}

// Load reads a map written by Save.
func Load(path string) (*OrthoMap, error) {
	ds, err := ncstore.Read(path)
	if err != nil {
		return nil, fmt.Errorf("orthomap: load: %w", err)
	}
	m, err := FromDataset(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
