package dem

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/store/ncstore"
)

// Candidate names, tried in order, for CF-style DEM files.
var (
	lonNames       = []string{"lon", "longitude", "x"}
	latNames       = []string{"lat", "latitude", "y"}
	elevationNames = []string{"elevation", "z", "Band1", "height", "elev", "altitude"}
)

// NetCDF reads a 2-D elevation variable on 1-D lon/lat axes from a
// NetCDF classic file. Fill values are already NaN in the result.
type NetCDF struct {
	Variable string // elevation variable name; empty = auto-detect
	CRS      string
}

// Read parses the file at path.
func (r *NetCDF) Read(path string) (*Grid, error) {
	if strings.HasSuffix(path, zstdExt) {
		return nil, errors.Errorf("dem: %s: compressed NetCDF is not supported", path)
	}
	ds, err := ncstore.Read(path)
	if err != nil {
		return nil, errors.Wrap(err, "dem")
	}

	lonVar := ds.FirstVar(lonNames...)
	latVar := ds.FirstVar(latNames...)
	if lonVar == nil || latVar == nil || len(lonVar.Dims) != 1 || len(latVar.Dims) != 1 {
		return nil, errors.Errorf("dem: %s: no 1-D lon/lat coordinate variables", path)
	}

	var zVar *ncstore.Variable
	if r.Variable != "" {
		zVar = ds.Var(r.Variable)
	} else {
		zVar = ds.FirstVar(elevationNames...)
	}
	if zVar == nil {
		return nil, errors.Errorf("dem: %s: no elevation variable (tried %v)", path, elevationNames)
	}
	if len(zVar.Dims) != 2 {
		return nil, errors.Errorf("dem: %s: %s has %d dimensions, want 2", path, zVar.Name, len(zVar.Dims))
	}

	lon := append([]float64(nil), lonVar.Data...)
	lat := append([]float64(nil), latVar.Data...)
	values := zVar.Unpacked()

	var z *mat.Dense
	switch {
	case zVar.Dims[0] == latVar.Dims[0] && zVar.Dims[1] == lonVar.Dims[0]:
		z = mat.NewDense(len(lat), len(lon), values)
	case zVar.Dims[0] == lonVar.Dims[0] && zVar.Dims[1] == latVar.Dims[0]:
		// Stored (lon, lat): transpose into rows of latitude.
		z = mat.DenseCopyOf(mat.NewDense(len(lon), len(lat), values).T())
	default:
		return nil, errors.Errorf("dem: %s: %s dims %v do not match lon/lat axes", path, zVar.Name, zVar.Dims)
	}

	transform, res := axisTransform(lon, lat)
	return &Grid{
		Lon:       lon,
		Lat:       lat,
		Z:         z,
		Path:      path,
		CRS:       r.crs(ds),
		Transform: transform,
		Res:       res,
	}, nil
}

func (r *NetCDF) crs(ds *ncstore.Dataset) string {
	if s, ok := ds.Attrs.Text("crs"); ok && s != "" {
		return s
	}
	for _, name := range []string{"crs", "spatial_ref", "transverse_mercator"} {
		if v := ds.Var(name); v != nil {
			for _, attr := range []string{"crs_wkt", "spatial_ref"} {
				if s, ok := v.Attrs.Text(attr); ok && s != "" {
					return s
				}
			}
		}
	}
	return r.CRS
}
