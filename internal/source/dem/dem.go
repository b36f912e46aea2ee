// Package dem reads digital elevation models into regular lon/lat grids.
package dem

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Grid is a north-up or south-up elevation lattice in geographic
// coordinates.
type Grid struct {
	Lon []float64  // column centres (degrees east)
	Lat []float64  // row centres (degrees north)
	Z   *mat.Dense // heights in metres, rows x cols

	NoData    float64 // sentinel value for missing cells
	HasNoData bool    // false when the source defines no sentinel

	Path      string     // source file
	CRS       string     // coordinate reference system as read (or configured)
	Transform [6]float64 // GDAL-style affine geotransform
	Res       [2]float64 // cell size (x, y) in CRS units
}

// Dims returns the grid shape.
func (g *Grid) Dims() (rows, cols int) {
	return len(g.Lat), len(g.Lon)
}

// Validate checks the axes against the elevation matrix.
func (g *Grid) Validate() error {
	if len(g.Lon) == 0 || len(g.Lat) == 0 || g.Z == nil {
		return errors.New("dem: empty grid")
	}
	rows, cols := g.Z.Dims()
	if rows != len(g.Lat) || cols != len(g.Lon) {
		return errors.Errorf("dem: elevation is %dx%d but axes are %dx%d", rows, cols, len(g.Lat), len(g.Lon))
	}
	return nil
}

// Bound returns the extent covered by the cell centres.
func (g *Grid) Bound() orb.Bound {
	b := orb.Bound{
		Min: orb.Point{math.Inf(1), math.Inf(1)},
		Max: orb.Point{math.Inf(-1), math.Inf(-1)},
	}
	for _, lon := range []float64{g.Lon[0], g.Lon[len(g.Lon)-1]} {
		for _, lat := range []float64{g.Lat[0], g.Lat[len(g.Lat)-1]} {
			b = b.Extend(orb.Point{lon, lat})
		}
	}
	return b
}

// Reader loads one DEM format.
type Reader interface {
	Read(path string) (*Grid, error)
}

// Options configures Open.
type Options struct {
	Format   string   // auto | esri_ascii | srtm_hgt | netcdf | geotiff
	Variable string   // netcdf elevation variable; empty = auto-detect
	CRS      string   // recorded when the file carries none
	NoData   *float64 // overrides the file's sentinel
}

// NewReader selects a reader implementation for a format name.
func NewReader(format string, opts Options) (Reader, error) {
	switch format {
	case "esri_ascii":
		return &ESRIASCII{CRS: opts.CRS}, nil
	case "srtm_hgt":
		return &SRTM{CRS: opts.CRS}, nil
	case "netcdf":
		return &NetCDF{Variable: opts.Variable, CRS: opts.CRS}, nil
	case "geotiff":
		return &GeoTIFF{CRS: opts.CRS}, nil
	default:
		return nil, errors.Errorf("dem: unsupported format: %s", format)
	}
}

// DetectFormat guesses the format from the file extension, ignoring a
// trailing .zst.
func DetectFormat(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, zstdExt)))
	switch ext {
	case ".asc", ".grd", ".txt":
		return "esri_ascii", nil
	case ".hgt":
		return "srtm_hgt", nil
	case ".nc", ".nc4", ".cdf":
		return "netcdf", nil
	case ".tif", ".tiff":
		return "geotiff", nil
	default:
		return "", errors.Errorf("dem: cannot infer format from %q; set dem.format", filepath.Base(path))
	}
}

// Open reads a DEM file with the reader chosen by opts.Format.
func Open(path string, opts Options) (*Grid, error) {
	format := opts.Format
	if format == "" || format == "auto" {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return nil, err
		}
	}
	r, err := NewReader(format, opts)
	if err != nil {
		return nil, err
	}
	g, err := r.Read(path)
	if err != nil {
		return nil, err
	}
	if opts.NoData != nil {
		g.NoData = *opts.NoData
		g.HasNoData = true
	}
	if g.CRS == "" {
		g.CRS = opts.CRS
	}
	if err := g.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return g, nil
}

// axisTransform builds a geotransform from cell-centre axes.
func axisTransform(lon, lat []float64) ([6]float64, [2]float64) {
	var dx, dy float64
	if len(lon) > 1 {
		dx = lon[1] - lon[0]
	}
	if len(lat) > 1 {
		dy = lat[1] - lat[0]
	}
	t := [6]float64{lon[0] - dx/2, dx, 0, lat[0] - dy/2, 0, dy}
	return t, [2]float64{math.Abs(dx), math.Abs(dy)}
}
