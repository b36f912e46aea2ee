// Package orthomap computes, for every cell of an elevation grid, the ABI
// fixed-grid scan angles at which the satellite sees that cell.
package orthomap

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/debug"
	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/observability"
	"github.com/cjeanneret/OrthoGo/internal/source/dem"
)

const tracerName = "github.com/cjeanneret/OrthoGo/internal/logic/orthomap"

// Vertical datums of the source elevations.
const (
	DatumEllipsoid = "ellipsoid"
	DatumEGM96     = "egm96"
)

// Provenance records where a map's elevations came from.
type Provenance struct {
	DEMFile       string
	CRS           string
	Transform     [6]float64 // GDAL-style geotransform of the DEM
	Res           [2]float64 // DEM cell size (x, y)
	Bound         orb.Bound  // extent of the cell centres
	VerticalDatum string     // datum of the stored elevations
	CenterAz      float64    // look angles to the satellite from the grid centre (degrees)
	CenterEl      float64
}

// OrthoMap pairs a ground grid with the scan angles of each cell. All
// matrices share the grid shape (rows = len(Lat), cols = len(Lon)). A map
// is never modified after Build or Load and may be shared between
// goroutines.
type OrthoMap struct {
	Projection geometry.Projection
	Provenance Provenance

	Lon       []float64  // column longitudes (degrees)
	Lat       []float64  // row latitudes (degrees)
	Elevation *mat.Dense // masked DEM heights (m), NaN where no-data
	ScanX     *mat.Dense // ABI x scan angle (rad)
	ScanY     *mat.Dense // ABI y scan angle (rad)

	// Optional pixel-centre binning; nil unless built with a PixelIFOV.
	PixelX    *mat.Dense
	PixelY    *mat.Dense
	PixelIFOV float64
}

// Dims returns the grid shape.
func (m *OrthoMap) Dims() (rows, cols int) {
	return len(m.Lat), len(m.Lon)
}

// Options tunes Build. The zero value masks zero elevations, skips the
// visibility pass and uses one worker.
type Options struct {
	Workers         int
	KeepZero        bool    // do not treat exact 0 as no-data
	VisibilityCheck bool    // blank cells hidden behind the limb
	PixelIFOV       float64 // > 0 adds PixelX/PixelY

	// VerticalDatum names the datum of the DEM heights. With DatumEGM96,
	// GeoidHeight is added to every height before the transform.
	VerticalDatum string
	GeoidHeight   func(lon, lat float64) (float64, error)

	Metrics *observability.Collector
}

// Build computes the ortho map of grid for the satellite described by
// proj. Cells equal to the grid's no-data value, and exact zeros unless
// opts.KeepZero is set, are masked to NaN before the transform.
func Build(ctx context.Context, grid *dem.Grid, proj geometry.Projection, opts Options) (*OrthoMap, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orthomap/build")
	defer span.End()

	if err := proj.Validate(); err != nil {
		return nil, fmt.Errorf("orthomap: invalid projection: %w", err)
	}
	if grid == nil {
		return nil, fmt.Errorf("orthomap: nil grid")
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("orthomap: %w", err)
	}
	rows, cols := grid.Dims()
	span.SetAttributes(
		attribute.String("dem.file", grid.Path),
		attribute.Int("grid.rows", rows),
		attribute.Int("grid.cols", cols),
	)
	debug.Grid("dem", rows, cols)
	debug.PrintStruct("projection", proj)

	// Step 1: mask no-data
	debug.Step(1, "masking no-data cells")
	elevation := mat.DenseCopyOf(grid.Z)
	masked := mask(elevation, grid, !opts.KeepZero)

	// Step 2: heights above the ellipsoid
	heights := elevation
	datum := opts.VerticalDatum
	if datum == "" {
		datum = DatumEllipsoid
	}
	switch datum {
	case DatumEllipsoid:
	case DatumEGM96:
		if opts.GeoidHeight == nil {
			return nil, fmt.Errorf("orthomap: vertical datum %s needs a geoid model", datum)
		}
		debug.Step(2, "shifting EGM96 heights to the ellipsoid")
		var err error
		if heights, err = ellipsoidHeights(ctx, elevation, grid.Lon, grid.Lat, opts.GeoidHeight); err != nil {
			span.RecordError(err)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("orthomap: unsupported vertical datum: %s", datum)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: inverse transform
	debug.Step(3, "computing scan angles")
	x, y := geometry.LonLatToScanGrid(grid.Lon, grid.Lat, heights, proj, opts.Workers)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: optional visibility pass
	if opts.VisibilityCheck {
		debug.Step(4, "blanking cells hidden behind the limb")
		hidden := blankHidden(x, y, heights, grid.Lon, grid.Lat, proj, opts.Workers)
		debug.Verbose("visibility pass blanked %d cells", hidden)
	}

	m := &OrthoMap{
		Projection: proj,
		Lon:        append([]float64(nil), grid.Lon...),
		Lat:        append([]float64(nil), grid.Lat...),
		Elevation:  elevation,
		ScanX:      x,
		ScanY:      y,
	}

	// Step 5: optional pixel-centre binning
	if opts.PixelIFOV > 0 {
		debug.Step(5, "binning to ABI pixel centres")
		m.PixelIFOV = opts.PixelIFOV
		m.PixelX = mat.NewDense(rows, cols, nil)
		m.PixelY = mat.NewDense(rows, cols, nil)
		geometry.PixelCenters(m.PixelX.RawMatrix().Data, x.RawMatrix().Data, opts.PixelIFOV)
		geometry.PixelCenters(m.PixelY.RawMatrix().Data, y.RawMatrix().Data, opts.PixelIFOV)
	}

	b := grid.Bound()
	center := b.Center()
	az, el := geometry.LookAngles(center.Lon(), center.Lat(), 0, proj)
	m.Provenance = Provenance{
		DEMFile:       grid.Path,
		CRS:           grid.CRS,
		Transform:     grid.Transform,
		Res:           grid.Res,
		Bound:         b,
		VerticalDatum: datum,
		CenterAz:      az,
		CenterEl:      el,
	}

	total := rows * cols
	undefined := floats.Count(math.IsNaN, x.RawMatrix().Data) - masked
	valid := total - masked - undefined
	debug.Cells("build", total, masked, undefined)
	debug.Verbose("grid centre (%.4f, %.4f) sees the satellite at az %.2f°, el %.2f°", center.Lon(), center.Lat(), az, el)
	span.SetAttributes(
		attribute.Int("cells.masked", masked),
		attribute.Int("cells.undefined", undefined),
	)
	opts.Metrics.ObserveCells("build", valid, masked, undefined)
	opts.Metrics.ObserveStage("build", time.Since(start))
	opts.Metrics.SetOrthoMapCells(total)
	return m, nil
}

// mask replaces no-data cells with NaN in place and returns how many
// cells are NaN afterwards.
func mask(z *mat.Dense, grid *dem.Grid, maskZero bool) int {
	data := z.RawMatrix().Data
	n := 0
	for i, v := range data {
		if (grid.HasNoData && v == grid.NoData) || (maskZero && v == 0) {
			data[i] = math.NaN()
		}
		if math.IsNaN(data[i]) {
			n++
		}
	}
	return n
}

// ellipsoidHeights returns z plus the geoid height at each cell. Masked
// cells stay NaN.
func ellipsoidHeights(ctx context.Context, z *mat.Dense, lon, lat []float64, geoid func(lon, lat float64) (float64, error)) (*mat.Dense, error) {
	out := mat.DenseCopyOf(z)
	rows, cols := out.Dims()
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := out.RawRowView(r)
		for c := 0; c < cols; c++ {
			if math.IsNaN(row[c]) {
				continue
			}
			n, err := geoid(lon[c], lat[r])
			if err != nil {
				return nil, fmt.Errorf("orthomap: geoid height: %w", err)
			}
			row[c] += n
		}
	}
	return out, nil
}

// blankHidden sets the scan angles of cells the satellite cannot see to
// NaN and returns how many defined cells were blanked.
func blankHidden(x, y, z *mat.Dense, lon, lat []float64, p geometry.Projection, workers int) int {
	rows, cols := z.Dims()
	counts := make([]int, rows)
	geometry.ForEachRowBand(rows, workers, func(r0, r1 int) {
		visible := make([]bool, cols)
		latRow := make([]float64, cols)
		for r := r0; r < r1; r++ {
			for c := range latRow {
				latRow[c] = lat[r]
			}
			geometry.VisibleSlice(visible, lon, latRow, z.RawRowView(r), p)
			xr, yr := x.RawRowView(r), y.RawRowView(r)
			for c, ok := range visible {
				if ok || math.IsNaN(xr[c]) {
					continue
				}
				xr[c], yr[c] = math.NaN(), math.NaN()
				counts[r]++
			}
		}
	})
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// Summary is a JSON-friendly description of a map.
type Summary struct {
	Rows          int        `json:"rows"`
	Cols          int        `json:"cols"`
	ValidCells    int        `json:"valid_cells"`
	LonOrigin     float64    `json:"longitude_of_projection_origin"`
	SatHeight     float64    `json:"satellite_height"`
	SemiMajor     float64    `json:"semi_major_axis"`
	SemiMinor     float64    `json:"semi_minor_axis"`
	DEMFile       string     `json:"dem_file"`
	CRS           string     `json:"dem_crs"`
	VerticalDatum string     `json:"dem_vertical_datum"`
	Bound         [4]float64 `json:"bbox"` // min lon, min lat, max lon, max lat
	ViewAzimuth   float64    `json:"view_azimuth_center"`
	ViewElevation float64    `json:"view_elevation_center"`
	PixelIFOV     float64    `json:"pixel_ifov,omitempty"`
}

// Summary describes m for status endpoints and logs.
func (m *OrthoMap) Summary() Summary {
	rows, cols := m.Dims()
	b := m.Provenance.Bound
	return Summary{
		Rows:          rows,
		Cols:          cols,
		ValidCells:    rows*cols - floats.Count(math.IsNaN, mat.DenseCopyOf(m.ScanX).RawMatrix().Data),
		LonOrigin:     m.Projection.LonOrigin,
		SatHeight:     m.Projection.SatHeight,
		SemiMajor:     m.Projection.SemiMajor,
		SemiMinor:     m.Projection.SemiMinor,
		DEMFile:       m.Provenance.DEMFile,
		CRS:           m.Provenance.CRS,
		VerticalDatum: m.Provenance.VerticalDatum,
		Bound:         [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
		ViewAzimuth:   m.Provenance.CenterAz,
		ViewElevation: m.Provenance.CenterEl,
		PixelIFOV:     m.PixelIFOV,
	}
}
