// Package resample picks, for every cell of an ortho map, the radiance
// sample the satellite recorded at that cell's scan angles.
package resample

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/OrthoGo/internal/debug"
	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/logic/orthomap"
	"github.com/cjeanneret/OrthoGo/internal/observability"
	"github.com/cjeanneret/OrthoGo/internal/source/abi"
)

const tracerName = "github.com/cjeanneret/OrthoGo/internal/logic/resample"

// RelTolerance is the relative difference above which a projection
// parameter counts as a mismatch.
const RelTolerance = 1e-9

// Mismatch is one projection parameter that differs between an image and
// the map applied to it.
type Mismatch struct {
	Param string
	Image float64
	Map   float64
}

// Source describes the radiance file a result came from.
type Source struct {
	DatasetName string
	Units       string
	Band        int
	Path        string
}

// Result is radiance on the ortho map's ground grid.
type Result struct {
	Map        *orthomap.OrthoMap
	Rad        *mat.Dense // same shape as the map; NaN where unmatched
	Source     Source
	Matched    int // cells with a sample on both axes
	Unmatched  int // cells with an undefined scan angle
	Mismatches []Mismatch
}

// Options tunes Apply.
type Options struct {
	Workers int
	Metrics *observability.Collector
}

// Apply resamples img onto m by nearest neighbour, independently on the
// x and y scan-angle axes. There is no interpolation and no distance
// limit: angles beyond an axis end take the edge sample. Cells whose scan
// angles are undefined get NaN.
//
// A projection that differs from the map's is reported in
// Result.Mismatches and logged; it does not stop the resampling.
func Apply(ctx context.Context, img *abi.Image, m *orthomap.OrthoMap, opts Options) (*Result, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "resample/apply")
	defer span.End()

	if img == nil || m == nil {
		return nil, fmt.Errorf("resample: nil image or map")
	}
	if err := checkImage(img); err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	span.SetAttributes(
		attribute.String("abi.dataset", img.DatasetName),
		attribute.Int("grid.rows", rows),
		attribute.Int("grid.cols", cols),
	)

	mismatches := CheckProjection(img.Projection, m.Projection)
	for _, mm := range mismatches {
		debug.Mismatch(mm.Param, mm.Image, mm.Map)
		opts.Metrics.ObserveMismatch(mm.Param)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rad := mat.NewDense(rows, cols, nil)
	unmatched := make([]int, rows)
	geometry.ForEachRowBand(rows, opts.Workers, func(r0, r1 int) {
		for r := r0; r < r1; r++ {
			if ctx.Err() != nil {
				return
			}
			out := rad.RawRowView(r)
			for c := range out {
				ix := Nearest(img.X, m.ScanX.At(r, c))
				iy := Nearest(img.Y, m.ScanY.At(r, c))
				if ix < 0 || iy < 0 {
					out[c] = math.NaN()
					unmatched[r]++
					continue
				}
				out[c] = img.Rad.At(iy, ix)
			}
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Map: m,
		Rad: rad,
		Source: Source{
			DatasetName: img.DatasetName,
			Units:       img.Units,
			Band:        img.Band,
			Path:        img.Path,
		},
		Mismatches: mismatches,
	}
	for _, n := range unmatched {
		res.Unmatched += n
	}
	res.Matched = rows*cols - res.Unmatched

	masked := 0
	for _, v := range m.Elevation.RawMatrix().Data {
		if math.IsNaN(v) {
			masked++
		}
	}
	if masked > res.Unmatched {
		masked = res.Unmatched
	}
	debug.Cells("apply", rows*cols, masked, res.Unmatched-masked)
	span.SetAttributes(
		attribute.Int("cells.matched", res.Matched),
		attribute.Int("projection.mismatches", len(mismatches)),
	)
	opts.Metrics.ObserveCells("apply", res.Matched, masked, res.Unmatched-masked)
	opts.Metrics.ObserveStage("apply", time.Since(start))
	return res, nil
}

func checkImage(img *abi.Image) error {
	if len(img.X) == 0 || len(img.Y) == 0 || img.Rad == nil {
		return fmt.Errorf("resample: empty image")
	}
	rows, cols := img.Rad.Dims()
	if rows != len(img.Y) || cols != len(img.X) {
		return fmt.Errorf("resample: radiance is %dx%d but axes are %dx%d", rows, cols, len(img.Y), len(img.X))
	}
	if !monotonic(img.X) {
		return fmt.Errorf("resample: x axis is not strictly monotonic")
	}
	if !monotonic(img.Y) {
		return fmt.Errorf("resample: y axis is not strictly monotonic")
	}
	return nil
}

// monotonic reports whether v is strictly increasing or strictly
// decreasing, without NaN.
func monotonic(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return false
		}
	}
	if len(v) < 2 {
		return true
	}
	asc := v[1] > v[0]
	for i := 1; i < len(v); i++ {
		if (asc && v[i] <= v[i-1]) || (!asc && v[i] >= v[i-1]) {
			return false
		}
	}
	return true
}

// Nearest returns the index of the axis value closest to v, or -1 when v
// is NaN. The axis must be strictly monotonic, ascending or descending.
// Ties go to the larger axis value; values outside the axis clamp to the
// nearest end.
func Nearest(axis []float64, v float64) int {
	n := len(axis)
	if n == 0 || math.IsNaN(v) {
		return -1
	}
	if n == 1 {
		return 0
	}

	if axis[n-1] > axis[0] {
		i := sort.Search(n, func(i int) bool { return axis[i] >= v })
		switch {
		case i == 0:
			return 0
		case i == n:
			return n - 1
		}
		// axis[i-1] < v <= axis[i]
		if axis[i]-v <= v-axis[i-1] {
			return i
		}
		return i - 1
	}

	i := sort.Search(n, func(i int) bool { return axis[i] <= v })
	switch {
	case i == 0:
		return 0
	case i == n:
		return n - 1
	}
	// axis[i-1] > v >= axis[i]
	if axis[i-1]-v <= v-axis[i] {
		return i - 1
	}
	return i
}

// CheckProjection compares the parameters that define the fixed grid.
func CheckProjection(image, orthoMap geometry.Projection) []Mismatch {
	var out []Mismatch
	for _, p := range []struct {
		name          string
		image, mapped float64
	}{
		{"satellite_height", image.SatHeight, orthoMap.SatHeight},
		{"semi_major_axis", image.SemiMajor, orthoMap.SemiMajor},
		{"semi_minor_axis", image.SemiMinor, orthoMap.SemiMinor},
		{"longitude_of_projection_origin", image.LonOrigin, orthoMap.LonOrigin},
	} {
		if !closeEnough(p.image, p.mapped) {
			out = append(out, Mismatch{Param: p.name, Image: p.image, Map: p.mapped})
		}
	}
	return out
}

func closeEnough(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= RelTolerance*scale
}
