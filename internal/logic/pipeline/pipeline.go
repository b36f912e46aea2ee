// Package pipeline ties the sources, the ortho-map builder and the
// resampler into the build and apply entry points.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/OrthoGo/internal/config"
	"github.com/cjeanneret/OrthoGo/internal/debug"
	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/logic/orthomap"
	"github.com/cjeanneret/OrthoGo/internal/logic/resample"
	"github.com/cjeanneret/OrthoGo/internal/observability"
	"github.com/cjeanneret/OrthoGo/internal/source/abi"
	"github.com/cjeanneret/OrthoGo/internal/source/dem"
)

// footprintStep subsamples ABI axes when checking DEM coverage.
const footprintStep = 16

// Pipeline runs the two processing stages with one configuration.
type Pipeline struct {
	cfg     *config.Config
	metrics *observability.Collector
}

// New returns a pipeline. metrics may be nil.
func New(cfg *config.Config, metrics *observability.Collector) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		metrics: metrics,
	}
}

// OpenImage reads a radiance file and applies the configured eccentricity.
func (p *Pipeline) OpenImage(path string) (*abi.Image, error) {
	img, err := abi.Open(path)
	if err != nil {
		return nil, err
	}
	img.Projection.Eccentricity = p.cfg.Eccentricity()
	return img, nil
}

// LoadMap reads a map saved by BuildMap and publishes its size. The gauge
// counts every cell, masked ones included, as BuildMap does.
func (p *Pipeline) LoadMap(path string) (*orthomap.OrthoMap, error) {
	m, err := orthomap.Load(path)
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	p.metrics.SetOrthoMapCells(rows * cols)
	return m, nil
}

// OpenDEM reads an elevation grid with the configured reader options.
func (p *Pipeline) OpenDEM(path string) (*dem.Grid, error) {
	return dem.Open(path, dem.Options{
		Format:   p.cfg.DEM.Format,
		Variable: p.cfg.DEM.Variable,
		CRS:      p.cfg.DEM.CRS,
		NoData:   p.cfg.DEM.NoData,
	})
}

func (p *Pipeline) buildOptions() (orthomap.Options, error) {
	opts := orthomap.Options{
		Workers:         p.cfg.Processing.Workers,
		KeepZero:        !p.cfg.MaskZero(),
		VisibilityCheck: p.cfg.Processing.VisibilityCheck,
		VerticalDatum:   p.cfg.DEM.VerticalDatum,
		Metrics:         p.metrics,
	}
	if p.cfg.Processing.PixelIFOV != "" {
		ifov, err := geometry.ParseIFOV(p.cfg.Processing.PixelIFOV)
		if err != nil {
			return opts, err
		}
		opts.PixelIFOV = ifov
	}
	if opts.VerticalDatum == orthomap.DatumEGM96 {
		opts.GeoidHeight = dem.EGM96Undulation
	}
	return opts, nil
}

// BuildMap computes the ortho map of the DEM at demPath for the satellite
// that recorded abiPath. When outPath is set the map is written there
// before it is returned; a write failure is returned as an error.
func (p *Pipeline) BuildMap(ctx context.Context, abiPath, demPath, outPath string) (*orthomap.OrthoMap, error) {
	debug.Section("Build ortho map")

	// Step 1: satellite geometry
	debug.Step(1, "reading projection from "+abiPath)
	img, err := p.OpenImage(abiPath)
	if err != nil {
		return nil, err
	}
	debug.PrintStruct("projection", img.Projection)

	// Step 2: elevation grid
	debug.Step(2, "reading DEM "+demPath)
	grid, err := p.OpenDEM(demPath)
	if err != nil {
		return nil, err
	}
	if fp, ok := img.Footprint(footprintStep, p.cfg.Processing.Workers); !ok || !fp.Intersects(grid.Bound()) {
		debug.Warn("DEM %s lies outside the visible disk of %s", demPath, img.DatasetName)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// Step 3: scan angles
	debug.Step(3, "computing ortho map")
	opts, err := p.buildOptions()
	if err != nil {
		return nil, err
	}
	m, err := orthomap.Build(ctx, grid, img.Projection, opts)
	if err != nil {
		return nil, err
	}

	if outPath != "" {
		if err := m.Save(outPath); err != nil {
			return nil, err
		}
		debug.Info("ortho map written to %s", outPath)
	}
	return m, nil
}

// OutputPath returns outPath, or the configured default for a dataset.
func (p *Pipeline) OutputPath(outPath, datasetName string) string {
	if outPath != "" {
		return outPath
	}
	return p.cfg.OutputPath(datasetName)
}

// ApplyMap resamples the radiance in abiPath onto m and writes the result
// to outPath, or to <dataset_name><suffix> in the output directory when
// outPath is empty. It returns the result and the path written.
func (p *Pipeline) ApplyMap(ctx context.Context, abiPath string, m *orthomap.OrthoMap, outPath string) (*resample.Result, string, error) {
	return p.applyMap(ctx, abiPath, m, outPath, p.cfg.Processing.Workers)
}

func (p *Pipeline) applyMap(ctx context.Context, abiPath string, m *orthomap.OrthoMap, outPath string, workers int) (res *resample.Result, written string, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveFile(err) }()

	debug.Live("applying ortho map to %s", abiPath)
	img, err := p.OpenImage(abiPath)
	if err != nil {
		return nil, "", err
	}
	res, err = resample.Apply(ctx, img, m, resample.Options{Workers: workers, Metrics: p.metrics})
	if err != nil {
		return nil, "", err
	}

	written = p.OutputPath(outPath, res.Source.DatasetName)
	if err := res.Save(written); err != nil {
		return nil, "", err
	}
	debug.Event("orthorectified radiance written",
		"input", abiPath,
		"output", written,
		"matched", res.Matched,
		"unmatched", res.Unmatched,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return res, written, nil
}

// SeriesResult is the outcome of one file of a series.
type SeriesResult struct {
	Input      string
	Output     string
	Matched    int
	Mismatches []resample.Mismatch
	Err        error
}

// ApplySeries applies m to many radiance files concurrently. Results come
// back in input order; a failed file does not stop the others. Outputs use
// the default naming.
func (p *Pipeline) ApplySeries(ctx context.Context, abiPaths []string, m *orthomap.OrthoMap) []SeriesResult {
	results := make([]SeriesResult, len(abiPaths))
	if len(abiPaths) == 0 {
		return results
	}

	fileWorkers := p.cfg.Processing.Workers
	if fileWorkers > len(abiPaths) {
		fileWorkers = len(abiPaths)
	}
	if fileWorkers < 1 {
		fileWorkers = 1
	}
	bandWorkers := p.cfg.Processing.Workers / fileWorkers
	debug.Live("applying ortho map to %d files with %d workers", len(abiPaths), fileWorkers)

	type job struct {
		index int
		path  string
	}
	jobs := make(chan job, fileWorkers*2)
	done := make(chan struct{})

	for i := 0; i < fileWorkers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := range jobs {
				r := SeriesResult{Input: j.path}
				res, out, err := p.applyMap(ctx, j.path, m, "", bandWorkers)
				if err != nil {
					debug.Warn("%s: %v", j.path, err)
					r.Err = err
				} else {
					r.Output = out
					r.Matched = res.Matched
					r.Mismatches = res.Mismatches
				}
				results[j.index] = r
			}
		}()
	}

	for i, path := range abiPaths {
		select {
		case jobs <- job{index: i, path: path}:
			continue
		case <-ctx.Done():
		}
		for k := i; k < len(abiPaths); k++ {
			results[k] = SeriesResult{Input: abiPaths[k], Err: ctx.Err()}
		}
		break
	}
	close(jobs)
	for i := 0; i < fileWorkers; i++ {
		<-done
	}
	return results
}

// Failed counts the results with an error.
func Failed(results []SeriesResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Describe returns a one-line summary of a map for logs.
func Describe(m *orthomap.OrthoMap) string {
	s := m.Summary()
	return fmt.Sprintf("%dx%d cells (%d valid), lon0 %.1f, DEM %s", s.Rows, s.Cols, s.ValidCells, s.LonOrigin, s.DEMFile)
}
