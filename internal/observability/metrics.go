// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the build and apply stages.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cell outcomes used as the "outcome" label of orthogo_cells_total.
const (
	OutcomeValid     = "valid"
	OutcomeMasked    = "masked"
	OutcomeUndefined = "undefined"
)

// Collector bundles the pipeline metrics. All methods are safe on a nil
// receiver so callers can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Cells          *prometheus.CounterVec   // stage, outcome
	StageDurations *prometheus.HistogramVec // stage
	Mismatches     *prometheus.CounterVec   // param
	Files          *prometheus.CounterVec   // status
	OrthoMapCells  prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cells, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orthogo_cells_total",
		Help: "Grid cells processed, labeled by stage (build, apply) and outcome (valid, masked, undefined).",
	}, []string{"stage", "outcome"}), "orthogo_cells_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orthogo_stage_duration_seconds",
		Help:    "Wall time of a pipeline stage in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"}), "orthogo_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	mismatches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orthogo_projection_mismatches_total",
		Help: "Projection parameters that differ between a radiance file and the ortho map.",
	}, []string{"param"}), "orthogo_projection_mismatches_total")
	if err != nil {
		return nil, err
	}

	files, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orthogo_files_total",
		Help: "Radiance files processed, labeled by status (ok, error).",
	}, []string{"status"}), "orthogo_files_total")
	if err != nil {
		return nil, err
	}

	mapCells, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orthogo_ortho_map_cells",
		Help: "Number of cells (rows x cols, masked included) in the current ortho map.",
	}), "orthogo_ortho_map_cells")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Cells:          cells,
		StageDurations: durations,
		Mismatches:     mismatches,
		Files:          files,
		OrthoMapCells:  mapCells,
	}, nil
}

// ObserveCells adds the cell counts of one stage run.
func (c *Collector) ObserveCells(stage string, valid, masked, undefined int) {
	if c == nil || c.Cells == nil {
		return
	}
	c.Cells.WithLabelValues(stage, OutcomeValid).Add(float64(valid))
	c.Cells.WithLabelValues(stage, OutcomeMasked).Add(float64(masked))
	c.Cells.WithLabelValues(stage, OutcomeUndefined).Add(float64(undefined))
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil || c.StageDurations == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveMismatch counts one differing projection parameter.
func (c *Collector) ObserveMismatch(param string) {
	if c == nil || c.Mismatches == nil {
		return
	}
	c.Mismatches.WithLabelValues(param).Inc()
}

// ObserveFile counts one processed radiance file.
func (c *Collector) ObserveFile(err error) {
	if c == nil || c.Files == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.Files.WithLabelValues(status).Inc()
}

// SetOrthoMapCells publishes the size of the loaded map.
func (c *Collector) SetOrthoMapCells(n int) {
	if c == nil || c.OrthoMapCells == nil {
		return
	}
	c.OrthoMapCells.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the current metrics in the node_exporter textfile
// format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
