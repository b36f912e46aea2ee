package config

import (
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// SatelliteConfig holds fixed-grid parameters that ABI files do not carry.
type SatelliteConfig struct {
	Eccentricity *float64 `yaml:"eccentricity"` // first eccentricity; 0 is a sphere (default: GRS80)
}

// DEMConfig describes how elevation grids are read.
// Format selects a concrete reader (e.g., "esri_ascii").
type DEMConfig struct {
	Format        string   `yaml:"format"`         // auto | esri_ascii | srtm_hgt | netcdf | geotiff
	Variable      string   `yaml:"variable"`       // elevation variable name for netcdf DEMs (default: auto-detect)
	CRS           string   `yaml:"crs"`            // CRS recorded when the file carries none (default: EPSG:4326)
	NoData        *float64 `yaml:"nodata"`         // overrides the file's no-data sentinel
	MaskZero      *bool    `yaml:"mask_zero"`      // treat exact 0 as no-data (default: true)
	VerticalDatum string   `yaml:"vertical_datum"` // ellipsoid | egm96 (default: ellipsoid)
}

// ProcessingConfig tunes the grid computations.
type ProcessingConfig struct {
	Workers         int    `yaml:"workers"`          // row-band goroutines (default: number of CPUs)
	VisibilityCheck bool   `yaml:"visibility_check"` // blank cells hidden behind the limb
	PixelIFOV       string `yaml:"pixel_ifov"`       // "" | 500m | 1km | 2km: add ABI pixel-centre fields
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir    string `yaml:"dir"`    // output directory for default names (default: ".")
	Suffix string `yaml:"suffix"` // appended to the dataset name (default: "_ortho.nc")
}

// MetricsConfig is optional Prometheus export for batch runs.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile path; empty disables
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"` // default: orthogo
	Exporter    string  `yaml:"exporter"`     // stdout | otlp
	Endpoint    string  `yaml:"endpoint"`     // used when exporter is otlp
	SampleRatio float64 `yaml:"sample_ratio"` // 0-1 (default: 1)
}

// WebConfig controls the serve mode. Clients name radiance files relative
// to InputDir; results always land in output.dir.
type WebConfig struct {
	Host          string `yaml:"host"`           // listen address (default: 127.0.0.1)
	Port          int    `yaml:"port"`           // default: 8080
	InputDir      string `yaml:"input_dir"`      // root for client radiance paths (default: ".")
	MaxConcurrent int    `yaml:"max_concurrent"` // concurrent apply jobs (default: 2)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	LogFormat  string `yaml:"log_format"`  // text | json (default: text)
}

// Config aggregates all application configuration.
type Config struct {
	Satellite  SatelliteConfig  `yaml:"satellite"`
	DEM        DEMConfig        `yaml:"dem"`
	Processing ProcessingConfig `yaml:"processing"`
	Output     OutputConfig     `yaml:"output"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Web        WebConfig        `yaml:"web"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// directory named "configs", with no ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults
// applied.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	_ = cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() error {
	// Satellite
	if c.Satellite.Eccentricity == nil {
		e := geometry.GRS80Eccentricity
		c.Satellite.Eccentricity = &e
	}
	if e := *c.Satellite.Eccentricity; math.IsNaN(e) || e < 0 || e >= 1 {
		return fmt.Errorf("satellite.eccentricity must be in [0, 1), got %g", e)
	}

	// DEM
	if c.DEM.Format == "" {
		c.DEM.Format = "auto"
	}
	switch c.DEM.Format {
	case "auto", "esri_ascii", "srtm_hgt", "netcdf", "geotiff":
	default:
		return fmt.Errorf("unsupported dem.format: %s", c.DEM.Format)
	}
	if c.DEM.CRS == "" {
		c.DEM.CRS = "EPSG:4326"
	}
	if c.DEM.NoData != nil && math.IsNaN(*c.DEM.NoData) {
		return fmt.Errorf("dem.nodata must be a number")
	}
	if c.DEM.MaskZero == nil {
		maskZero := true
		c.DEM.MaskZero = &maskZero
	}
	if c.DEM.VerticalDatum == "" {
		c.DEM.VerticalDatum = "ellipsoid"
	}
	if c.DEM.VerticalDatum != "ellipsoid" && c.DEM.VerticalDatum != "egm96" {
		return fmt.Errorf("dem.vertical_datum must be ellipsoid or egm96, got %s", c.DEM.VerticalDatum)
	}

	// Processing
	if c.Processing.Workers < 0 {
		return fmt.Errorf("processing.workers must be >= 0, got %d", c.Processing.Workers)
	}
	if c.Processing.Workers == 0 {
		c.Processing.Workers = runtime.NumCPU()
	}
	switch c.Processing.PixelIFOV {
	case "", "500m", "1km", "2km":
	default:
		return fmt.Errorf("processing.pixel_ifov must be 500m, 1km or 2km, got %s", c.Processing.PixelIFOV)
	}

	// Output
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.Output.Suffix == "" {
		c.Output.Suffix = "_ortho.nc"
	}

	// Tracing
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "orthogo"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %.2f", c.Tracing.SampleRatio)
	}

	// Web
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.InputDir == "" {
		c.Web.InputDir = "."
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	if c.Web.MaxConcurrent <= 0 {
		c.Web.MaxConcurrent = 2 // reasonable default
	}

	// Defaults
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.LogFormat == "" {
		c.Defaults.LogFormat = "text"
	}
	if c.Defaults.LogFormat != "text" && c.Defaults.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %s", c.Defaults.LogFormat)
	}
	return nil
}

// Eccentricity returns the configured first eccentricity, GRS80 when unset.
func (c *Config) Eccentricity() float64 {
	if c.Satellite.Eccentricity == nil {
		return geometry.GRS80Eccentricity
	}
	return *c.Satellite.Eccentricity
}

// ListenAddr returns the host:port the serve mode binds to.
func (c *Config) ListenAddr(port int) string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(port))
}

// MaskZero reports whether exact-zero elevations are treated as no-data.
func (c *Config) MaskZero() bool {
	return c.DEM.MaskZero == nil || *c.DEM.MaskZero
}

// OutputPath returns the default result path for a dataset name.
func (c *Config) OutputPath(datasetName string) string {
	return filepath.Join(c.Output.Dir, datasetName+c.Output.Suffix)
}
