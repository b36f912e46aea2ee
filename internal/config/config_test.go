package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml; filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
satellite:
  eccentricity: 0.0818191910435
dem:
  format: "esri_ascii"
  crs: "EPSG:4269"
  nodata: -9999
  mask_zero: false
  vertical_datum: "egm96"
processing:
  workers: 4
  visibility_check: true
  pixel_ifov: "2km"
output:
  dir: "/data/out"
  suffix: "_terrain.nc"
metrics:
  textfile: "/var/lib/node_exporter/orthogo.prom"
tracing:
  enabled: true
  exporter: "otlp"
  endpoint: "collector:4317"
  sample_ratio: 0.5
web:
  host: "0.0.0.0"
  port: 8980
  input_dir: "/data/goes"
  max_concurrent: 4
defaults:
  debug_level: 3
  log_format: "json"
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DEM.Format != "esri_ascii" {
		t.Errorf("dem.format = %q, want %q", cfg.DEM.Format, "esri_ascii")
	}
	if cfg.DEM.CRS != "EPSG:4269" {
		t.Errorf("dem.crs = %q, want %q", cfg.DEM.CRS, "EPSG:4269")
	}
	if cfg.DEM.NoData == nil || *cfg.DEM.NoData != -9999 {
		t.Errorf("dem.nodata = %v, want -9999", cfg.DEM.NoData)
	}
	if cfg.MaskZero() {
		t.Error("mask_zero = true, want false")
	}
	if cfg.DEM.VerticalDatum != "egm96" {
		t.Errorf("dem.vertical_datum = %q, want egm96", cfg.DEM.VerticalDatum)
	}
	if cfg.Processing.Workers != 4 {
		t.Errorf("processing.workers = %d, want 4", cfg.Processing.Workers)
	}
	if !cfg.Processing.VisibilityCheck {
		t.Error("processing.visibility_check = false, want true")
	}
	if cfg.Processing.PixelIFOV != "2km" {
		t.Errorf("processing.pixel_ifov = %q, want 2km", cfg.Processing.PixelIFOV)
	}
	if cfg.Tracing.SampleRatio != 0.5 {
		t.Errorf("tracing.sample_ratio = %v, want 0.5", cfg.Tracing.SampleRatio)
	}
	if cfg.Web.Port != 8980 {
		t.Errorf("web.port = %d, want 8980", cfg.Web.Port)
	}
	if cfg.Web.InputDir != "/data/goes" {
		t.Errorf("web.input_dir = %q, want /data/goes", cfg.Web.InputDir)
	}
	if got := cfg.ListenAddr(cfg.Web.Port); got != "0.0.0.0:8980" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:8980", got)
	}
	if cfg.Defaults.DebugLevel != 3 {
		t.Errorf("debug_level = %d, want 3", cfg.Defaults.DebugLevel)
	}
	if got := cfg.OutputPath("OR_ABI-L1b-RadC-M6C02_G16"); got != "/data/out/OR_ABI-L1b-RadC-M6C02_G16_terrain.nc" {
		t.Errorf("OutputPath = %q", got)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Eccentricity() != 0.0818191910435 {
		t.Errorf("eccentricity default = %v, want 0.0818191910435", cfg.Eccentricity())
	}
	if cfg.DEM.Format != "auto" {
		t.Errorf("dem.format default = %q, want auto", cfg.DEM.Format)
	}
	if cfg.DEM.CRS != "EPSG:4326" {
		t.Errorf("dem.crs default = %q, want EPSG:4326", cfg.DEM.CRS)
	}
	if !cfg.MaskZero() {
		t.Error("mask_zero default = false, want true")
	}
	if cfg.DEM.VerticalDatum != "ellipsoid" {
		t.Errorf("vertical_datum default = %q, want ellipsoid", cfg.DEM.VerticalDatum)
	}
	if cfg.Processing.Workers < 1 {
		t.Errorf("workers default = %d, want >= 1", cfg.Processing.Workers)
	}
	if cfg.Processing.VisibilityCheck {
		t.Error("visibility_check default = true, want false")
	}
	if cfg.Output.Suffix != "_ortho.nc" {
		t.Errorf("output.suffix default = %q, want _ortho.nc", cfg.Output.Suffix)
	}
	if cfg.Web.Port != 8080 || cfg.Web.MaxConcurrent != 2 {
		t.Errorf("web defaults = (%d, %d), want (8080, 2)", cfg.Web.Port, cfg.Web.MaxConcurrent)
	}
	if got := cfg.ListenAddr(cfg.Web.Port); got != "127.0.0.1:8080" {
		t.Errorf("ListenAddr default = %q, want 127.0.0.1:8080", got)
	}
	if cfg.Web.InputDir != "." {
		t.Errorf("web.input_dir default = %q, want .", cfg.Web.InputDir)
	}
	if cfg.Defaults.LogFormat != "text" {
		t.Errorf("log_format default = %q, want text", cfg.Defaults.LogFormat)
	}
	if got := cfg.OutputPath("scene"); got != filepath.Join(".", "scene_ortho.nc") {
		t.Errorf("OutputPath = %q, want scene_ortho.nc", got)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad_format", "dem:\n  format: jpeg2000\n"},
		{"bad_datum", "dem:\n  vertical_datum: navd88\n"},
		{"negative_workers", "processing:\n  workers: -1\n"},
		{"bad_ifov", "processing:\n  pixel_ifov: 4km\n"},
		{"eccentricity_one", "satellite:\n  eccentricity: 1.0\n"},
		{"eccentricity_negative", "satellite:\n  eccentricity: -0.1\n"},
		{"sample_ratio", "tracing:\n  sample_ratio: 1.5\n"},
		{"port", "web:\n  port: 70000\n"},
		{"debug_level", "defaults:\n  debug_level: 9\n"},
		{"log_format", "defaults:\n  log_format: xml\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_Eccentricity(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want float64
	}{
		{"unset_is_grs80", "", 0.0818191910435},
		{"sphere", "satellite:\n  eccentricity: 0\n", 0},
		{"custom", "satellite:\n  eccentricity: 0.08\n", 0.08},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := cfg.Eccentricity(); got != tc.want {
				t.Errorf("Eccentricity() = %v, want %v", got, tc.want)
			}
		})
	}

	var zero Config
	if got := zero.Eccentricity(); got != 0.0818191910435 {
		t.Errorf("unloaded Eccentricity() = %v, want GRS80", got)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
dem:
  format: "netcdf"
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_RejectsPathOutsideConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for config outside configs/, got nil")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DEM.Format != "auto" || !cfg.MaskZero() || cfg.Output.Suffix != "_ortho.nc" {
		t.Errorf("Default() = %+v, want defaults applied", cfg)
	}
}
