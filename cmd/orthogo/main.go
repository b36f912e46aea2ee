package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cjeanneret/OrthoGo/internal/config"
	"github.com/cjeanneret/OrthoGo/internal/debug"
	"github.com/cjeanneret/OrthoGo/internal/logic/geometry"
	"github.com/cjeanneret/OrthoGo/internal/logic/pipeline"
	"github.com/cjeanneret/OrthoGo/internal/observability"
	"github.com/cjeanneret/OrthoGo/internal/web"
)

const usage = `usage: orthogo [-config path] [-debug n] [-workers n] <command> [flags]

commands:
  build -abi FILE -dem FILE [-o FILE]      compute an ortho map
  apply -map FILE [-o FILE] ABI_FILE...    resample radiance onto a map
  serve -map FILE [-web PORT]              serve apply jobs over HTTP
  look  -abi FILE -lon DEG -lat DEG [-alt M]

ABI_FILE must be NetCDF classic. NOAA distributes L1b products as
NetCDF-4; convert them first with: nccopy -k classic in.nc out.nc
`

func main() {
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	workers := flag.Int("workers", 0, "override processing.workers")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := validateCLIOverrides(*debugLevel, *workers); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, *debugLevel, *workers)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.SetFormat(cfg.Defaults.LogFormat)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Workers", cfg.Processing.Workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, flag.Args(), os.Stdout); err != nil {
		cancel()
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

// run initialises tracing and metrics, then executes one command.
func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}
	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			debug.Warn("write metrics textfile: %v", err)
		}
	}()

	a := &app{cfg: cfg, metrics: metrics, pipe: pipeline.New(cfg, metrics), out: out}
	switch args[0] {
	case "build":
		return a.build(ctx, args[1:])
	case "apply":
		return a.apply(ctx, args[1:])
	case "serve":
		return a.serve(ctx, args[1:])
	case "look":
		return a.look(args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type app struct {
	cfg     *config.Config
	metrics *observability.Collector
	pipe    *pipeline.Pipeline
	out     io.Writer
}

func (a *app) build(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	abiPath := fs.String("abi", "", "radiance file providing the projection")
	demPath := fs.String("dem", "", "elevation grid")
	outPath := fs.String("o", "", "output map (default: <dem>_map.nc in output.dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *abiPath == "" || *demPath == "" {
		return fmt.Errorf("-abi and -dem are required")
	}
	if *outPath == "" {
		*outPath = defaultMapPath(a.cfg, *demPath)
	}

	m, err := a.pipe.BuildMap(ctx, *abiPath, *demPath, *outPath)
	if err != nil {
		return err
	}
	debug.Summary("Ortho map")
	rows, cols := m.Dims()
	debug.Grid("ortho map", rows, cols)
	fmt.Fprintf(a.out, "%s: %s\n", *outPath, pipeline.Describe(m))
	return nil
}

func (a *app) apply(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	mapPath := fs.String("map", "", "ortho map built with the build command")
	outPath := fs.String("o", "", "output file (single input only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	inputs := fs.Args()
	if *mapPath == "" || len(inputs) == 0 {
		return fmt.Errorf("-map and at least one radiance file are required")
	}
	if *outPath != "" && len(inputs) > 1 {
		return fmt.Errorf("-o needs exactly one radiance file, got %d", len(inputs))
	}

	m, err := a.pipe.LoadMap(*mapPath)
	if err != nil {
		return err
	}

	if len(inputs) == 1 {
		res, written, err := a.pipe.ApplyMap(ctx, inputs[0], m, *outPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: %d cells matched\n", written, res.Matched)
		return nil
	}

	results := a.pipe.ApplySeries(ctx, inputs, m)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(a.out, "%s: error: %v\n", r.Input, r.Err)
			continue
		}
		fmt.Fprintf(a.out, "%s: %d cells matched\n", r.Output, r.Matched)
	}
	if n := pipeline.Failed(results); n > 0 {
		return fmt.Errorf("%d of %d files failed", n, len(results))
	}
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	mapPath := fs.String("map", "", "ortho map to serve")
	webPort := &webPortFlag{defaultPort: a.cfg.Web.Port}
	fs.Var(webPort, "web", "listen port; -web= for the configured port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mapPath == "" {
		return fmt.Errorf("-map is required")
	}

	m, err := a.pipe.LoadMap(*mapPath)
	if err != nil {
		return err
	}
	summary := m.Summary()
	debug.Info("serving %s", pipeline.Describe(m))

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stderr, web.BroadcastWriter(broadcaster)))

	apply := func(ctx context.Context, in, out string) (string, int, error) {
		res, written, err := a.pipe.ApplyMap(ctx, in, m, out)
		if err != nil {
			return "", 0, err
		}
		return written, res.Matched, nil
	}
	roots := web.Roots{Input: a.cfg.Web.InputDir, Output: a.cfg.Output.Dir}
	handlers := web.NewHandlers(ctx, broadcaster, apply, roots, summary, a.metrics.Handler(), a.cfg.Web.MaxConcurrent)

	port := webPort.port()
	if port == 0 {
		port = a.cfg.Web.Port
	}
	return web.NewServer(a.cfg.ListenAddr(port), handlers).Run(ctx)
}

func (a *app) look(args []string) error {
	fs := flag.NewFlagSet("look", flag.ContinueOnError)
	abiPath := fs.String("abi", "", "radiance file providing the projection")
	lon := fs.Float64("lon", 0, "observer longitude in degrees")
	lat := fs.Float64("lat", 0, "observer latitude in degrees")
	alt := fs.Float64("alt", 0, "observer height above the ellipsoid in metres")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *abiPath == "" {
		return fmt.Errorf("-abi is required")
	}
	if err := validateLonLat(*lon, *lat); err != nil {
		return err
	}

	img, err := a.pipe.OpenImage(*abiPath)
	if err != nil {
		return err
	}
	p := img.Projection
	az, el := geometry.LookAngles(*lon, *lat, *alt, p)
	x, y := geometry.LonLatToScan(*lon, *lat, *alt, p)
	fmt.Fprintf(a.out, "azimuth %.4f deg, elevation %.4f deg\n", az, el)
	if geometry.Visible(*lon, *lat, *alt, p) {
		fmt.Fprintf(a.out, "scan angles x=%.8f y=%.8f rad\n", x, y)
	} else {
		fmt.Fprintln(a.out, "not visible from the satellite")
	}
	return nil
}

// defaultMapPath names a map after its DEM, in the output directory.
func defaultMapPath(cfg *config.Config, demPath string) string {
	base := filepath.Base(demPath)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(cfg.Output.Dir, base+"_map.nc")
}

// validateCLIOverrides checks the global overrides. -1 debug and 0 workers
// mean "use the config value".
func validateCLIOverrides(debugLevel, workers int) error {
	if debugLevel != -1 && (debugLevel < 0 || debugLevel > 4) {
		return fmt.Errorf("debug must be between 0 and 4, got %d", debugLevel)
	}
	if workers < 0 || workers > 4096 {
		return fmt.Errorf("workers must be between 1 and 4096, got %d", workers)
	}
	return nil
}

// applyOverrides mutates cfg with the validated overrides.
func applyOverrides(cfg *config.Config, debugLevel, workers int) {
	if debugLevel >= 0 {
		cfg.Defaults.DebugLevel = debugLevel
	}
	if workers > 0 {
		cfg.Processing.Workers = workers
	}
}

func validateLonLat(lon, lat float64) error {
	if math.IsNaN(lon) || lon < -180 || lon > 360 {
		return fmt.Errorf("lon must be between -180 and 360, got %g", lon)
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("lat must be between -90 and 90, got %g", lat)
	}
	return nil
}

// webPortFlag implements flag.Value for -web: -web= → configured port, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w == nil || w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
