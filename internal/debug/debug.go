package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (grid sizes, output files)
	LevelLive    = 2 // Live info (stages started/finished, files processed)
	LevelVerbose = 3 // Verbose (parameters, per-stage counts)
	LevelTrace   = 4 // Trace (per-band and per-file internals)
)

// slog levels used for the tiers below Info.
const (
	slogLive    = slog.Level(-2)
	slogVerbose = slog.LevelDebug
	slogTrace   = slog.Level(-8)
)

var (
	mu     sync.RWMutex
	level  int
	format           = "text"
	out    io.Writer = os.Stdout
	logger *slog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (grid sizes, output files, warnings)
// 2 = live info (stages, files processed)
// 3 = verbose (projection parameters, cell counts)
// 4 = trace (row bands, attribute dumps)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetFormat selects the record encoding: "text" (default) or "json".
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	rebuild()
}

// SetOutput redirects log records, e.g. to tee them into the web
// status stream.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	opts := &slog.HandlerOptions{
		Level:       slogLevel(level),
		ReplaceAttr: levelNames,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	logger = slog.New(h).With("app", "orthogo")
}

func slogLevel(l int) slog.Level {
	switch {
	case l >= LevelTrace:
		return slogTrace
	case l == LevelVerbose:
		return slogVerbose
	case l == LevelLive:
		return slogLive
	default:
		return slog.LevelInfo
	}
}

func levelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch lvl {
	case slogLive:
		a.Value = slog.StringValue("LIVE")
	case slogVerbose:
		a.Value = slog.StringValue("VERBOSE")
	case slogTrace:
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func emit(lvl slog.Level, msg string, args ...any) {
	if l := current(); l != nil {
		l.Log(context.Background(), lvl, msg, args...)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Event prints a level 1 message with structured key/value pairs.
func Event(msg string, kv ...any) {
	emit(slog.LevelInfo, msg, kv...)
}

// Summary prints an important summary title (level 1).
func Summary(title string) {
	emit(slog.LevelInfo, "═══ "+title+" ═══")
}

// Grid prints the shape of a grid (level 1).
func Grid(name string, rows, cols int) {
	emit(slog.LevelInfo, "grid", "name", name, "rows", rows, "cols", cols, "cells", rows*cols)
}

// Warn prints a warning (level 1).
func Warn(format string, args ...interface{}) {
	emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}

// Mismatch warns that a parameter differs between two sources (level 1).
func Mismatch(name string, image, orthoMap float64) {
	emit(slog.LevelWarn, "projection parameter mismatch", "param", name, "image", image, "map", orthoMap)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	emit(slogLive, fmt.Sprintf(format, args...))
}

// Cells prints cell counts for a processing stage (level 2).
func Cells(stage string, total, masked, undefined int) {
	emit(slogLive, "cells", "stage", stage, "total", total, "masked", masked, "undefined", undefined)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	emit(slogVerbose, fmt.Sprintf(format, args...))
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	emit(slogVerbose, name, "value", fmt.Sprintf("%+v", v))
}

// Section prints a section separator (level 3).
func Section(name string) {
	emit(slogVerbose, "━━━ "+name+" ━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	emit(slogVerbose, description, "step", num)
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	emit(slog.LevelInfo, "value", "name", name, "value", value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	emit(slogTrace, fmt.Sprintf(format, args...))
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	emit(slog.LevelError, "error", "err", err)
}
