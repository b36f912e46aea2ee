package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/OrthoGo/internal/debug"
	"github.com/cjeanneret/OrthoGo/internal/logic/orthomap"
)

// maxBodyBytes caps POST /apply request bodies.
const maxBodyBytes = 1 << 20

// ApplyRequest is the body of POST /apply.
type ApplyRequest struct {
	RadiancePath string `json:"radiance_path"`
	OutputPath   string `json:"output_path,omitempty"`
}

// ApplyFunc resamples one radiance file onto the served map and returns
// the path written and the number of matched cells.
type ApplyFunc func(ctx context.Context, radiancePath, outputPath string) (output string, matched int, err error)

// Validate checks a request before a job is started.
func (r ApplyRequest) Validate() error {
	if strings.TrimSpace(r.RadiancePath) == "" {
		return fmt.Errorf("radiance_path is required")
	}
	if strings.Contains(r.RadiancePath, "\x00") || strings.Contains(r.OutputPath, "\x00") {
		return fmt.Errorf("paths must not contain NUL bytes")
	}
	return nil
}

// Roots confines the paths a client may name in POST /apply.
type Roots struct {
	Input  string // radiance files are read below this directory
	Output string // results are written directly in this directory
}

// ResolveInput maps a client radiance path to a file below r.Input.
// Absolute paths and ".." components are rejected.
func (r Roots) ResolveInput(p string) (string, error) {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", fmt.Errorf("radiance_path %q must be relative to the input directory", p)
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return "", fmt.Errorf("radiance_path %q must not contain '..'", p)
		}
	}
	root := r.Input
	if root == "" {
		root = "."
	}
	return filepath.Join(root, p), nil
}

// ResolveOutput maps a client output name to a file in r.Output. Only a
// bare .nc file name is accepted; empty stays empty so the default naming
// applies.
func (r Roots) ResolveOutput(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("output_path %q must be a plain file name", name)
	}
	if filepath.Ext(name) != ".nc" {
		return "", fmt.Errorf("output_path %q must end in .nc", name)
	}
	root := r.Output
	if root == "" {
		root = "."
	}
	return filepath.Join(root, name), nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Apply       ApplyFunc
	Roots       Roots
	Map         orthomap.Summary
	Metrics     http.Handler

	// jobs run under ctx so server shutdown cancels them
	ctx    context.Context
	slots  chan struct{}
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewHandlers creates handlers. Client paths are resolved against roots.
// maxConcurrent bounds the apply jobs running at once; further requests get
// 429. If apply is nil, POST /apply returns 503.
func NewHandlers(ctx context.Context, broadcaster *StatusBroadcaster, apply ApplyFunc, roots Roots, summary orthomap.Summary, metrics http.Handler, maxConcurrent int) *Handlers {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Handlers{
		Broadcaster: broadcaster,
		Apply:       apply,
		Roots:       roots,
		Map:         summary,
		Metrics:     metrics,
		ctx:         ctx,
		slots:       make(chan struct{}, maxConcurrent),
	}
}

// Wait blocks until every started job has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// HandleMap returns the served map summary as JSON.
func (h *Handlers) HandleMap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Map)
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"running": len(h.slots),
	})
}

// HandleMetrics serves the Prometheus registry, or 404 when metrics are off.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.Metrics.ServeHTTP(w, r)
}

// HandleApply handles POST /apply: it starts one resampling job in the
// background and answers 202 with the job id.
func (h *Handlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ApplyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	input, err := h.Roots.ResolveInput(req.RadiancePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	output, err := h.Roots.ResolveOutput(req.OutputPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Apply == nil {
		http.Error(w, "apply not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case h.slots <- struct{}{}:
	default:
		http.Error(w, "too many jobs in progress", http.StatusTooManyRequests)
		return
	}

	id := fmt.Sprintf("job-%d", h.nextID.Add(1))
	h.Broadcaster.Publish(StatusEvent{Level: "info", Msg: "started", Job: id, Input: input})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() { <-h.slots }()

		start := time.Now()
		out, matched, err := h.Apply(h.ctx, input, output)
		if err != nil {
			debug.Warn("%s: %s failed: %v", id, input, err)
			h.Broadcaster.Publish(StatusEvent{Level: "error", Msg: "apply failed: " + err.Error(), Job: id, Input: input})
			return
		}
		debug.Info("%s: %s written in %s", id, out, time.Since(start).Round(time.Millisecond))
		h.Broadcaster.Publish(StatusEvent{Level: "info", Msg: "complete", Job: id, Input: input, Output: out, Matched: matched})
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started", "job": id})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
