// AngelaMos | 2026
// handler.go

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 5 * time.Second

const (
	statusOK           = "ok"
	statusDegraded     = "degraded"
	statusNotReady     = "not_ready"
	statusShuttingDown = "shutting_down"
)

type Checker interface {
	Ping(ctx context.Context) error
}

// Check is one dependency probed by /readyz. Stats, when set, is reported
// alongside the result (pool sizes and the like).
type Check struct {
	Name    string
	Checker Checker
	Stats   func() any
	Timeout time.Duration
}

type Handler struct {
	checks   []Check
	logger   *slog.Logger
	ready    atomic.Bool
	shutdown atomic.Bool
}

func NewHandler(checks ...Check) *Handler {
	h := &Handler{checks: checks, logger: slog.Default()}
	h.ready.Store(true)
	return h
}

// WithLogger sets where failed probes are reported. Responses only carry
// a generic message.
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Liveness)
	r.Get("/livez", h.Liveness)
	r.Get("/readyz", h.Readiness)
}

func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	if h.shutdown.Load() {
		writeStatus(w, http.StatusServiceUnavailable, StatusResponse{Status: statusShuttingDown})
		return
	}
	writeStatus(w, http.StatusOK, StatusResponse{Status: statusOK})
}

func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	switch {
	case h.shutdown.Load():
		writeStatus(w, http.StatusServiceUnavailable, StatusResponse{Status: statusShuttingDown})
		return
	case !h.ready.Load():
		writeStatus(w, http.StatusServiceUnavailable, StatusResponse{Status: statusNotReady})
		return
	}

	resp := ReadinessResponse{Status: statusOK, Checks: h.runChecks(r.Context())}
	code := http.StatusOK
	for _, c := range resp.Checks {
		if !c.Healthy {
			resp.Status = statusDegraded
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeStatus(w, code, resp)
}

// runChecks probes every dependency concurrently. A failing probe is
// reported, not propagated, so the others still run to completion.
func (h *Handler) runChecks(ctx context.Context) []HealthCheck {
	results := make([]HealthCheck, len(h.checks))

	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			results[i] = h.probe(ctx, c)
			return nil
		})
	}
	//nolint:errcheck // probes never return errors
	_ = g.Wait()

	return results
}

func (h *Handler) probe(ctx context.Context, c Check) HealthCheck {
	out := HealthCheck{Name: c.Name}
	if c.Checker == nil {
		out.Message = c.Name + " checker not configured"
		return out
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Checker.Ping(ctx)
	out.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		out.Message = "ping failed"
		h.logger.WarnContext(ctx, "readiness probe failed",
			"check", c.Name,
			"latency_ms", out.LatencyMS,
			"error", err,
		)
	} else {
		out.Healthy = true
	}

	if c.Stats != nil {
		out.Stats = c.Stats()
	}
	return out
}

func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Handler) SetShutdown(shutdown bool) {
	h.shutdown.Store(shutdown)
}

func writeStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // best-effort response
	_ = json.NewEncoder(w).Encode(data)
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks"`
}

type HealthCheck struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Message   string  `json:"message,omitempty"`
	Stats     any     `json:"stats,omitempty"`
}
