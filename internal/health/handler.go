// Package health provides dependency health checks and the /health handler.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds each dependency check.
const DefaultTimeout = 3 * time.Second

// Checker checks one dependency.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Response is the /health body.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler runs every registered checker concurrently.
type Handler struct {
	checkers map[string]Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHandler creates a handler. A zero timeout means DefaultTimeout.
func NewHandler(timeout time.Duration, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		checkers: make(map[string]Checker),
		timeout:  timeout,
		logger:   logger,
	}
}

// Add registers a named checker. Not safe to call while serving.
func (h *Handler) Add(name string, c Checker) {
	h.checkers[name] = c
}

// Check runs all checkers and reports whether every one passed.
func (h *Handler) Check(ctx context.Context) (Response, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		checks  = make(map[string]string, len(h.checkers))
	)
	for name, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := c.HealthCheck(ctx); err != nil {
				result = err.Error()
				h.logger.WarnContext(ctx, "health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()))
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = result
			if result != "ok" {
				healthy = false
			}
		}()
	}
	wg.Wait()

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return Response{Status: status, Checks: checks}, healthy
}

// Names returns the registered checker names in order.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP answers 200 when healthy and 503 otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, healthy := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write health response", slog.String("error", err.Error()))
	}
}
