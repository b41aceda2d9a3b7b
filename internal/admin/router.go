// Package admin serves Prometheus metrics and a JSON health report over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/pipebridge/internal/supervisor"
)

// StatusSource reports the supervised workers.
type StatusSource interface {
	Status() []supervisor.WorkerStatus
}

// Pinger checks that the store is reachable.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// WorkerReport is one worker in the health response.
type WorkerReport struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	RunID     string    `json:"run_id,omitempty"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	NextStart time.Time `json:"next_start,omitzero"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Instance  string           `json:"instance"`
	Checks    map[string]Check `json:"checks"`
	Workers   []WorkerReport   `json:"workers"`
	Timestamp string           `json:"timestamp"`
}

type handler struct {
	instance string
	workers  StatusSource
	db       Pinger
}

// NewRouter creates and configures the admin HTTP router.
func NewRouter(instance string, workers StatusSource, db Pinger, logger *zap.Logger) *chi.Mux {
	h := &handler{instance: instance, workers: workers, db: db}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger.Named("admin")))
	r.Use(chimw.Recoverer)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.health)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	start := time.Now()
	if err := h.db.Healthy(ctx); err != nil {
		checks["store"] = Check{Status: "fail", Message: err.Error()}
		healthy = false
	} else {
		checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	var reports []WorkerReport
	for _, ws := range h.workers.Status() {
		if ws.State != supervisor.Running {
			healthy = false
		}
		reports = append(reports, WorkerReport{
			Name:      ws.Name,
			State:     string(ws.State),
			Since:     ws.Since.UTC(),
			RunID:     ws.RunID,
			Restarts:  ws.Restarts,
			LastError: ws.LastError,
			NextStart: ws.NextStart,
		})
	}

	resp := HealthResponse{
		Status:    "healthy",
		Instance:  h.instance,
		Checks:    checks,
		Workers:   reports,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// requestLogger logs every request at debug level.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", chimw.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
