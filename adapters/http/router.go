// Package http exposes the trial metering core over HTTP with JSON:API
// documents.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/trialgate/adapters/metrics"
	"github.com/artpar/trialgate/pkg/jsonapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig holds optional router settings.
type RouterConfig struct {
	Metrics *metrics.Collector
	// MetricsHandler serves the metrics endpoint. Defaults to promhttp for
	// the default registry when Metrics is set.
	MetricsHandler http.Handler
	MetricsPath    string
	Health         *HealthHandler
	RequestTimeout time.Duration
	Version        string
}

// NewRouter creates the HTTP router.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, cfg.MetricsPath))
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		jsonapi.WriteError(w, jsonapi.NewError(404, "not_found", "Not Found").
			Detailf("no route for %s", req.URL.Path).Build())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		jsonapi.WriteMethodNotAllowed(w, req.Method, nil)
	})

	r.Get("/healthz", cfg.Health.Readiness)
	r.Get("/healthz/live", cfg.Health.Liveness)
	r.Get("/version", versionHandler(cfg.Version))

	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireJSON)

		r.Post("/tenants", h.StartTrial)
		r.Route("/tenants/{id}", func(r chi.Router) {
			r.Get("/status", h.Status)
			r.Get("/periods", h.Periods)
			r.Get("/periods/{periodID}/events", h.PeriodEvents)
			r.Get("/preview", h.Preview)
			r.Post("/convert", h.Convert)
			r.Post("/cancel", h.Cancel)
			r.Put("/billing-account", h.AttachBillingAccount)
		})

		r.Post("/usage-events", h.RecordUsage)
		r.Post("/usage-events/batch", h.RecordBatch)
	})

	return r
}

// requireJSON rejects request bodies that are neither JSON nor JSON:API.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			if ct := r.Header.Get("Content-Type"); !jsonapi.AcceptsContentType(ct) {
				jsonapi.WriteError(w, jsonapi.ErrUnsupportedMediaType(ct))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks map[string]HealthChecker
}

// NewHealthHandler creates a health handler with no checks.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{checks: make(map[string]HealthChecker)}
}

// Add registers a named dependency check. A nil checker is ignored.
func (h *HealthHandler) Add(name string, c HealthChecker) *HealthHandler {
	if c != nil {
		h.checks[name] = c
	}
	return h
}

// Liveness returns OK while the process runs.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Readiness pings every registered dependency.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			continue
		}
		checks[name] = "ok"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func versionHandler(version string) http.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"service": "trialgate",
		})
	}
}

// NewMetricsMiddleware records request counts and durations by route
// pattern.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == metricsPath {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(r.Method, route, status, time.Since(start))
		})
	}
}

// NewLoggingMiddleware logs every request except health and metrics.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == "/metrics" {
				return
			}

			evt := logger.Debug()
			if ww.Status() >= 500 {
				evt = logger.Warn()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
