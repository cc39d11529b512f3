package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authgate/internal/platform/middleware"
)

// HealthCheck probes one dependency. The name appears in the health report.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// NewRouter assembles the full middleware chain and all routes.
func NewRouter(h *Handler, log *slog.Logger, checks ...HealthCheck) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(log))

	h.Register(r)

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks)+1)
		report["status"] = "ok"
		for _, check := range checks {
			if err := check.Probe(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report["status"] = "degraded"
				report[check.Name] = err.Error()
				continue
			}
			report[check.Name] = "ok"
		}
		writeJSON(w, status, report)
	}
}
