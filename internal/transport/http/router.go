// Package httptransport assembles the public HTTP surface: the connection
// routes, health checks, and the metrics endpoint, behind the shared
// middleware stack.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xerolink/internal/connection/handler"
	"xerolink/internal/platform/health"
	"xerolink/internal/platform/metrics"
	"xerolink/internal/platform/middleware"
)

// NewRouter wires all public endpoints with middleware.
func NewRouter(conn *handler.Handler, healthHandler *health.Handler, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Metadata)
	r.Use(middleware.Latency(m))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	conn.Register(r)
	healthHandler.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
