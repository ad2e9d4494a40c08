package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"host-smuggler/internal/config"
	"host-smuggler/internal/metrics"
)

// Admin routes that are always registered.
const (
	HealthzPath = "/healthz"
	StatusPath  = "/proxy/status"
)

// RegisterRoutes wires all admin route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	e.GET(HealthzPath, health.Healthz)
	e.GET(StatusPath, health.Status)

	if cfg.Admin.Metrics {
		e.GET(cfg.Admin.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// Routes returns the admin route paths enabled by cfg, for bounded metric
// and logging labels.
func Routes(cfg *config.Config) []string {
	routes := []string{HealthzPath, StatusPath}
	if cfg.Admin.Metrics {
		routes = append(routes, cfg.Admin.MetricsPath)
	}
	return routes
}
