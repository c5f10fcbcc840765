package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler) {
	base := cfg.Proxy.BasePath

	e.GET("/healthz", health.Healthz)
	e.GET(base+"/status", health.Status)

	for _, path := range []string{base, base + "/*"} {
		e.GET(path, proxy.Handle)
		e.HEAD(path, proxy.Handle)
	}
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
