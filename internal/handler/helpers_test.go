package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/pool"
	"hls-proxy/internal/resolver"
	"hls-proxy/internal/service"
	"hls-proxy/internal/ssrf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Environment: "test"},
		Proxy: config.ProxyConfig{
			BasePath:              "/proxy",
			MaxURLLength:          2048,
			MaxPlaylistBytes:      1 << 20,
			RequestTimeoutSeconds: 5,
			AllowCIDRs:            []string{"127.0.0.0/8", "::1/128"},
		},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 2,
			TimeoutSeconds:        10,
			IdleConnections:       10,
			MaxRedirects:          3,
			UserAgent:             "hls-proxy-test",
		},
		Pool:    config.PoolConfig{Size: 2, MaxQueue: 8},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

type testServer struct {
	echo    *echo.Echo
	pool    *pool.Pool
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := testLogger()

	guard, err := ssrf.NewGuard(cfg.Proxy.AllowPrivate, cfg.Proxy.AllowHosts, cfg.Proxy.AllowCIDRs)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	m := metrics.New(cfg.Proxy.BasePath, cfg.Metrics.Path)
	rv := resolver.New(cfg, guard)
	uc := client.NewUpstreamClient(cfg, guard, rv.CheckRedirect, logger, m)
	p := pool.New(cfg, logger, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	svc := service.NewProxyService(rv, service.NewFetchService(uc, cfg, logger), p, logger)

	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(logger)
	RegisterRoutes(e, cfg, NewProxyHandler(svc, rv, cfg, logger, m), NewHealthHandler(cfg, p, "test"))
	RegisterMetrics(e, cfg, m)

	return &testServer{echo: e, pool: p, metrics: m}
}

func decodeEnvelope(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var env ErrorResponse
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope %q: %v", body, err)
	}
	if env.Success {
		t.Error("envelope success = true, want false")
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", env.Timestamp, err)
	}
	return env
}
