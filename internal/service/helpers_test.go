package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/pool"
	"hls-proxy/internal/resolver"
	"hls-proxy/internal/ssrf"
)

const testProxyBase = "https://proxy.test/proxy"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
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
		Pool: config.PoolConfig{Size: 2, MaxQueue: 8},
	}
}

type testStack struct {
	resolver *resolver.Resolver
	fetcher  *FetchService
	pool     *pool.Pool
	proxy    *ProxyService
}

func newTestStack(t *testing.T, cfg *config.Config) *testStack {
	t.Helper()
	guard, err := ssrf.NewGuard(cfg.Proxy.AllowPrivate, cfg.Proxy.AllowHosts, cfg.Proxy.AllowCIDRs)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	rv := resolver.New(cfg, guard)
	c := client.NewUpstreamClient(cfg, guard, rv.CheckRedirect, testLogger(), nil)
	f := NewFetchService(c, cfg, testLogger())
	p := pool.New(cfg, testLogger(), nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	return &testStack{
		resolver: rv,
		fetcher:  f,
		pool:     p,
		proxy:    NewProxyService(rv, f, p, testLogger()),
	}
}
