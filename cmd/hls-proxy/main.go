package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/handler"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/middleware"
	"hls-proxy/internal/pool"
	"hls-proxy/internal/resolver"
	"hls-proxy/internal/service"
	"hls-proxy/internal/ssrf"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("hls-proxy"),
		kong.Description("CORS proxy for HLS streams with playlist rewriting."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newGuard,
			resolver.New,
			newUpstreamClient,
			newPool,
			service.NewFetchService,
			service.NewProxyService,
			handler.NewProxyHandler,
			newHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("version", version)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Proxy.BasePath, cfg.Metrics.Path)
}

func newGuard(cfg *config.Config) (*ssrf.Guard, error) {
	return ssrf.NewGuard(cfg.Proxy.AllowPrivate, cfg.Proxy.AllowHosts, cfg.Proxy.AllowCIDRs)
}

func newUpstreamClient(cfg *config.Config, guard *ssrf.Guard, rv *resolver.Resolver, logger *slog.Logger, m *metrics.Metrics) *client.UpstreamClient {
	return client.NewUpstreamClient(cfg, guard, rv.CheckRedirect, logger, m)
}

// newPool starts the rewrite workers. Its stop hook is appended before the
// server's, so fx runs it after the server has stopped taking requests.
func newPool(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *pool.Pool {
	p := pool.New(cfg, logger, m)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Shutdown(ctx)
		},
	})
	return p
}

func newHealthHandler(cfg *config.Config, p *pool.Pool, v handler.Version) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, p, v)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)

	e.Server.ReadTimeout = 30 * time.Second
	// Segments and long live streams are written for as long as the upstream
	// sends; the request deadline and upstream client timeout bound the rest.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.MaxRequestURI(middleware.RequestURILimit(cfg.Proxy.MaxURLLength, cfg.Proxy.BasePath)))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.Proxy.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders:  []string{"Range", "Accept", "Accept-Language", "If-Range", "If-None-Match", "If-Modified-Since", "Origin"},
		ExposeHeaders: []string{"Content-Length", "Content-Range", "Content-Type", "Accept-Ranges", "ETag", "Last-Modified"},
		MaxAge:        86400,
	}))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			logger.Info("starting server",
				"addr", addr,
				"base_path", cfg.Proxy.BasePath,
				"environment", cfg.Server.Environment,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
