package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/model"
	"hls-proxy/internal/resolver"
	"hls-proxy/internal/service"
)

// ProxyHandler serves the proxy routes.
type ProxyHandler struct {
	service  *service.ProxyService
	resolver *resolver.Resolver
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// openCORS is false when cors_origins restricts origins; the CORS
	// middleware then owns Access-Control-Allow-Origin.
	openCORS bool
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable error and byte counters.
func NewProxyHandler(svc *service.ProxyService, rv *resolver.Resolver, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		resolver: rv,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_handler"),
		metrics:  m,
		openCORS: len(cfg.Proxy.CORSOrigins) == 0 || slices.Contains(cfg.Proxy.CORSOrigins, "*"),
	}
}

// Handle resolves the target named by the request, fetches it and writes the
// response back: playlists rewritten in one piece, everything else streamed.
// Fetching and rewriting share one deadline; streaming is not bounded by it.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr, err := h.resolver.Parse(req, h.cfg.Proxy.BasePath)
	if err != nil {
		return h.mapError(c, err)
	}

	timeout := h.cfg.Proxy.RequestTimeout()
	ctx, cancel := context.WithCancelCause(req.Context())
	defer cancel(nil)
	deadline := time.AfterFunc(timeout, func() {
		cancel(fmt.Errorf("%w: no response within %s", model.ErrUpstreamTimeout, timeout))
	})

	resp, err := h.service.Forward(ctx, pr, h.proxyBase(c))
	if !deadline.Stop() && err == nil && resp.Kind == model.BodyStream {
		_ = resp.Close()
		err = context.Cause(ctx)
	}
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		if key == echo.HeaderAccessControlAllowOrigin && !h.openCORS {
			continue
		}
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	if resp.Kind == model.BodyBuffered {
		if _, err := c.Response().Write(resp.Payload); err != nil {
			h.logger.Debug("write playlist", "err", err)
		}
		return nil
	}

	n, err := service.Stream(c.Response(), resp.Body)
	if h.metrics != nil {
		h.metrics.BytesStreamed.Add(float64(n))
	}
	if err == nil {
		return nil
	}

	if req.Context().Err() != nil || errors.Is(err, service.ErrClientWrite) {
		h.logger.Debug("client went away during stream", "bytes", n, "err", err)
		return nil
	}

	// Headers are already sent; aborting tells the client the body is incomplete.
	h.logger.Error("upstream stream interrupted",
		"err", err,
		"bytes", n,
		"host", resp.FinalURL.Host,
	)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(CodeUpstreamUnreachable).Inc()
	}
	panic(http.ErrAbortHandler)
}

// proxyBase is the externally visible proxy route that rewritten playlists
// point back to.
func (h *ProxyHandler) proxyBase(c echo.Context) string {
	if h.cfg.Proxy.PublicURL != "" {
		return strings.TrimSuffix(h.cfg.Proxy.PublicURL, "/")
	}
	return c.Scheme() + "://" + c.Request().Host + strings.TrimSuffix(h.cfg.Proxy.BasePath, "/")
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, code, message := classify(err)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(code).Inc()
	}

	attrs := []any{
		"err", err,
		"code", code,
		"status", status,
		"path", c.Request().URL.Path,
	}
	switch {
	case status == StatusClientClosedRequest:
		h.logger.Debug("client closed request", attrs...)
		c.Response().Status = status
		return nil
	case status >= 500:
		h.logger.Error("proxy error", attrs...)
	default:
		h.logger.Warn("proxy request rejected", attrs...)
	}

	return writeError(c, status, code, message)
}
