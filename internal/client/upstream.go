// Package client provides the upstream HTTP client used to fetch proxied targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"hls-proxy/internal/config"
	"hls-proxy/internal/metrics"
	"hls-proxy/internal/ssrf"
)

// ErrTooManyRedirects is returned when the redirect chain exceeds the limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// RedirectChecker validates each redirect hop before it is followed.
type RedirectChecker func(req *http.Request) error

// UpstreamClient sends requests to arbitrary upstream hosts.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a connect
// timeout, a whole-transfer timeout and SSRF-checked dialing.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, guard *ssrf.Guard, check RedirectChecker, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   cfg.Upstream.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Upstream.ConnectTimeout(),
		ExpectContinueTimeout: time.Second,
		DialContext:           guard.DialContext(dialer, nil),
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
				}
				if check != nil {
					return check(req)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	return resp, nil
}

// Get issues a GET or HEAD request bound to ctx: when the context is canceled
// (e.g. client disconnects), the upstream request and its body are canceled too.
func (c *UpstreamClient) Get(ctx context.Context, method, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}

// RecordResponse counts an upstream response once its body kind is known.
func (c *UpstreamClient) RecordResponse(method string, status int, kind string) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamResponses.WithLabelValues(metrics.NormalizeMethod(method), strconv.Itoa(status), kind).Inc()
}
