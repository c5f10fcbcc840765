// Package service implements target fetching, streaming and the proxy pipeline.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"hls-proxy/internal/model"
	"hls-proxy/internal/pool"
	"hls-proxy/internal/resolver"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// ProxyService runs resolve, fetch and rewrite for one proxy request.
type ProxyService struct {
	resolver *resolver.Resolver
	fetcher  *FetchService
	pool     *pool.Pool
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(rv *resolver.Resolver, f *FetchService, p *pool.Pool, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		resolver: rv,
		fetcher:  f,
		pool:     p,
		logger:   logger.With("component", "proxy_service"),
	}
}

// Forward resolves pr, fetches the target and, for playlists, rewrites every
// reference to go through proxyBase. A Stream response must be closed by the
// caller. If ctx ends while a rewrite is pending the result is abandoned and
// context.Cause(ctx) is returned.
func (s *ProxyService) Forward(ctx context.Context, pr model.ProxyRequest, proxyBase string) (*model.UpstreamResponse, error) {
	target, err := s.resolver.Resolve(pr)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"mode", pr.Mode.String(),
		"host", target.URL.Host,
	)

	resp, err := s.fetcher.Fetch(ctx, target, pr.Method, pr.Header)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.URL.Redacted(), err)
	}
	if resp.Kind != model.BodyBuffered {
		return resp, nil
	}

	text, err := s.rewrite(ctx, string(resp.Payload), resp, proxyBase)
	if err != nil {
		return nil, err
	}

	resp.Payload = []byte(text)
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Payload)))
	if !IsPlaylist(resp.ContentType, "") {
		resp.ContentType = playlistContentType
		resp.Header.Set("Content-Type", playlistContentType)
	}
	return resp, nil
}

func (s *ProxyService) rewrite(ctx context.Context, text string, resp *model.UpstreamResponse, proxyBase string) (string, error) {
	job := pool.NewJob(text, resp.FinalURL, proxyBase)
	results, err := s.pool.Submit(ctx, job)
	if err != nil {
		return "", fmt.Errorf("submit rewrite job: %w", err)
	}

	select {
	case res := <-results:
		if res.Err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("rewrite job %s: %w", job.ID, context.Cause(ctx))
			}
			return "", fmt.Errorf("rewrite job %s: %w", job.ID, res.Err)
		}
		return res.Text, nil
	case <-ctx.Done():
		s.logger.Debug("rewrite result abandoned", "job_id", job.ID)
		return "", fmt.Errorf("await rewrite job %s: %w", job.ID, context.Cause(ctx))
	}
}
