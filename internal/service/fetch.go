package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"

	"hls-proxy/internal/client"
	"hls-proxy/internal/config"
	"hls-proxy/internal/model"
	"hls-proxy/internal/ssrf"
)

// forwardableRequestHeaders are the only client headers sent upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// strippedResponseHeaders never reach the client.
var strippedResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Set-Cookie",
	"Set-Cookie2",
	"Strict-Transport-Security",
}

// Buffered bodies are replaced, so validators and ranges of the original no longer apply.
var bufferedDroppedHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Content-Range",
	"Etag",
	"Accept-Ranges",
}

const exposedHeaders = "Content-Length, Content-Range, Content-Type, Accept-Ranges, ETag, Last-Modified, Cache-Control, Expires, Date, Age"

var playlistContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// FetchService performs upstream requests and decides how each body is delivered.
type FetchService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewFetchService creates a FetchService.
func NewFetchService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *FetchService {
	return &FetchService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "fetch_service"),
	}
}

// Fetch requests target and returns the response with its headers rewritten.
// Playlists are returned Buffered with the body in Payload; everything else is
// returned as Stream and the caller must Close it.
func (f *FetchService) Fetch(ctx context.Context, target model.ResolvedTarget, method string, clientHeader http.Header) (*model.UpstreamResponse, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fmt.Errorf("%w: method %s not supported", model.ErrInvalidTarget, method)
	}

	header := f.filterRequestHeaders(clientHeader, target)
	resp, err := f.client.Get(ctx, method, target.String(), header)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	out := &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Header:      rewriteResponseHeaders(resp),
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL,
		Kind:        model.BodyStream,
	}

	playlist := IsPlaylist(out.ContentType, out.FinalURL.Path)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	switch {
	case playlist && resp.StatusCode == http.StatusNotModified:
		// Revalidation answer: no body to rewrite, relay it as is.
		f.client.RecordResponse(method, resp.StatusCode, out.Kind.String())
		out.Body = resp.Body

	case playlist && !ok:
		_ = resp.Body.Close()
		f.client.RecordResponse(method, resp.StatusCode, model.BodyBuffered.String())
		return nil, &model.UpstreamError{StatusCode: resp.StatusCode}

	case playlist && method == http.MethodGet:
		out.Kind = model.BodyBuffered
		f.client.RecordResponse(method, resp.StatusCode, out.Kind.String())
		payload, err := readCapped(resp.Body, f.cfg.Proxy.MaxPlaylistBytes)
		_ = resp.Body.Close()
		if err != nil {
			if errors.Is(err, model.ErrPlaylistTooLarge) {
				return nil, err
			}
			return nil, classifyError(ctx, err)
		}
		for _, h := range bufferedDroppedHeaders {
			out.Header.Del(h)
		}
		out.Payload = payload

	default:
		if playlist {
			// HEAD describes the rewritten body a GET would return.
			for _, h := range bufferedDroppedHeaders {
				out.Header.Del(h)
			}
		}
		f.client.RecordResponse(method, resp.StatusCode, out.Kind.String())
		out.Body = resp.Body
	}

	f.logger.Debug("upstream response",
		"status", out.StatusCode,
		"kind", out.Kind.String(),
		"content_type", out.ContentType,
		"host", out.FinalURL.Host,
	)
	return out, nil
}

func (f *FetchService) filterRequestHeaders(src http.Header, target model.ResolvedTarget) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	// Partial playlists cannot be rewritten.
	if strings.HasSuffix(strings.ToLower(target.URL.Path), ".m3u8") {
		dst.Del("Range")
		dst.Del("If-Range")
	}

	dst.Set("User-Agent", f.cfg.Upstream.UserAgent)
	if f.cfg.Upstream.Referer != "" {
		dst.Set("Referer", f.cfg.Upstream.Referer)
	}
	if f.cfg.Upstream.Origin != "" {
		dst.Set("Origin", f.cfg.Upstream.Origin)
	}
	return dst
}

func rewriteResponseHeaders(resp *http.Response) http.Header {
	dst := resp.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	for _, v := range resp.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}
	for key := range dst {
		if strings.HasPrefix(key, "Access-Control-") {
			delete(dst, key)
		}
	}

	dst.Del("Content-Length")
	if resp.ContentLength >= 0 {
		dst.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Access-Control-Expose-Headers", exposedHeaders)
	return dst
}

// IsPlaylist reports whether a response is an HLS playlist, by media type or
// by a .m3u8 path.
func IsPlaylist(contentType, path string) bool {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil && playlistContentTypes[strings.ToLower(mt)] {
			return true
		}
	}
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", model.ErrPlaylistTooLarge, limit)
	}
	return b, nil
}

// classifyError maps transport failures onto the proxy's error taxonomy. When
// ctx is done its cause wins, so the request deadline and client disconnects
// are reported as such rather than as generic network errors.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("fetch: %w", context.Cause(ctx))
	}
	if errors.Is(err, model.ErrInvalidTarget) {
		return err
	}
	if errors.Is(err, ssrf.ErrBlocked) {
		return fmt.Errorf("%w: %w", model.ErrInvalidTarget, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)
}
