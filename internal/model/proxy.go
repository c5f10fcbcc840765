// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// AddressingMode describes how the inbound request names its target.
type AddressingMode int

const (
	// ModeQuery takes the target from the url query parameter.
	ModeQuery AddressingMode = iota
	// ModePath takes the target verbatim from the path after the base route.
	ModePath
	// ModeBase64Path takes the target from a base64 encoded path segment.
	ModeBase64Path
)

func (m AddressingMode) String() string {
	switch m {
	case ModeQuery:
		return "query"
	case ModePath:
		return "path"
	case ModeBase64Path:
		return "base64"
	default:
		return "unknown"
	}
}

// ProxyRequest represents an inbound client request before resolution.
type ProxyRequest struct {
	RawTarget string
	Mode      AddressingMode
	Method    string
	Header    http.Header
}

// ResolvedTarget is a validated absolute upstream URL.
type ResolvedTarget struct {
	URL    *url.URL
	Scheme string
}

// String returns the normalized target URL.
func (t ResolvedTarget) String() string {
	if t.URL == nil {
		return ""
	}
	return t.URL.String()
}

// BodyKind decides how the upstream body is delivered to the client.
type BodyKind int

const (
	// BodyStream copies the upstream body chunk by chunk.
	BodyStream BodyKind = iota
	// BodyBuffered holds the whole body in memory for rewriting.
	BodyBuffered
)

func (k BodyKind) String() string {
	if k == BodyBuffered {
		return "buffered"
	}
	return "stream"
}

// UpstreamResponse is the upstream response after header rewriting.
// Body is set for BodyStream, Payload for BodyBuffered.
type UpstreamResponse struct {
	StatusCode  int
	Header      http.Header
	Kind        BodyKind
	ContentType string
	FinalURL    *url.URL
	Body        io.ReadCloser
	Payload     []byte
}

// Close releases the upstream body, if any.
func (r *UpstreamResponse) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// PoolStats is a snapshot of worker pool capacity.
type PoolStats struct {
	ThreadsTotal     int `json:"threads_total"`
	ThreadsAvailable int `json:"threads_available"`
	QueueDepth       int `json:"queue_depth"`
}

// Degraded reports whether every worker is busy while jobs are waiting.
func (s PoolStats) Degraded() bool {
	return s.ThreadsAvailable == 0 && s.QueueDepth > 0
}
