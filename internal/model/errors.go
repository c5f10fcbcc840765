package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget covers empty, malformed, too long, disallowed-scheme and
	// SSRF-blocked targets.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUpstreamUnreachable is returned when the upstream cannot be contacted.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout is returned when the upstream or the request deadline expires.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrRewriteFailed is returned when a playlist could not be rewritten.
	ErrRewriteFailed = errors.New("playlist rewrite failed")

	// ErrPlaylistTooLarge is returned when a playlist exceeds the buffering cap.
	ErrPlaylistTooLarge = errors.New("playlist exceeds size limit")

	// ErrPoolExhausted is returned when the rewrite queue is full.
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrPoolClosed is returned when a job is submitted after shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
)

// UpstreamError reports a non-2xx upstream status for content that cannot be
// passed through unmodified.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
}
