package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/model"
)

// StatusClientClosedRequest is logged when the client disconnects before a response.
const StatusClientClosedRequest = 499

// Error codes carried in the JSON envelope.
const (
	CodeInvalidTarget       = "INVALID_TARGET"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeRewriteFailed       = "REWRITE_FAILED"
	CodePlaylistTooLarge    = "PLAYLIST_TOO_LARGE"
	CodePoolExhausted       = "POOL_EXHAUSTED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeClientClosed        = "CLIENT_CLOSED"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorBody is the error part of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON envelope returned for every failed request.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	Success   bool      `json:"success"`
	Timestamp string    `json:"timestamp"`
}

// classify maps err onto a status code, an envelope code and a message that is
// safe to show to clients.
func classify(err error) (int, string, string) {
	var upErr *model.UpstreamError

	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, CodeClientClosed, "client closed request"
	case errors.Is(err, model.ErrInvalidTarget):
		return http.StatusBadRequest, CodeInvalidTarget, err.Error()
	case errors.Is(err, model.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream request timed out"
	case errors.Is(err, model.ErrUpstreamUnreachable):
		return http.StatusBadGateway, CodeUpstreamUnreachable, "upstream host unreachable"
	case errors.As(err, &upErr):
		status := upErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, CodeUpstreamError, upErr.Error()
	case errors.Is(err, model.ErrPlaylistTooLarge):
		return http.StatusBadGateway, CodePlaylistTooLarge, "playlist exceeds size limit"
	case errors.Is(err, model.ErrRewriteFailed):
		return http.StatusBadGateway, CodeRewriteFailed, "playlist could not be rewritten"
	case errors.Is(err, model.ErrPoolExhausted):
		return http.StatusServiceUnavailable, CodePoolExhausted, "rewrite queue is full, retry later"
	case errors.Is(err, model.ErrPoolClosed):
		return http.StatusServiceUnavailable, CodeServiceUnavailable, "service is shutting down"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case http.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	}
	if status >= 500 {
		return CodeInternal
	}
	return CodeBadRequest
}

func writeError(c echo.Context, status int, code, message string) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, ErrorResponse{
		Error:     ErrorBody{Code: code, Message: message},
		Success:   false,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// NewErrorHandler returns an echo.HTTPErrorHandler that renders router and
// middleware errors with the same envelope as proxy failures.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, code, message := classify(err)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status, code, message = he.Code, codeForStatus(he.Code), fmt.Sprint(he.Message)
			if he.Internal != nil {
				if s, cd, m := classify(he.Internal); cd != CodeInternal {
					status, code, message = s, cd, m
				}
			}
		}

		if status >= 500 {
			logger.Error("request failed", "err", err, "path", c.Request().URL.Path)
		}

		if werr := writeError(c, status, code, message); werr != nil {
			logger.Error("write error response", "err", werr)
		}
	}
}
