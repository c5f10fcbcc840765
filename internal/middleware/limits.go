package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/model"
)

// MaxRequestURI rejects requests whose raw request target is longer than limit
// before any routing or target parsing happens.
func MaxRequestURI(limit int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if n := len(c.Request().RequestURI); n > limit {
				return echo.NewHTTPError(http.StatusBadRequest, "request URI too long").
					SetInternal(fmt.Errorf("%w: request URI of %d bytes exceeds %d", model.ErrInvalidTarget, n, limit))
			}
			return next(c)
		}
	}
}

// RequestURILimit derives the inbound bound from the target length limit:
// a target may arrive percent-encoded (up to three bytes per character) or
// base64 encoded, behind the base path.
func RequestURILimit(maxURLLength int, basePath string) int {
	return 3*maxURLLength + len(basePath) + 64
}
