// Package middleware provides Echo middleware for the admin HTTP server.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each admin request with
// slog. Requests to quiet routes (probes, scrapes) are logged at debug level
// so they do not drown out connection logs; errors are always logged at warn.
func RequestLogger(logger *slog.Logger, quiet ...string) echo.MiddlewareFunc {
	logger = logger.With("component", "admin")
	quietRoutes := make(map[string]bool, len(quiet))
	for _, r := range quiet {
		quietRoutes[r] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case err != nil || res.Status >= 500:
				level = slog.LevelWarn
			case quietRoutes[c.Path()]:
				level = slog.LevelDebug
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Log(req.Context(), level, "admin request", attrs...)

			return err
		}
	}
}
