package middleware

import (
	"github.com/labstack/echo/v4"
)

// adminResponseHeaders are set on every admin response. Status and metrics
// output describe live state, so nothing may be cached.
var adminResponseHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// admin responses. Headers are set before the handler runs so they are
// present even once the response has been committed.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range adminResponseHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
