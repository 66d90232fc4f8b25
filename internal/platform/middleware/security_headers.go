package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders suit a JSON API whose bodies carry PHI: nothing is framed,
// sniffed, cached or referred.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

// SecurityHeaders sets apiHeaders on every response. HSTS is added only when
// the server terminates TLS itself.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	headers := apiHeaders
	if tls {
		headers = append(headers[:len(headers):len(headers)], [2]string{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
