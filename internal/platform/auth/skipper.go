package auth

import (
	"github.com/labstack/echo/v4"
)

// Routes reachable without a token. None of them return PHI; the sandbox
// user list is only mounted in in-memory mode.
var publicPaths = map[string]bool{
	"/health":               true,
	"/health/db":            true,
	"/metrics":              true,
	"/api/v1/sandbox/users": true,
}

// IsPublicPath matches registered route patterns, not raw request paths.
func IsPublicPath(route string) bool {
	return publicPaths[route]
}

// AuthSkipper is the Skipper for JWTMiddleware.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}
