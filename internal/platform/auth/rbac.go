package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/access"
)

// RequireRole allows the request through only for the listed roles.
func RequireRole(roles ...access.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claim, ok := ClaimFromEcho(c)
			if !ok {
				return unauthorized()
			}
			for _, r := range roles {
				if claim.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, access.KindScopeViolation.PublicMessage())
		}
	}
}
