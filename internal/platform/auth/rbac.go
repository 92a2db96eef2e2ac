package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ent := EntitlementFromContext(c.Request().Context())
			if ent.UserID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if ent.IsAdmin() {
				return next(c)
			}
			for _, required := range roles {
				if ent.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
