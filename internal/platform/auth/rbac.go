package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireAuth rejects requests without a signed-in user.
func RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if UserIDFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
			}
			return next(c)
		}
	}
}

// RequireRole returns middleware that checks the user holds at least one of
// roles. There is no implicit override: an admin reaching a patient route
// must also hold the patient role.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if UserIDFromContext(ctx) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
			}
			userRoles := RolesFromContext(ctx)
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, AccessDeniedMessage(roles...))
		}
	}
}

// AccessDeniedMessage is the fixed message shown when a portal's role is
// missing, e.g. "Access denied. Patient account required."
func AccessDeniedMessage(roles ...string) string {
	titled := make([]string, len(roles))
	for i, r := range roles {
		if r != "" {
			titled[i] = strings.ToUpper(r[:1]) + r[1:]
		}
	}
	return fmt.Sprintf("Access denied. %s account required.", strings.Join(titled, " or "))
}
