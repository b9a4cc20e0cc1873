package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/prealert/prealert/internal/platform/apperr"
)

// RequireRole returns middleware that admits callers holding one of roles.
// Admin is always admitted.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if p.Role == RoleAdmin {
				return next(c)
			}
			for _, r := range roles {
				if p.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// CanActForHospital permits admins and hospital users linked to hospitalID.
func CanActForHospital(ctx context.Context, hospitalID string) error {
	return canActFor(ctx, RoleHospital, hospitalID)
}

// CanActForAmbulance permits admins and ambulance users linked to ambulanceID.
func CanActForAmbulance(ctx context.Context, ambulanceID string) error {
	return canActFor(ctx, RoleAmbulance, ambulanceID)
}

func canActFor(ctx context.Context, role Role, entityID string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no authenticated user", apperr.ErrUnauthorized)
	}
	if p.Role == RoleAdmin {
		return nil
	}
	if p.Role == role && entityID != "" && p.Linked() == entityID {
		return nil
	}
	return fmt.Errorf("%w: %s %s cannot act for %s %s", apperr.ErrForbidden, p.Role, p.Linked(), role, entityID)
}
