package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/prealert/prealert/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration. Rates use the
// "<limit>-<period>" form understood by limiter, e.g. "100-S" or "6000-M".
type RateLimitConfig struct {
	// Rate applies to anonymous callers and to roles without an override.
	Rate string
	// RoleRates overrides Rate for signed-in principals of a role.
	// Ambulances stream location and vitals and usually need more room.
	RoleRates map[auth.Role]string
	// Store keeps the counters. Nil means an in-memory store whose expired
	// windows are swept every minute.
	Store limiter.Store
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:      "6000-M",
		RoleRates: map[auth.Role]string{auth.RoleAmbulance: "12000-M"},
	}
}

// RateLimit returns a rate limiting middleware. Signed-in users get their
// own counter at their role's rate; anonymous callers share one per IP.
func RateLimit(cfg RateLimitConfig) (echo.MiddlewareFunc, error) {
	store := cfg.Store
	if store == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          "prealert_ratelimit",
			CleanUpInterval: time.Minute,
		})
	}
	base, err := newLimiter(store, cfg.Rate)
	if err != nil {
		return nil, err
	}
	byRole := make(map[auth.Role]*limiter.Limiter, len(cfg.RoleRates))
	for role, rate := range cfg.RoleRates {
		if byRole[role], err = newLimiter(store, rate); err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim, key := base, "ip:"+c.RealIP()
			if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
				key = "user:" + p.UserID
				if l, ok := byRole[p.Role]; ok {
					lim = l
				}
			}

			res, err := lim.Get(c.Request().Context(), key)
			if err != nil {
				// A failing store must not take the API down with it.
				c.Logger().Warnf("rate limit store: %v", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))
			if res.Reached {
				retry := int(time.Until(time.Unix(res.Reset, 0)).Seconds())
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}, nil
}

func newLimiter(store limiter.Store, rate string) (*limiter.Limiter, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", rate, err)
	}
	return limiter.New(store, r), nil
}
