// Package middleware holds echo middleware shared by the HTTP surfaces.
package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/mbathe/eyeflow-sub003/common/ratelimit"
)

// isInternalRequest reports whether the request comes from another platform
// service. Internal callers set X-Internal-Service to the shared secret and
// bypass rate limits.
func isInternalRequest(c echo.Context) bool {
	header := c.Request().Header.Get("X-Internal-Service")
	if header == "" {
		return false
	}
	secret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if secret == "" {
		return false
	}
	return header == secret
}

// userID extracts the caller identity for per-user limits
func userID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-ID"); id != "" {
		return id
	}
	return c.QueryParam("user_id")
}

// GlobalRateLimit bounds the whole service. Fails open on limiter errors.
func GlobalRateLimit(limiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := limiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "global_rate_limit_exceeded",
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}

// UserRateLimit bounds each caller. Requests without an identifiable user
// only pass the global limit.
func UserRateLimit(limiter *ratelimit.RateLimiter, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}
			id := userID(c)
			if id == "" {
				return next(c)
			}

			result, err := limiter.CheckUserLimit(c.Request().Context(), id, limit, windowSec)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "user_rate_limit_exceeded",
					"user_id":             id,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}
