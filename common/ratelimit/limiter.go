// Package ratelimit bounds the control plane's expensive operations (rule
// parsing, compilation, execution submission) with Redis-backed fixed
// windows. Checks fail open: when Redis is down the API keeps serving.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbathe/eyeflow-sub003/common/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool  // whether the request is allowed
	CurrentCount      int64 // current count in the window
	Limit             int64 // the limit that was checked
	RetryAfterSeconds int64 // seconds until the window resets (0 if allowed)
}

// RateLimiter provides tiered rate limiting using Redis + Lua
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// NewRateLimiter creates a rate limiter with the embedded Lua script
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckGlobalLimit checks the service-wide limit (one minute window)
func (r *RateLimiter) CheckGlobalLimit(ctx context.Context, limit int64) (*Result, error) {
	return r.checkLimit(ctx, "rate_limit:global", limit, 60)
}

// CheckUserLimit checks the per-user limit
func (r *RateLimiter) CheckUserLimit(ctx context.Context, userID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:user:%s", userID)
	return r.checkLimit(ctx, key, limit, windowSec)
}

// CheckProjectLimit checks the per-project execution tier limit
func (r *RateLimiter) CheckProjectLimit(ctx context.Context, projectID string, tier Tier) (*Result, error) {
	cfg := tierConfig(tier)
	key := fmt.Sprintf("rate_limit:project:%s", projectID)
	return r.checkLimit(ctx, key, cfg.Limit, cfg.WindowSeconds)
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check %s: %w", key, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("rate limit check %s: unexpected script reply %T", key, raw)
	}

	allowed := values[0].(int64) == 1
	result := &Result{
		Allowed:      allowed,
		CurrentCount: values[1].(int64),
		Limit:        limit,
	}
	if !allowed {
		result.RetryAfterSeconds = values[2].(int64)
		r.log.Debug("rate limit exceeded",
			"key", key, "count", result.CurrentCount, "limit", limit)
	}
	return result, nil
}
