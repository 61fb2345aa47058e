package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set per key and evaluated atomically by a Lua script. The HTTP
// layer keys it by caller address or client IP.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
	clock         clock.Clock
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		clock:         clock.New(),
	}
}

func rateLimitKey(key string) string {
	return "auctiond:ratelimit:" + key
}

// Allow counts one request for key and reports whether it fits in limit
// requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		rl.clock.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
