package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key pattern: ratelimit:{scope}:{subject}, expiring with the window.

// allowScript increments the counter unless it already reached the limit and
// returns {allowed, remaining, ttl_seconds}.
var allowScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if current == 0 then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	end
	return {0, 0, ttl}
`)

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

// RateLimiter is a fixed-window counter shared by every API instance.
type RateLimiter struct {
	client goredis.Scripter
	scope  string
	limit  int
	window time.Duration
}

func NewRateLimiter(client goredis.Scripter, scope string, limit int, window time.Duration) *RateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &RateLimiter{client: client, scope: scope, limit: limit, window: window}
}

func (r *RateLimiter) key(subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", r.scope, subject)
}

// Allow counts one action for subject.
func (r *RateLimiter) Allow(ctx context.Context, subject string) (*RateLimitResult, error) {
	raw, err := allowScript.Run(ctx, r.client, []string{r.key(subject)}, r.limit, int(r.window.Seconds())).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("rate limit check: unexpected reply %v", raw)
	}
	return &RateLimitResult{
		Allowed:   raw[0] == 1,
		Remaining: int(raw[1]),
		ResetIn:   time.Duration(raw[2]) * time.Second,
		Limit:     r.limit,
	}, nil
}
