package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateLimitIdentityPrefix = "ratelimit:identity:"
	rateLimitIPPrefix       = "ratelimit:ip:"
)

// ErrLimiterUnavailable is returned alongside an allowing result when
// Redis cannot be reached. Limits fail open.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// Limit is a token bucket: Rate tokens per second up to Burst.
type Limit struct {
	Rate  float64
	Burst int
	TTL   time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// tokenBucketScript refills and takes one token atomically. Times are in
// milliseconds; ARGV[1] is tokens per second.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1]) / 1000
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1]) or burst
	local last_update = tonumber(data[2]) or now

	local elapsed = math.max(0, now - last_update)
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	local retry_after = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		retry_after = math.ceil((1 - tokens) / rate)
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, ttl)

	return {allowed, retry_after, math.floor(tokens)}
`)

// CheckIdentityRateLimit takes a token from a caller's bucket. subject
// names the caller, e.g. "key:<id>" or "user:<id>". A zero rate
// disables limiting.
func (c *Cache) CheckIdentityRateLimit(ctx context.Context, subject string, ratePerMinute, burst int) (*RateLimitResult, error) {
	if ratePerMinute == 0 {
		return c.unlimited(burst), nil
	}
	return c.take(ctx, rateLimitIdentityPrefix+subject, Limit{
		Rate:  float64(ratePerMinute) / 60,
		Burst: burst,
		TTL:   2 * time.Minute,
	})
}

// CheckIPRateLimit takes a token from a client IP's bucket. Only a hash
// of the IP is stored.
func (c *Cache) CheckIPRateLimit(ctx context.Context, ip string, ratePerSecond, burst int) (*RateLimitResult, error) {
	if ratePerSecond == 0 {
		return c.unlimited(burst), nil
	}
	return c.take(ctx, rateLimitIPPrefix+hashIP(ip), Limit{
		Rate:  float64(ratePerSecond),
		Burst: burst,
		TTL:   10 * time.Second,
	})
}

func (c *Cache) take(ctx context.Context, key string, l Limit) (*RateLimitResult, error) {
	now := c.now()
	res, err := tokenBucketScript.Run(ctx, c.client,
		[]string{key},
		l.Rate, l.Burst, now.UnixMilli(), int(l.TTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return c.unlimited(l.Burst), fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
	}

	refill := time.Duration(float64(time.Second) / l.Rate)
	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Remaining:  res[2],
		ResetAt:    now.Add(refill),
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

func (c *Cache) unlimited(burst int) *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Remaining: int64(burst),
		ResetAt:   c.now().Add(time.Minute),
	}
}

// hashIP keys a bucket by the first 8 bytes of the IP's SHA-256.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
