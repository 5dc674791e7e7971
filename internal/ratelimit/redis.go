// Package ratelimit provides alternate backends for the SMTP core's
// RateLimiter interface beyond the in-process sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webrana/inbound-smtpd/internal/smtp"
)

// RedisRateLimiter implements smtp.RateLimiter with a Redis sorted-set
// sliding window, one member per accepted delivery timestamp, so multiple
// SMTP daemon instances behind the same frontend share one counter per IP
// instead of each enforcing its own in-process limit.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	limit  int
	clock  smtp.Clock
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration, limit int, clock smtp.Clock) *RedisRateLimiter {
	if clock == nil {
		clock = smtp.SystemClock
	}
	return &RedisRateLimiter{client: client, window: window, limit: limit, clock: clock}
}

// Allow implements smtp.RateLimiter, keyed by the same normalized IP policy
// as the in-process limiter. ZREMRANGEBYSCORE + ZCARD + EXPIRE run in one
// transactional pipeline; the ZADD that records an allowed delivery is a
// separate call after the count check, so concurrent callers can both be
// allowed against the same count.
func (r *RedisRateLimiter) Allow(ip net.IP) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("smtpd:ratelimit:%s", smtp.NormalizeIP(ip))
	now := r.clock.Now()
	cutoff := now.Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open: a transient Redis outage should not stop mail
		// acceptance outright, only the dedicated admission/line limits do.
		return true
	}

	if int(countCmd.Val()) >= r.limit {
		return false
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())
	r.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	return true
}

var _ smtp.RateLimiter = (*RedisRateLimiter)(nil)
