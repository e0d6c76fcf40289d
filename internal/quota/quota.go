// Package quota enforces an hourly request budget per provider in redis.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrQuotaExceeded = errors.New("hourly request quota exceeded")

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

type Limiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

// NewLimiter allows limit requests per provider per clock hour. A limit of
// zero or less disables the check.
func NewLimiter(rdb *redis.Client, limit int64, prefix string) *Limiter {
	if prefix == "" {
		prefix = "mimir:quota"
	}
	return &Limiter{redis: rdb, limit: limit, prefix: prefix}
}

func (l *Limiter) Allow(ctx context.Context, provider string, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if l.limit <= 0 {
		return Decision{Allowed: true, ResetAt: windowEnd}, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, provider, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("quota script: %w", err)
	}
	return Decision{Allowed: used <= l.limit, Used: used, Limit: l.limit, ResetAt: windowEnd}, nil
}

// Take is Allow that turns a denial into ErrQuotaExceeded.
func (l *Limiter) Take(ctx context.Context, provider string, now time.Time) error {
	d, err := l.Allow(ctx, provider, now)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w for %s (%d/%d, resets %s)", ErrQuotaExceeded, provider, d.Used, d.Limit, d.ResetAt.Format(time.RFC3339))
	}
	return nil
}
