// Package ratelimit enforces per API client request ceilings. Redis backs the shared counter when the service runs
// with several replicas; the local limiter covers single instance deployments and tests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const keyPrefix = "waas:ratelimit:"

// Limiter tells whether one more request of key fits in limit requests per minute.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Result, error)
}

// Result of an Allow call. Remaining is never negative.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration
}

// Redis counts requests in fixed one minute windows with INCR and EXPIRE.
type Redis struct {
	client  *redis.Client
	nowFunc func() time.Time
}

// NewRedis connects to the redis URL (ie. redis://localhost:6379/0) and pings it.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid redis url: %w", err)
	}

	c := redis.NewClient(opts)
	if err = c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ratelimit: cannot reach redis: %w", err)
	}

	return &Redis{client: c, nowFunc: time.Now}, nil
}

// Allow implements Limiter. A limit below 1 never refuses.
func (r *Redis) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if limit < 1 {
		return Result{Allowed: true}, nil
	}

	now := r.nowFunc().UTC()
	window := now.Truncate(time.Minute)
	k := fmt.Sprintf("%s%s:%d", keyPrefix, key, window.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, time.Minute+5*time.Second) //nolint:gomnd // a little past the window
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	return result(int(incr.Val()), limit, window.Add(time.Minute).Sub(now)), nil
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func result(used, limit int, reset time.Duration) Result {
	rem := limit - used
	if rem < 0 {
		rem = 0
	}

	return Result{Allowed: used <= limit, Limit: limit, Remaining: rem, Reset: reset}
}

type entry struct {
	limiter  *rate.Limiter
	limit    int
	lastSeen time.Time
}

// Local keeps a token bucket per key refilling limit tokens per minute.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*entry
	nowFunc  func() time.Time
}

// NewLocal returns an in-process limiter.
func NewLocal() *Local {
	return &Local{limiters: make(map[string]*entry), nowFunc: time.Now}
}

// Allow implements Limiter. A limit below 1 never refuses.
func (l *Local) Allow(_ context.Context, key string, limit int) (Result, error) {
	if limit < 1 {
		return Result{Allowed: true}, nil
	}

	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok || e.limit != limit {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60), limit), limit: limit} //nolint:gomnd // per minute
		l.limiters[key] = e
	}

	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	rem := int(e.limiter.TokensAt(now))
	if rem < 0 {
		rem = 0
	}

	var reset time.Duration
	if !allowed {
		// time to refill one token
		reset = time.Duration(float64(time.Minute) / float64(limit))
	}

	return Result{Allowed: allowed, Limit: limit, Remaining: rem, Reset: reset}, nil
}

// Sweep drops limiters idle for longer than ttl.
func (l *Local) Sweep(ttl time.Duration) {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > ttl {
			delete(l.limiters, k)
		}
	}
}
