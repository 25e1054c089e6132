package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omniplexity/substrate/pkg/fault"
)

// Limiter bounds concurrent streams per (user, kind). Acquire returns a
// release closure, or too_many_concurrent_streams when the bound is hit.
type Limiter interface {
	Acquire(ctx context.Context, userID string, kind Kind) (release func(), err error)
}

// LocalLimiter is the in-process semaphore used by single-node deployments.
type LocalLimiter struct {
	max    int
	mu     sync.Mutex
	counts map[string]int
}

// NewLocalLimiter bounds each (user, kind) to max concurrent streams.
func NewLocalLimiter(max int) *LocalLimiter {
	return &LocalLimiter{max: max, counts: make(map[string]int)}
}

// Acquire implements Limiter.
func (l *LocalLimiter) Acquire(_ context.Context, userID string, kind Kind) (func(), error) {
	key := userID + ":" + string(kind)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.counts[key] >= l.max {
		return nil, fault.New(fault.KindTooManyConcurrentStreams,
			"user %s already has %d open %s streams", userID, l.counts[key], kind)
	}
	l.counts[key]++
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		if l.counts[key] > 0 {
			l.counts[key]--
		}
	}, nil
}

// RedisLimiter shares the semaphore across nodes via INCR/DECR with a TTL
// safety net so crashed holders expire.
type RedisLimiter struct {
	client *redis.Client
	max    int
	ttl    time.Duration
}

// NewRedisLimiter connects the limiter to a Redis instance.
func NewRedisLimiter(client *redis.Client, max int, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{client: client, max: max, ttl: ttl}
}

// Acquire implements Limiter.
func (l *RedisLimiter) Acquire(ctx context.Context, userID string, kind Kind) (func(), error) {
	key := fmt.Sprintf("sse:%s:%s", userID, kind)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("stream limiter: %w", err)
	}
	l.client.Expire(ctx, key, l.ttl)
	if l.max > 0 && n > int64(l.max) {
		l.client.Decr(ctx, key)
		return nil, fault.New(fault.KindTooManyConcurrentStreams,
			"user %s already has %d open %s streams", userID, n-1, kind)
	}
	return func() {
		l.client.Decr(context.Background(), key)
	}, nil
}
