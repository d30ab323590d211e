package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RequestCounter tracks per-origin request counts in a sliding window.
// Implementations own their synchronization; the detection middleware
// calls Hit once per inbound request.
type RequestCounter interface {
	// Hit records one request from origin and returns the origin's count
	// in the current window, including this request.
	Hit(ctx context.Context, origin string) (int, error)
}

// MemoryRequestCounter is the in-process implementation. Counts are lost
// on restart, which is acceptable: burst is a soft signal feeding the
// persisted escalation engine.
type MemoryRequestCounter struct {
	mu      sync.Mutex
	buckets map[string]*originBucket
	window  time.Duration
	now     func() time.Time // injectable for tests
}

type originBucket struct {
	count       int
	windowStart time.Time
}

// NewMemoryRequestCounter creates an in-process request counter
func NewMemoryRequestCounter(window time.Duration) *MemoryRequestCounter {
	return &MemoryRequestCounter{
		buckets: make(map[string]*originBucket),
		window:  window,
		now:     time.Now,
	}
}

// Hit increments the origin's counter, resetting it when its window has
// elapsed
func (c *MemoryRequestCounter) Hit(_ context.Context, origin string) (int, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.buckets[origin]
	if !ok || now.Sub(bucket.windowStart) >= c.window {
		bucket = &originBucket{windowStart: now}
		c.buckets[origin] = bucket
	}

	bucket.count++
	return bucket.count, nil
}

// Sweep removes buckets whose window has elapsed. Called periodically by
// the cleanup manager so idle origins don't accumulate. Returns the
// number of buckets removed.
func (c *MemoryRequestCounter) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for origin, bucket := range c.buckets {
		if now.Sub(bucket.windowStart) >= c.window {
			delete(c.buckets, origin)
			removed++
		}
	}
	return removed
}

// RedisRequestCounter shares the burst window across instances through
// Redis. INCR with a TTL set on first hit gives the same bucketed-window
// semantics as the in-process counter.
type RedisRequestCounter struct {
	client *redis.Client
	window time.Duration
	logger *slog.Logger
}

// NewRedisRequestCounter creates a Redis-backed request counter
func NewRedisRequestCounter(client *redis.Client, window time.Duration, logger *slog.Logger) *RedisRequestCounter {
	return &RedisRequestCounter{
		client: client,
		window: window,
		logger: logger,
	}
}

// Hit increments the origin's counter in Redis
func (c *RedisRequestCounter) Hit(ctx context.Context, origin string) (int, error) {
	key := "burst:" + origin

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, c.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment burst counter: %w", err)
	}

	return int(incr.Val()), nil
}
