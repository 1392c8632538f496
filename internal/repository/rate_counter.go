package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateCounter counts requests per key in fixed windows. With Redis the count is shared by every
// API instance; without it each instance counts on its own.
type RateCounter struct {
	client *redis.Client
	now    func() time.Time

	mu        sync.Mutex
	local     map[string]*rateWindow
	nextSweep time.Time
}

type rateWindow struct {
	count     int64
	expiresAt time.Time
}

// NewRateCounter constructs a counter. client may be nil.
func NewRateCounter(client *redis.Client) *RateCounter {
	return &RateCounter{client: client, now: time.Now, local: make(map[string]*rateWindow)}
}

// Hit records one request for key in the current window and returns the count so far together
// with the time the window resets.
func (r *RateCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := r.now()
	start := now.Truncate(window)
	reset := start.Add(window)

	if r.client == nil {
		return r.hitLocal(key, now, reset), reset, nil
	}

	bucket := fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, bucket)
		pipe.Expire(ctx, bucket, window)
		return nil
	})
	if err != nil {
		return 0, reset, fmt.Errorf("count requests for %s: %w", key, err)
	}
	return incr.Val(), reset, nil
}

func (r *RateCounter) hitLocal(key string, now, reset time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.After(r.nextSweep) {
		for k, w := range r.local {
			if !now.Before(w.expiresAt) {
				delete(r.local, k)
			}
		}
		r.nextSweep = reset
	}

	w, ok := r.local[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &rateWindow{expiresAt: reset}
		r.local[key] = w
	}
	w.count++
	return w.count
}
