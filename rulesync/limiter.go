package rulesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/ThresholdForge/observability"
)

// Limiter hands out per-group token buckets so every sync against the same
// provider account shares one QPS budget. Buckets are keyed by "{group}_{qps}"
// and refill at qps tokens per second with burst qps; waiters are served FIFO.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Wait blocks until the group's bucket yields a token or the context is done.
func (l *Limiter) Wait(ctx context.Context, group string, qps int) error {
	if qps < 1 {
		qps = 1
	}
	key := fmt.Sprintf("%s_%d", group, qps)

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(qps), qps)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", group, err)
	}
	observability.RateLimiterWait.Observe(time.Since(start).Seconds())
	return nil
}
