// Package memory provides in-process implementations of outbound
// ports: the GCRA rate limiter and the manifest cache.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/ratelimit"
)

// RateLimiter is a GCRA limiter keyed by caller. Suitable for a single
// gateway process; a multi-node deployment would need a shared backend
// behind the same interface.
type RateLimiter struct {
	mu   sync.Mutex
	tats map[string]time.Time // theoretical arrival time per key

	cleanupEvery time.Duration
	maxIdle      time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	logger       *slog.Logger
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// NewRateLimiter returns a limiter that prunes idle keys every 5
// minutes.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	return newRateLimiter(5*time.Minute, time.Hour, logger)
}

func newRateLimiter(cleanupEvery, maxIdle time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		tats:         map[string]time.Time{},
		cleanupEvery: cleanupEvery,
		maxIdle:      maxIdle,
		stop:         make(chan struct{}),
		logger:       logger,
	}
}

// Allow admits the request iff the key's quota has room. GCRA: each
// admitted request advances the key's theoretical arrival time by one
// emission interval; a request arriving more than burst intervals ahead
// of that time is rejected.
func (l *RateLimiter) Allow(ctx context.Context, key string, q ratelimit.Quota) (ratelimit.Result, error) {
	if q.Rate <= 0 {
		q.Rate = 1
	}
	if q.Burst <= 0 {
		q.Burst = q.Rate
	}
	emission := q.Period / time.Duration(q.Rate)
	burstWindow := time.Duration(q.Burst) * emission

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	tat, ok := l.tats[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	earliest := tat.Add(-burstWindow)
	if now.Before(earliest) {
		return ratelimit.Result{
			Allowed:    false,
			RetryAfter: earliest.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	next := tat.Add(emission)
	if next.Before(now) {
		next = now.Add(emission)
	}
	l.tats[key] = next

	remaining := int((burstWindow - next.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: next.Sub(now),
	}, nil
}

// StartCleanup launches the background pruner. It exits when ctx is
// cancelled or Close is called.
func (l *RateLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.prune()
			}
		}
	}()
}

func (l *RateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxIdle)
	pruned := 0
	for key, tat := range l.tats {
		if tat.Before(cutoff) {
			delete(l.tats, key)
			pruned++
		}
	}
	if pruned > 0 {
		l.logger.Debug("rate limiter pruned idle keys",
			"pruned", pruned, "tracked", len(l.tats))
	}
}

// Close stops the pruner and waits for it. Safe to call twice.
func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// Size reports the number of tracked keys.
func (l *RateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tats)
}
