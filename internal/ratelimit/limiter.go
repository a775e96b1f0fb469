// Package ratelimit implements a fixed-window request counter keyed by client and route.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/soilscope/advisory-platform/pkg/logger"
	"github.com/soilscope/advisory-platform/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultGrace is how long an expired window is kept before a sweep reclaims it.
const DefaultGrace = 5 * time.Minute

// Result is the outcome of one CheckAndConsume call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter holds per (client, route) windows in memory.
// State is per process; instances behind a load balancer do not share counts.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	grace   time.Duration
	now     func() time.Time
	logger  *logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithGrace sets how long expired windows survive before being swept.
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) { l.grace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by Run.
func WithLogger(log *logger.Logger) Option {
	return func(l *Limiter) { l.logger = log }
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		grace:   DefaultGrace,
		now:     time.Now,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume counts one request against the window for clientKey and route.
// The count is incremented even when the request is over the limit, so later
// requests in the same window stay blocked and Remaining reports 0.
func (l *Limiter) CheckAndConsume(clientKey, route string, windowLength time.Duration, maxRequests int) Result {
	key := clientKey + ":" + route
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(windowLength)}
		l.windows[key] = w
	} else {
		w.count++
	}
	count, resetAt := w.count, w.resetAt
	l.mu.Unlock()

	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= maxRequests,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Sweep deletes windows that expired more than the grace period ago and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.grace)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.resetAt.Before(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	metrics.RateLimitWindows.Set(float64(len(l.windows)))
	return removed
}

// Now returns the limiter's current time.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Len returns the number of windows held.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limit windows swept", zap.Int("removed", n))
			}
		}
	}
}
