// Package ratelimit implements the per-key sliding-window request limiter.
package ratelimit

import (
	"context"
	"math"
	"time"

	"apigate/internal/clock"
	"apigate/internal/telemetry"
)

// Window is a sliding-window budget: at most Limit requests in any trailing Period.
type Window struct {
	Limit  int
	Period time.Duration
}

func (w Window) valid() bool {
	return w.Limit > 0 && w.Period > 0
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set on rejection: the time until the oldest counted request leaves the window.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a floor of one on rejection.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store holds per-key request instants. Admit must prune entries at or before
// now-w.Period, then either reject or record now, atomically with respect to
// other calls for the same key.
type Store interface {
	Admit(ctx context.Context, key string, w Window, now time.Time) (Decision, error)
}

// Limiter applies a Window per key on top of a Store.
type Limiter struct {
	store    Store
	clock    clock.Clock
	reporter telemetry.Reporter
}

func NewLimiter(store Store, clk clock.Clock, reporter telemetry.Reporter) *Limiter {
	if reporter == nil {
		reporter = telemetry.Discard{}
	}
	return &Limiter{store: store, clock: clock.OrSystem(clk), reporter: reporter}
}

// CheckAndConsume admits one request for keyID under w. A store failure is
// reported and the request is allowed.
func (l *Limiter) CheckAndConsume(ctx context.Context, keyID string, w Window) Decision {
	if !w.valid() {
		return Decision{Allowed: true, Limit: w.Limit, Remaining: -1}
	}
	d, err := l.store.Admit(ctx, keyID, w, l.clock.Now())
	if err != nil {
		l.reporter.Report("rate_limit_store", err)
		return Decision{Allowed: true, Limit: w.Limit, Remaining: w.Limit}
	}
	return d
}

func retryAfter(oldest time.Time, w Window, now time.Time) time.Duration {
	d := oldest.Add(w.Period).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
