package defense

import (
	"sync"
	"time"
)

const globalBuckets = 60

// Defaults sized for roughly a thousand requests per second per instance,
// in line with the default global concurrency ceiling.
const (
	DefaultGlobalThreshold = 60_000
	DefaultGlobalCooldown  = 30 * time.Second
)

// GlobalBreaker trips on aggregate request volume across every IP within the
// trailing minute, counted in one-second buckets. While open every request is
// rejected until the cooldown passes.
type GlobalBreaker struct {
	mu        sync.Mutex
	threshold int64
	cooldown  time.Duration
	counts    [globalBuckets]int64
	seconds   [globalBuckets]int64
	openUntil time.Time
}

// NewGlobalBreaker returns nil when threshold is not positive, which disables the check.
func NewGlobalBreaker(threshold int64, cooldown time.Duration) *GlobalBreaker {
	if threshold <= 0 {
		return nil
	}
	return &GlobalBreaker{threshold: threshold, cooldown: cooldown}
}

// Observe counts one request at now and reports whether the breaker is open.
// Requests rejected while open are not counted.
func (b *GlobalBreaker) Observe(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	sec := now.Unix()
	var total int64
	for i := range b.counts {
		if sec-b.seconds[i] < globalBuckets {
			total += b.counts[i]
		}
	}
	if total >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		b.counts = [globalBuckets]int64{}
		return true, b.openUntil
	}
	idx := sec % globalBuckets
	if b.seconds[idx] != sec {
		b.seconds[idx] = sec
		b.counts[idx] = 0
	}
	b.counts[idx]++
	return false, time.Time{}
}

// Open reports whether the breaker is tripped at now.
func (b *GlobalBreaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.openUntil)
}
