package gateway

import (
	"runtime"
	"sync"
	"time"
)

// slotPool bounds global in-flight requests with a buffered channel.
type slotPool struct {
	sem chan struct{}
}

func newSlotPool(max int) *slotPool {
	if max <= 0 {
		return nil
	}
	return &slotPool{sem: make(chan struct{}, max)}
}

// tryAcquire never blocks. The returned release must be called exactly once.
func (p *slotPool) tryAcquire() (func(), bool) {
	if p == nil {
		return func() {}, true
	}
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	default:
		return nil, false
	}
}

func (p *slotPool) inUse() int {
	if p == nil {
		return 0
	}
	return len(p.sem)
}

// ipCounter bounds in-flight requests per client address.
type ipCounter struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newIPCounter(max int) *ipCounter {
	return &ipCounter{max: max, count: make(map[string]int)}
}

func (c *ipCounter) tryAcquire(ip string) (func(), bool) {
	if c.max <= 0 {
		return func() {}, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[ip] >= c.max {
		return nil, false
	}
	c.count[ip]++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.count[ip] <= 1 {
				delete(c.count, ip)
			} else {
				c.count[ip]--
			}
			c.mu.Unlock()
		})
	}, true
}

func (c *ipCounter) inFlight(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[ip]
}

// memoryGuard compares process heap usage with a ceiling, sampling at most once per second.
type memoryGuard struct {
	mu       sync.Mutex
	limit    uint64
	read     func() uint64
	sampled  time.Time
	last     uint64
	interval time.Duration
}

func newMemoryGuard(limit uint64, read func() uint64) *memoryGuard {
	if read == nil {
		read = heapAlloc
	}
	return &memoryGuard{limit: limit, read: read, interval: time.Second}
}

func (m *memoryGuard) exceeded(now time.Time) bool {
	if m.limit == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampled.IsZero() || now.Sub(m.sampled) >= m.interval {
		m.last = m.read()
		m.sampled = now
	}
	return m.last > m.limit
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
