// Package defense holds the per-IP protections: connection ceilings, traffic
// pattern classification with circuit breaking, and proof-of-work challenges.
package defense

import (
	"sync"
	"time"
)

// IPState is the transient defense record for one source address.
type IPState struct {
	Requests    []time.Time
	Connections []time.Time

	Strikes    int
	Suspicious bool

	BlockedUntil     time.Time
	ChallengeUntil   time.Time
	CircuitOpenUntil time.Time

	Challenge *Challenge
}

// expire clears lapsed deadlines. Leaving a block or an open circuit starts
// over from Normal, so request history and strikes are dropped too.
func (s *IPState) expire(now time.Time) {
	if !s.BlockedUntil.IsZero() && !now.Before(s.BlockedUntil) {
		s.BlockedUntil = time.Time{}
		s.reset()
	}
	if !s.CircuitOpenUntil.IsZero() && !now.Before(s.CircuitOpenUntil) {
		s.CircuitOpenUntil = time.Time{}
		s.reset()
	}
	if !s.ChallengeUntil.IsZero() && !now.Before(s.ChallengeUntil) {
		s.ChallengeUntil = time.Time{}
		s.Challenge = nil
		s.Suspicious = false
	}
}

func (s *IPState) reset() {
	s.Requests = nil
	s.Strikes = 0
	s.Suspicious = false
	s.ChallengeUntil = time.Time{}
	s.Challenge = nil
}

func (s *IPState) blocked(now time.Time) bool     { return now.Before(s.BlockedUntil) }
func (s *IPState) circuitOpen(now time.Time) bool { return now.Before(s.CircuitOpenUntil) }
func (s *IPState) challenged(now time.Time) bool  { return now.Before(s.ChallengeUntil) }

// idle reports whether nothing is left worth remembering.
func (s *IPState) idle(now time.Time) bool {
	return len(s.Requests) == 0 && len(s.Connections) == 0 &&
		!s.blocked(now) && !s.circuitOpen(now) && !s.challenged(now)
}

// IPReputationStore owns every IPState. Implementations may be process-local
// or backed by a shared cache.
type IPReputationStore interface {
	// Update runs fn with exclusive access to the state for ip, creating it when absent.
	Update(ip string, fn func(*IPState))
	// Sweep visits every entry with exclusive access and deletes those for which keep returns false.
	Sweep(keep func(ip string, s *IPState) bool) int
	Len() int
}

type ipEntry struct {
	mu    sync.Mutex
	state IPState
	dead  bool
}

// MemoryIPStore locks per entry; the map lock is only held for lookups and deletes.
type MemoryIPStore struct {
	mu      sync.RWMutex
	entries map[string]*ipEntry
}

func NewMemoryIPStore() *MemoryIPStore {
	return &MemoryIPStore{entries: make(map[string]*ipEntry)}
}

func (m *MemoryIPStore) Update(ip string, fn func(*IPState)) {
	for {
		e := m.entry(ip)
		e.mu.Lock()
		if e.dead {
			// Swept between lookup and lock.
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}

func (m *MemoryIPStore) entry(ip string) *ipEntry {
	m.mu.RLock()
	e, ok := m.entries[ip]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[ip]; ok {
		return e
	}
	e = &ipEntry{}
	m.entries[ip] = e
	return e
}

func (m *MemoryIPStore) Sweep(keep func(ip string, s *IPState) bool) int {
	m.mu.RLock()
	ips := make([]string, 0, len(m.entries))
	for ip := range m.entries {
		ips = append(ips, ip)
	}
	m.mu.RUnlock()

	removed := 0
	for _, ip := range ips {
		m.mu.RLock()
		e, ok := m.entries[ip]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.dead && !keep(ip, &e.state) {
			e.dead = true
			m.mu.Lock()
			delete(m.entries, ip)
			m.mu.Unlock()
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

func (m *MemoryIPStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// pruneBefore drops instants at or before cutoff from an ascending slice.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	if i == len(stamps) {
		return nil
	}
	return append(stamps[:0], stamps[i:]...)
}

// countSince counts instants strictly after cutoff and returns the oldest of them.
func countSince(stamps []time.Time, cutoff time.Time) (int, time.Time) {
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return len(stamps) - i, ts
		}
	}
	return 0, time.Time{}
}
