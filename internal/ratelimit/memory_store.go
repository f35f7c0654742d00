package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Counts are only accurate within one instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	stamps []time.Time
	period time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Admit(_ context.Context, key string, w Window, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		ent = &memoryEntry{}
		s.entries[key] = ent
	}
	ent.period = w.Period
	ent.stamps = prune(ent.stamps, now.Add(-w.Period))

	if len(ent.stamps) >= w.Limit {
		return Decision{
			Allowed:    false,
			Limit:      w.Limit,
			Remaining:  0,
			RetryAfter: retryAfter(ent.stamps[0], w, now),
		}, nil
	}
	ent.stamps = append(ent.stamps, now)
	return Decision{Allowed: true, Limit: w.Limit, Remaining: w.Limit - len(ent.stamps)}, nil
}

// Cleanup drops keys whose every instant has left its window.
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, ent := range s.entries {
		ent.stamps = prune(ent.stamps, now.Add(-ent.period))
		if len(ent.stamps) == 0 {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// prune removes instants at or before cutoff. stamps is sorted ascending.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
