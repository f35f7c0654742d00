package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a process-local Repository used for development and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	data   map[string]APIKey
	byHash map[string]string

	// lookups counts GetBySecretHash calls.
	lookups int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data:   make(map[string]APIKey),
		byHash: make(map[string]string),
	}
}

func (m *MemoryRepository) Create(_ context.Context, key APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key.ID]; exists {
		return ErrKeyExists
	}
	if _, exists := m.byHash[key.SecretHash]; exists {
		return ErrKeyExists
	}
	m.data[key.ID] = cloneKey(key)
	m.byHash[key.SecretHash] = key.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.data[id]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	return cloneKey(record), nil
}

func (m *MemoryRepository) GetBySecretHash(_ context.Context, hash string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	id, ok := m.byHash[hash]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	return cloneKey(m.data[id]), nil
}

func (m *MemoryRepository) List(_ context.Context, ownerID string) ([]APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []APIKey
	for _, record := range m.data {
		if ownerID == "" || record.OwnerID == ownerID {
			out = append(out, cloneKey(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, id string, fn Mutator) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.data[id]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	record = cloneKey(record)
	if err := applyMutator(&record, fn); err != nil {
		return APIKey{}, unwrapMutatorError(err)
	}
	m.data[id] = record
	return cloneKey(record), nil
}

func (m *MemoryRepository) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.data[id]
	if !ok {
		return ErrKeyNotFound
	}
	record.LastUsedAt = &at
	m.data[id] = record
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.data[id]; ok {
		delete(m.byHash, record.SecretHash)
		delete(m.data, id)
	}
	return nil
}

func (m *MemoryRepository) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, record := range m.data {
		if deleted >= limit {
			break
		}
		if record.IsExpired(now) {
			delete(m.byHash, record.SecretHash)
			delete(m.data, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryRepository) CountActive(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, record := range m.data {
		if record.Usable(now) {
			count++
		}
	}
	return count, nil
}

// SecretLookups returns how many times a key was looked up by secret hash.
func (m *MemoryRepository) SecretLookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func cloneKey(k APIKey) APIKey {
	out := k
	out.Scopes = append([]Scope(nil), k.Scopes...)
	out.AllowedOrigins = append([]string(nil), k.AllowedOrigins...)
	if k.RateLimit != nil {
		rl := *k.RateLimit
		out.RateLimit = &rl
	}
	if k.ManualOverride != nil {
		o := *k.ManualOverride
		if o.RateLimitOverride != nil {
			rl := *o.RateLimitOverride
			o.RateLimitOverride = &rl
		}
		out.ManualOverride = &o
	}
	return out
}
