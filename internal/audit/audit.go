// Package audit records per-request usage and security events. Every sink is
// a best-effort side channel: callers report failures and carry on.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// UsageRecord describes one request that reached a handler.
type UsageRecord struct {
	ID             string    `json:"id"`
	KeyID          string    `json:"keyId"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"userAgent"`
	Tier           string    `json:"tier"`
	Timestamp      time.Time `json:"timestamp"`
}

type EventType string

const (
	EventBlocked    EventType = "blocked"
	EventSuspicious EventType = "suspicious"
	EventAllowed    EventType = "allowed"
)

// SecurityEvent is an audit log entry for pattern detector and validator outcomes.
type SecurityEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	IP        string    `json:"ip"`
	Endpoint  string    `json:"endpoint"`
	Reason    string    `json:"reason"`
	Code      string    `json:"code,omitempty"`
	KeyID     string    `json:"keyId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Sink interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
	RecordSecurity(ctx context.Context, ev SecurityEvent) error
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) RecordUsage(ctx context.Context, rec UsageRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordUsage(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordSecurity(ctx context.Context, ev SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordSecurity(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory. Used in development and tests.
type MemorySink struct {
	mu       sync.Mutex
	usage    []UsageRecord
	security []SecurityEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) RecordUsage(_ context.Context, rec UsageRecord) error {
	m.mu.Lock()
	m.usage = append(m.usage, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) RecordSecurity(_ context.Context, ev SecurityEvent) error {
	m.mu.Lock()
	m.security = append(m.security, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Usage() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageRecord(nil), m.usage...)
}

func (m *MemorySink) Security() []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SecurityEvent(nil), m.security...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) RecordUsage(context.Context, UsageRecord) error      { return nil }
func (Discard) RecordSecurity(context.Context, SecurityEvent) error { return nil }
