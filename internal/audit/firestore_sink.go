package audit

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultUsageCollection    = "apiUsage"
	defaultSecurityCollection = "securityEvents"
	writeTimeout              = 3 * time.Second
)

type usageDoc struct {
	KeyID          string    `firestore:"key_id"`
	Endpoint       string    `firestore:"endpoint"`
	Method         string    `firestore:"method"`
	StatusCode     int       `firestore:"status_code"`
	ResponseTimeMs int64     `firestore:"response_time_ms"`
	IP             string    `firestore:"ip"`
	UserAgent      string    `firestore:"user_agent"`
	Tier           string    `firestore:"tier"`
	Timestamp      time.Time `firestore:"timestamp"`
}

type securityDoc struct {
	Type      string    `firestore:"type"`
	IP        string    `firestore:"ip"`
	Endpoint  string    `firestore:"endpoint"`
	Reason    string    `firestore:"reason"`
	Code      string    `firestore:"code,omitempty"`
	KeyID     string    `firestore:"key_id,omitempty"`
	Timestamp time.Time `firestore:"timestamp"`
}

// FirestoreSinkConfig names the collections and breaker thresholds.
type FirestoreSinkConfig struct {
	UsageCollection    string
	SecurityCollection string
	// FailureThreshold consecutive write failures open the breaker for Cooldown.
	FailureThreshold uint32
	Cooldown         time.Duration
}

// FirestoreSink persists records as documents. Writes go through a circuit
// breaker so a struggling Firestore is not hammered from the request path.
type FirestoreSink struct {
	client   *firestore.Client
	usage    string
	security string
	breaker  *gobreaker.CircuitBreaker[struct{}]
	tracer   trace.Tracer
}

func NewFirestoreSink(client *firestore.Client, cfg FirestoreSinkConfig, logger zerolog.Logger) *FirestoreSink {
	if cfg.UsageCollection == "" {
		cfg.UsageCollection = defaultUsageCollection
	}
	if cfg.SecurityCollection == "" {
		cfg.SecurityCollection = defaultSecurityCollection
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "firestore-audit",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("audit breaker state change")
		},
	}
	return &FirestoreSink{
		client:   client,
		usage:    cfg.UsageCollection,
		security: cfg.SecurityCollection,
		breaker:  gobreaker.NewCircuitBreaker[struct{}](settings),
		tracer:   otel.Tracer("apigate/internal/audit/firestore"),
	}
}

func (s *FirestoreSink) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	doc := usageDoc{
		KeyID:          rec.KeyID,
		Endpoint:       rec.Endpoint,
		Method:         rec.Method,
		StatusCode:     rec.StatusCode,
		ResponseTimeMs: rec.ResponseTimeMs,
		IP:             rec.IP,
		UserAgent:      rec.UserAgent,
		Tier:           rec.Tier,
		Timestamp:      rec.Timestamp,
	}
	return s.write(ctx, "RecordUsage", s.usage, rec.ID, doc)
}

func (s *FirestoreSink) RecordSecurity(ctx context.Context, ev SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	doc := securityDoc{
		Type:      string(ev.Type),
		IP:        ev.IP,
		Endpoint:  ev.Endpoint,
		Reason:    ev.Reason,
		Code:      ev.Code,
		KeyID:     ev.KeyID,
		Timestamp: ev.Timestamp,
	}
	return s.write(ctx, "RecordSecurityEvent", s.security, ev.ID, doc)
}

func (s *FirestoreSink) write(ctx context.Context, spanName, collection, id string, doc any) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		spanCtx, span := s.tracer.Start(writeCtx, spanName)
		defer span.End()
		_, err := s.client.Collection(collection).Doc(id).Set(spanCtx, doc)
		if err != nil {
			span.RecordError(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

// BreakerState exposes the breaker state for health reporting.
func (s *FirestoreSink) BreakerState() string {
	return s.breaker.State().String()
}
