package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes security events at warn and usage records at debug.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordUsage(_ context.Context, rec UsageRecord) error {
	s.logger.Debug().
		Str("key_id", rec.KeyID).
		Str("method", rec.Method).
		Str("endpoint", rec.Endpoint).
		Int("status", rec.StatusCode).
		Int64("duration_ms", rec.ResponseTimeMs).
		Str("ip", rec.IP).
		Msg("api usage")
	return nil
}

func (s *LogSink) RecordSecurity(_ context.Context, ev SecurityEvent) error {
	e := s.logger.Warn()
	if ev.Type == EventAllowed {
		e = s.logger.Info()
	}
	e.Str("type", string(ev.Type)).
		Str("ip", ev.IP).
		Str("endpoint", ev.Endpoint).
		Str("code", ev.Code).
		Str("key_id", ev.KeyID).
		Msg(ev.Reason)
	return nil
}
