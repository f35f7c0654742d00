// Package telemetry carries failures from best-effort side channels.
//
// Usage logging, security auditing, quota bookkeeping and lastUsedAt updates
// must never fail a request once admission has been decided. Their errors are
// routed here instead of being returned to the caller.
package telemetry

import (
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// Reporter receives non-admission failures.
type Reporter interface {
	Report(op string, err error)
}

// Failure is a telemetry failure tagged with the operation that produced it.
type Failure struct {
	Op  string
	Err error
}

func (f *Failure) Error() string {
	return f.Op + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// LogReporter logs failures and forwards them to Sentry when a hub is set.
type LogReporter struct {
	logger zerolog.Logger
	hub    *sentry.Hub
}

// NewLogReporter builds a reporter. hub may be nil.
func NewLogReporter(logger zerolog.Logger, hub *sentry.Hub) *LogReporter {
	return &LogReporter{logger: logger, hub: hub}
}

func (r *LogReporter) Report(op string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn().Err(err).Str("op", op).Msg("telemetry failure")
	if r.hub != nil {
		r.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("op", op)
			r.hub.CaptureException(&Failure{Op: op, Err: err})
		})
	}
}

// NewSentryHub initialises a Sentry client for dsn. An empty dsn yields a nil hub.
func NewSentryHub(dsn, environment string) (*sentry.Hub, error) {
	if dsn == "" {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Flush waits for buffered Sentry events. Safe on a nil hub.
func Flush(hub *sentry.Hub, timeout time.Duration) {
	if hub == nil {
		return
	}
	hub.Flush(timeout)
}

// Discard drops every failure.
type Discard struct{}

func (Discard) Report(string, error) {}

// Recorder keeps failures in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *Recorder) Report(op string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, Failure{Op: op, Err: err})
	r.mu.Unlock()
}

// Failures returns a copy of the recorded failures.
func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}
