package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"apigate/internal/telemetry"
)

var ErrBufferFull = errors.New("audit buffer full")

type job struct {
	usage    *UsageRecord
	security *SecurityEvent
}

// AsyncSink decouples the request path from slow sinks. Records are queued
// without blocking and written by Serve, which runs under the supervisor.
// When the queue is full the record is dropped and ErrBufferFull returned.
type AsyncSink struct {
	next     Sink
	queue    chan job
	reporter telemetry.Reporter
	dropped  atomic.Int64
	drain    time.Duration
}

func NewAsyncSink(next Sink, buffer int, reporter telemetry.Reporter) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if reporter == nil {
		reporter = telemetry.Discard{}
	}
	return &AsyncSink{next: next, queue: make(chan job, buffer), reporter: reporter, drain: 5 * time.Second}
}

func (a *AsyncSink) RecordUsage(_ context.Context, rec UsageRecord) error {
	return a.enqueue(job{usage: &rec})
}

func (a *AsyncSink) RecordSecurity(_ context.Context, ev SecurityEvent) error {
	return a.enqueue(job{security: &ev})
}

func (a *AsyncSink) enqueue(j job) error {
	select {
	case a.queue <- j:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (a *AsyncSink) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncSink) Serve(ctx context.Context) error {
	for {
		select {
		case j := <-a.queue:
			a.write(ctx, j)
		case <-ctx.Done():
			a.flush()
			return ctx.Err()
		}
	}
}

// flush writes whatever is still queued with a bounded grace period.
func (a *AsyncSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), a.drain)
	defer cancel()
	for {
		select {
		case j := <-a.queue:
			a.write(ctx, j)
		default:
			return
		}
	}
}

func (a *AsyncSink) write(ctx context.Context, j job) {
	switch {
	case j.usage != nil:
		if err := a.next.RecordUsage(ctx, *j.usage); err != nil {
			a.reporter.Report("usage_log", err)
		}
	case j.security != nil:
		if err := a.next.RecordSecurity(ctx, *j.security); err != nil {
			a.reporter.Report("security_log", err)
		}
	}
}

func (a *AsyncSink) String() string { return "audit-writer" }
