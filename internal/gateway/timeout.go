package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// bufferedWriter captures a handler's response so it can be discarded on timeout.
type bufferedWriter struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	body    bytes.Buffer
	dropped bool
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return 0, http.ErrHandlerTimeout
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) drop() {
	b.mu.Lock()
	b.dropped = true
	b.mu.Unlock()
}

// flushTo copies the captured response and returns its status.
func (b *bufferedWriter) flushTo(w http.ResponseWriter) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := w.Header()
	for k, vals := range b.header {
		dst[k] = vals
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
	return status
}

type outcome struct {
	timedOut bool
	panicked any
}

// runWithTimeout invokes next with a deadline. On timeout the handler keeps
// running in the background but its output is discarded.
func runWithTimeout(next http.Handler, r *http.Request, buf *bufferedWriter, timeout time.Duration) outcome {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	done := make(chan any, 1)
	go func() {
		defer func() {
			done <- recover()
		}()
		next.ServeHTTP(buf, r.WithContext(ctx))
	}()

	select {
	case p := <-done:
		return outcome{panicked: p}
	case <-ctx.Done():
		buf.drop()
		return outcome{timedOut: true}
	}
}

func panicMessage(p any) string {
	return fmt.Sprint(p)
}
