package telemetry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogReporterWritesOperation(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(zerolog.New(&buf), nil)

	r.Report("usage_log", errors.New("firestore unavailable"))
	r.Report("ignored", nil)

	out := buf.String()
	assert.Contains(t, out, `"op":"usage_log"`)
	assert.Contains(t, out, "firestore unavailable")
	assert.NotContains(t, out, "ignored")
}

func TestFailureUnwraps(t *testing.T) {
	base := errors.New("boom")
	f := &Failure{Op: "quota_consume", Err: base}
	require.ErrorIs(t, f, base)
	assert.Equal(t, "quota_consume: boom", f.Error())
}

func TestNewSentryHubWithoutDSN(t *testing.T) {
	hub, err := NewSentryHub("", "test")
	require.NoError(t, err)
	assert.Nil(t, hub)
	Flush(hub, 0)
}
