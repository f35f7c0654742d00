package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigate/internal/clock"
	"apigate/internal/telemetry"
)

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestLimiter_RejectsOverLimitWithRetryAfter(t *testing.T) {
	clk := clock.NewManual(start)
	l := NewLimiter(NewMemoryStore(), clk, nil)
	w := Window{Limit: 2, Period: time.Minute}

	d := l.CheckAndConsume(context.Background(), "k1", w)
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	clk.Step(10 * time.Second)
	d = l.CheckAndConsume(context.Background(), "k1", w)
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clk.Step(500 * time.Millisecond)
	d = l.CheckAndConsume(context.Background(), "k1", w)
	require.False(t, d.Allowed)
	assert.Equal(t, 49500*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 50, d.RetryAfterSeconds())
	assert.LessOrEqual(t, d.RetryAfterSeconds(), 60)
}

func TestLimiter_WindowSlides(t *testing.T) {
	clk := clock.NewManual(start)
	l := NewLimiter(NewMemoryStore(), clk, nil)
	w := Window{Limit: 1, Period: time.Minute}

	require.True(t, l.CheckAndConsume(context.Background(), "k", w).Allowed)
	clk.Step(59 * time.Second)
	require.False(t, l.CheckAndConsume(context.Background(), "k", w).Allowed)
	clk.Step(time.Second)
	// The first instant sits exactly on the cutoff and no longer counts.
	require.True(t, l.CheckAndConsume(context.Background(), "k", w).Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), clock.NewManual(start), nil)
	w := Window{Limit: 1, Period: time.Minute}
	require.True(t, l.CheckAndConsume(context.Background(), "a", w).Allowed)
	require.True(t, l.CheckAndConsume(context.Background(), "b", w).Allowed)
	require.False(t, l.CheckAndConsume(context.Background(), "a", w).Allowed)
}

func TestLimiter_NeverExceedsLimitInAnyWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		clk := clock.NewManual(start)
		l := NewLimiter(NewMemoryStore(), clk, nil)
		w := Window{Limit: 1 + rng.Intn(10), Period: time.Duration(1+rng.Intn(30)) * time.Second}

		var allowed []time.Time
		for i := 0; i < 500; i++ {
			clk.Step(time.Duration(rng.Intn(400)) * time.Millisecond)
			if l.CheckAndConsume(context.Background(), "k", w).Allowed {
				allowed = append(allowed, clk.Now())
			}
		}

		for i, ts := range allowed {
			count := 0
			for _, other := range allowed[i:] {
				if other.Sub(ts) < w.Period {
					count++
				}
			}
			require.LessOrEqualf(t, count, w.Limit, "trial %d window %+v starting %v", trial, w, ts)
		}
	}
}

type brokenStore struct{}

func (brokenStore) Admit(context.Context, string, Window, time.Time) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	rec := &telemetry.Recorder{}
	l := NewLimiter(brokenStore{}, nil, rec)

	d := l.CheckAndConsume(context.Background(), "k", Window{Limit: 1, Period: time.Second})
	assert.True(t, d.Allowed)
	require.Len(t, rec.Failures(), 1)
	assert.Equal(t, "rate_limit_store", rec.Failures()[0].Op)
}

func TestLimiter_InvalidWindowAllows(t *testing.T) {
	l := NewLimiter(brokenStore{}, nil, nil)
	assert.True(t, l.CheckAndConsume(context.Background(), "k", Window{}).Allowed)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	w := Window{Limit: 5, Period: time.Minute}
	_, _ = s.Admit(context.Background(), "old", w, start)
	_, _ = s.Admit(context.Background(), "new", w, start.Add(50*time.Second))

	removed := s.Cleanup(start.Add(70 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestJanitor_StopsOnCancel(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), time.Millisecond, nil, zerologNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
