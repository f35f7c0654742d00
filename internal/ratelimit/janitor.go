package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"apigate/internal/clock"
)

// Janitor periodically cleans a MemoryStore. It is a suture service.
type Janitor struct {
	store  *MemoryStore
	every  time.Duration
	clock  clock.Clock
	logger zerolog.Logger
}

func NewJanitor(store *MemoryStore, every time.Duration, clk clock.Clock, logger zerolog.Logger) *Janitor {
	if every <= 0 {
		every = 2 * time.Minute
	}
	return &Janitor{store: store, every: every, clock: clock.OrSystem(clk), logger: logger}
}

func (j *Janitor) Serve(ctx context.Context) error {
	t := time.NewTicker(j.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := j.store.Cleanup(j.clock.Now()); n > 0 {
				j.logger.Debug().Int("removed", n).Msg("rate limit keys pruned")
			}
		}
	}
}

func (j *Janitor) String() string { return "ratelimit-janitor" }
