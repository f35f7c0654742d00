package defense

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"apigate/internal/clock"
)

// Sweeper prunes IP state on a fixed interval and forgets idle addresses.
// Each entry is locked only while it is visited.
type Sweeper struct {
	store     IPReputationStore
	every     time.Duration
	retention time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewSweeper(store IPReputationStore, every, retention time.Duration, clk clock.Clock, logger zerolog.Logger) *Sweeper {
	if every <= 0 {
		every = 5 * time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Sweeper{store: store, every: every, retention: retention, clock: clock.OrSystem(clk), logger: logger}
}

// SweepOnce runs a single pass and returns the number of addresses removed.
func (s *Sweeper) SweepOnce() int {
	now := s.clock.Now()
	cutoff := now.Add(-s.retention)
	return s.store.Sweep(func(_ string, st *IPState) bool {
		st.expire(now)
		st.Connections = pruneBefore(st.Connections, cutoff)
		st.Requests = pruneBefore(st.Requests, cutoff)
		return !st.idle(now)
	})
}

func (s *Sweeper) Serve(ctx context.Context) error {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			removed := s.SweepOnce()
			s.logger.Debug().Int("removed", removed).Int("tracked", s.store.Len()).Msg("ip state swept")
		}
	}
}

func (s *Sweeper) String() string { return "defense-sweeper" }
