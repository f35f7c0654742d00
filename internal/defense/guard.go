package defense

import (
	"time"

	"apigate/internal/clock"
)

// ConnLimits are the per-IP connection ceilings. A zero ceiling disables that window.
type ConnLimits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

func DefaultConnLimits() ConnLimits {
	return ConnLimits{PerSecond: 20, PerMinute: 600, PerHour: 10_000}
}

type ConnReason string

const (
	ConnAllowed     ConnReason = ""
	ConnBlocked     ConnReason = "blocked"
	ConnCircuitOpen ConnReason = "circuit_open"
	ConnRateLimited ConnReason = "connection_rate"
)

// ConnDecision is the connection guard verdict.
type ConnDecision struct {
	Allowed    bool
	Reason     ConnReason
	Window     time.Duration
	RetryAfter time.Duration
}

// Guard enforces per-IP connection ceilings independent of key identity.
type Guard struct {
	store  IPReputationStore
	limits ConnLimits
	clock  clock.Clock
}

func NewGuard(store IPReputationStore, limits ConnLimits, clk clock.Clock) *Guard {
	return &Guard{store: store, limits: limits, clock: clock.OrSystem(clk)}
}

// Check rejects when a standing block or open circuit applies, or when any
// window is at its ceiling. Otherwise the connection is recorded.
func (g *Guard) Check(ip string) ConnDecision {
	now := g.clock.Now()
	var d ConnDecision
	g.store.Update(ip, func(s *IPState) {
		s.expire(now)
		if s.blocked(now) {
			d = ConnDecision{Reason: ConnBlocked, RetryAfter: s.BlockedUntil.Sub(now)}
			return
		}
		if s.circuitOpen(now) {
			d = ConnDecision{Reason: ConnCircuitOpen, RetryAfter: s.CircuitOpenUntil.Sub(now)}
			return
		}

		s.Connections = pruneBefore(s.Connections, now.Add(-time.Hour))
		windows := [...]struct {
			limit  int
			period time.Duration
		}{
			{g.limits.PerSecond, time.Second},
			{g.limits.PerMinute, time.Minute},
			{g.limits.PerHour, time.Hour},
		}
		for _, w := range windows {
			if w.limit <= 0 {
				continue
			}
			count, oldest := countSince(s.Connections, now.Add(-w.period))
			if count >= w.limit {
				d = ConnDecision{
					Reason:     ConnRateLimited,
					Window:     w.period,
					RetryAfter: oldest.Add(w.period).Sub(now),
				}
				return
			}
		}
		s.Connections = append(s.Connections, now)
		d = ConnDecision{Allowed: true}
	})
	return d
}
