package defense

import (
	"time"

	"github.com/rs/zerolog"

	"apigate/internal/clock"
)

// Thresholds parameterize pattern detection. Counts are compared against the
// requests already seen in the trailing window, before the current one.
type Thresholds struct {
	SuspiciousCount  int
	SuspiciousWindow time.Duration
	ChallengeCount   int
	AutoblockCount   int
	CircuitCount     int
	LongWindow       time.Duration
	// MaxStrikes blocks an IP that keeps re-entering Suspicious. Zero disables it.
	MaxStrikes int

	BlockDuration     time.Duration
	ChallengeDuration time.Duration
	CircuitCooldown   time.Duration

	ChallengeDifficulty int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SuspiciousCount:     50,
		SuspiciousWindow:    10 * time.Second,
		ChallengeCount:      30,
		AutoblockCount:      100,
		CircuitCount:        1000,
		LongWindow:          time.Minute,
		MaxStrikes:          5,
		BlockDuration:       time.Hour,
		ChallengeDuration:   5 * time.Minute,
		CircuitCooldown:     time.Minute,
		ChallengeDifficulty: 3,
	}
}

type State int

const (
	StateNormal State = iota
	StateSuspicious
	StateChallenged
	StateBlocked
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateSuspicious:
		return "suspicious"
	case StateChallenged:
		return "challenged"
	case StateBlocked:
		return "blocked"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "normal"
	}
}

// Verdict is the pattern detector's decision for one request.
type Verdict struct {
	Allowed bool
	State   State
	// Entered is set when this request moved the IP into State.
	Entered bool
	// Global marks a rejection by the all-IP breaker rather than the IP's own state.
	Global     bool
	RetryAfter time.Duration
	Challenge  *Challenge
	// Solved is set when a valid proof lifted a challenge.
	Solved bool
}

// Detector classifies request volume per IP and escalates through
// Suspicious, Challenged, Blocked and CircuitOpen.
type Detector struct {
	store  IPReputationStore
	th     Thresholds
	global *GlobalBreaker
	clock  clock.Clock
	logger zerolog.Logger
}

func NewDetector(store IPReputationStore, th Thresholds, global *GlobalBreaker, clk clock.Clock, logger zerolog.Logger) *Detector {
	return &Detector{store: store, th: th, global: global, clock: clock.OrSystem(clk), logger: logger}
}

// Evaluate records a request from ip and classifies it. proof may be nil.
func (d *Detector) Evaluate(ip string, proof *Proof) Verdict {
	now := d.clock.Now()

	if d.global != nil {
		if open, until := d.global.Observe(now); open {
			return Verdict{State: StateCircuitOpen, Global: true, RetryAfter: until.Sub(now)}
		}
	}

	var v Verdict
	var issueErr error
	d.store.Update(ip, func(s *IPState) {
		s.expire(now)
		switch {
		case s.blocked(now):
			v = Verdict{State: StateBlocked, RetryAfter: s.BlockedUntil.Sub(now)}
			return
		case s.circuitOpen(now):
			v = Verdict{State: StateCircuitOpen, RetryAfter: s.CircuitOpenUntil.Sub(now)}
			return
		}

		s.Requests = pruneBefore(s.Requests, now.Add(-d.th.LongWindow))
		prior := len(s.Requests)
		priorShort, _ := countSince(s.Requests, now.Add(-d.th.SuspiciousWindow))
		s.Requests = append(s.Requests, now)

		if d.th.CircuitCount > 0 && prior >= d.th.CircuitCount {
			s.CircuitOpenUntil = now.Add(d.th.CircuitCooldown)
			v = Verdict{State: StateCircuitOpen, Entered: true, RetryAfter: d.th.CircuitCooldown}
			return
		}

		if s.challenged(now) {
			if proof != nil && s.Challenge != nil && proof.Token == s.Challenge.Token &&
				VerifyProof(proof.Token, proof.Response, s.Challenge.Difficulty) {
				s.Challenge = nil
				s.ChallengeUntil = time.Time{}
				s.Suspicious = false
				s.Requests = []time.Time{now}
				v = Verdict{Allowed: true, State: StateNormal, Solved: true}
				return
			}
			if prior >= d.th.AutoblockCount {
				d.block(s, now)
				v = Verdict{State: StateBlocked, Entered: true, RetryAfter: d.th.BlockDuration}
				return
			}
			v = Verdict{State: StateChallenged, RetryAfter: s.ChallengeUntil.Sub(now), Challenge: s.Challenge}
			return
		}

		entered := false
		if priorShort >= d.th.SuspiciousCount {
			if !s.Suspicious {
				s.Strikes++
				entered = true
			}
			s.Suspicious = true
		} else {
			s.Suspicious = false
		}
		if !s.Suspicious {
			v = Verdict{Allowed: true, State: StateNormal}
			return
		}

		if prior >= d.th.AutoblockCount || (d.th.MaxStrikes > 0 && s.Strikes >= d.th.MaxStrikes) {
			d.block(s, now)
			v = Verdict{State: StateBlocked, Entered: true, RetryAfter: d.th.BlockDuration}
			return
		}
		if prior >= d.th.ChallengeCount {
			ch, err := IssueChallenge(d.th.ChallengeDifficulty, d.th.ChallengeDuration, now)
			if err != nil {
				issueErr = err
				v = Verdict{Allowed: true, State: StateSuspicious, Entered: entered}
				return
			}
			s.Challenge = &ch
			s.ChallengeUntil = ch.ExpiresAt
			v = Verdict{State: StateChallenged, Entered: true, RetryAfter: d.th.ChallengeDuration, Challenge: &ch}
			return
		}
		v = Verdict{Allowed: true, State: StateSuspicious, Entered: entered}
	})

	if issueErr != nil {
		d.logger.Warn().Err(issueErr).Str("ip", ip).Msg("challenge issue failed")
	}
	if v.Challenge != nil {
		ch := *v.Challenge
		v.Challenge = &ch
	}
	return v
}

func (d *Detector) block(s *IPState, now time.Time) {
	s.BlockedUntil = now.Add(d.th.BlockDuration)
	s.Suspicious = false
	s.Challenge = nil
	s.ChallengeUntil = time.Time{}
}

// Status reports the IP's current state without recording a request.
func (d *Detector) Status(ip string) State {
	now := d.clock.Now()
	state := StateNormal
	d.store.Update(ip, func(s *IPState) {
		s.expire(now)
		switch {
		case s.blocked(now):
			state = StateBlocked
		case s.circuitOpen(now):
			state = StateCircuitOpen
		case s.challenged(now):
			state = StateChallenged
		case s.Suspicious:
			state = StateSuspicious
		}
	})
	return state
}
