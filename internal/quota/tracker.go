// Package quota enforces monthly request budgets. Counters live on the key
// record and every change goes through a transactional repository update.
package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"apigate/internal/auth"
	"apigate/internal/clock"
	"apigate/internal/telemetry"
)

// Decision is the quota verdict for one request.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

type Tracker struct {
	repo     auth.Repository
	clock    clock.Clock
	reporter telemetry.Reporter
	logger   zerolog.Logger
}

func NewTracker(repo auth.Repository, clk clock.Clock, reporter telemetry.Reporter, logger zerolog.Logger) *Tracker {
	if reporter == nil {
		reporter = telemetry.Discard{}
	}
	return &Tracker{repo: repo, clock: clock.OrSystem(clk), reporter: reporter, logger: logger}
}

// Check evaluates key against its monthly budget. A due period rollover and
// expired boosts are written back first; if that write fails the request is
// judged on the locally corrected copy. The returned key reflects both.
func (t *Tracker) Check(ctx context.Context, key auth.APIKey) (auth.APIKey, Decision) {
	now := t.clock.Now()
	rolled := !now.Before(key.QuotaResetAt)

	if rolled || key.NeedsOverridePrune(now) {
		updated, err := t.repo.Update(ctx, key.ID, func(k *auth.APIKey) error {
			settle(k, now)
			return nil
		})
		if err != nil {
			t.reporter.Report("quota_reset", err)
			settle(&key, now)
		} else {
			key = updated
		}
		if rolled {
			t.logger.Debug().Str("key_id", key.ID).Time("next_reset", key.QuotaResetAt).Msg("quota period rolled over")
		}
	}

	limit := key.EffectiveQuota(now)
	if limit == auth.UnlimitedQuota {
		return key, Decision{Allowed: true, Unlimited: true, Limit: limit, Remaining: -1, ResetAt: key.QuotaResetAt}
	}
	remaining := limit - key.MonthlyQuotaUsed
	if remaining <= 0 {
		return key, Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: key.QuotaResetAt}
	}
	return key, Decision{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: key.QuotaResetAt}
}

// Consume records one successful request against keyID. Failures are reported, never returned.
func (t *Tracker) Consume(ctx context.Context, keyID string) {
	now := t.clock.Now()
	_, err := t.repo.Update(ctx, keyID, func(k *auth.APIKey) error {
		settle(k, now)
		k.MonthlyQuotaUsed++
		return nil
	})
	if err != nil {
		t.reporter.Report("quota_consume", err)
	}
}

// settle applies a due period reset and drops expired override boosts.
func settle(k *auth.APIKey, now time.Time) {
	if !now.Before(k.QuotaResetAt) {
		k.MonthlyQuotaUsed = 0
		k.QuotaResetAt = auth.NextQuotaReset(now)
	}
	if k.ManualOverride != nil {
		k.ManualOverride, _ = k.ManualOverride.Pruned(now)
	}
}
