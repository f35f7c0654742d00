package handler

import (
	"net/http"
	"time"

	"apigate/internal/auth"
	"apigate/internal/clock"
)

// UsageHandler reports the calling key's entitlements and consumption. It must
// sit behind the gateway, which places the key in the request context.
type UsageHandler struct {
	tiers *auth.TierCatalog
	clock clock.Clock
}

func NewUsageHandler(tiers *auth.TierCatalog, clk clock.Clock) *UsageHandler {
	return &UsageHandler{tiers: tiers, clock: clock.OrSystem(clk)}
}

type quotaView struct {
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	ResetAt   string `json:"resetAt"`
}

type usageView struct {
	KeyID          string        `json:"keyId"`
	Name           string        `json:"name"`
	Tier           auth.Tier     `json:"tier"`
	Scopes         []auth.Scope  `json:"scopes"`
	RateLimit      rateLimitView `json:"rateLimit"`
	Quota          quotaView     `json:"quota"`
	ManualOverride *overrideView `json:"manualOverride,omitempty"`
	ExpiresAt      *string       `json:"expiresAt,omitempty"`
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := auth.APIKeyFromContext(r.Context())
	if !ok {
		writeAdminError(w, http.StatusUnauthorized, "api key required")
		return
	}
	now := h.clock.Now()
	def, err := h.tiers.Lookup(key.Tier)
	if err != nil {
		def, _ = h.tiers.Lookup(auth.TierFree)
	}

	rl := key.EffectiveRateLimit(now, def)
	limit := key.EffectiveQuota(now)
	q := quotaView{Limit: limit, Used: key.MonthlyQuotaUsed, ResetAt: key.QuotaResetAt.UTC().Format(time.RFC3339)}
	if limit == auth.UnlimitedQuota {
		q.Unlimited = true
		q.Remaining = -1
	} else {
		q.Remaining = max(limit-key.MonthlyQuotaUsed, 0)
	}

	view := newKeyView(key, now)
	writeJSON(w, http.StatusOK, usageView{
		KeyID:          key.ID,
		Name:           key.Name,
		Tier:           key.Tier,
		Scopes:         view.Scopes,
		RateLimit:      *newRateLimitView(&rl),
		Quota:          q,
		ManualOverride: view.ManualOverride,
		ExpiresAt:      view.ExpiresAt,
	})
}
