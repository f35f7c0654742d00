package auth

import "time"

// Scope names a capability granted to a key.
type Scope string

const (
	ScopeRead          Scope = "read"
	ScopeWrite         Scope = "write"
	ScopeNotifications Scope = "notifications"
	ScopeContent       Scope = "content"
	ScopeAll           Scope = "*"
)

// KnownScopes lists every scope accepted at key creation.
var KnownScopes = []Scope{ScopeRead, ScopeWrite, ScopeNotifications, ScopeContent, ScopeAll}

// APIKeyStatus is the lifecycle state of a key as exposed to operators.
type APIKeyStatus string

const (
	StatusActive  APIKeyStatus = "active"
	StatusExpired APIKeyStatus = "expired"
	StatusRevoked APIKeyStatus = "revoked"
)

// RateLimit is a sliding window budget: RequestCount requests per Period.
type RateLimit struct {
	RequestCount int
	Period       time.Duration
}

// IsZero reports whether the limit is unset.
func (r RateLimit) IsZero() bool {
	return r.RequestCount <= 0 || r.Period <= 0
}

// ManualOverride holds operator-granted, self-expiring boosts.
type ManualOverride struct {
	ExtraRequests              int64
	ExpiresAt                  *time.Time
	RateLimitOverride          *RateLimit
	RateLimitOverrideExpiresAt *time.Time
}

// ActiveExtraRequests returns the extra quota granted at now, or 0 when none or expired.
func (o *ManualOverride) ActiveExtraRequests(now time.Time) int64 {
	if o == nil || o.ExtraRequests <= 0 {
		return 0
	}
	if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
		return 0
	}
	return o.ExtraRequests
}

// ActiveRateLimit returns the overriding rate limit at now, if any.
func (o *ManualOverride) ActiveRateLimit(now time.Time) (RateLimit, bool) {
	if o == nil || o.RateLimitOverride == nil || o.RateLimitOverride.IsZero() {
		return RateLimit{}, false
	}
	if o.RateLimitOverrideExpiresAt != nil && !now.Before(*o.RateLimitOverrideExpiresAt) {
		return RateLimit{}, false
	}
	return *o.RateLimitOverride, true
}

// Pruned returns a copy with every expired boost removed and whether anything changed.
// A nil result means no boost remains.
func (o *ManualOverride) Pruned(now time.Time) (*ManualOverride, bool) {
	if o == nil {
		return nil, false
	}
	out := *o
	changed := false
	if out.ExtraRequests != 0 && out.ExpiresAt != nil && !now.Before(*out.ExpiresAt) {
		out.ExtraRequests = 0
		out.ExpiresAt = nil
		changed = true
	}
	if out.RateLimitOverride != nil && out.RateLimitOverrideExpiresAt != nil && !now.Before(*out.RateLimitOverrideExpiresAt) {
		out.RateLimitOverride = nil
		out.RateLimitOverrideExpiresAt = nil
		changed = true
	}
	if out.ExtraRequests == 0 && out.RateLimitOverride == nil {
		return nil, true
	}
	return &out, changed
}

// APIKey models the persisted key record. The raw secret is never stored.
type APIKey struct {
	ID               string
	SecretHash       string
	OwnerID          string
	Name             string
	Description      string
	Scopes           []Scope
	AllowedOrigins   []string
	Tier             Tier
	RateLimit        *RateLimit
	MonthlyQuota     int64
	MonthlyQuotaUsed int64
	QuotaResetAt     time.Time
	ManualOverride   *ManualOverride
	Active           bool
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

// Status returns the derived lifecycle status for the key at the provided time.
func (k APIKey) Status(now time.Time) APIKeyStatus {
	if !k.Active {
		return StatusRevoked
	}
	if k.IsExpired(now) {
		return StatusExpired
	}
	return StatusActive
}

// IsExpired returns true when the key has a hard expiry at or before now.
func (k APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable reports whether the key may be admitted at all.
func (k APIKey) Usable(now time.Time) bool {
	return k.Active && !k.IsExpired(now)
}

// HasScope reports whether the key grants scope, directly or through the wildcard.
func (k APIKey) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// EffectiveRateLimit resolves the window for the key at now: an active override
// first, then the per-key limit, then the tier default.
func (k APIKey) EffectiveRateLimit(now time.Time, tier TierDefinition) RateLimit {
	if rl, ok := k.ManualOverride.ActiveRateLimit(now); ok {
		return rl
	}
	if k.RateLimit != nil && !k.RateLimit.IsZero() {
		return *k.RateLimit
	}
	return tier.RateLimit
}

// EffectiveQuota returns the monthly budget including active boosts.
// Unlimited keys report UnlimitedQuota.
func (k APIKey) EffectiveQuota(now time.Time) int64 {
	if k.MonthlyQuota == UnlimitedQuota {
		return UnlimitedQuota
	}
	return k.MonthlyQuota + k.ManualOverride.ActiveExtraRequests(now)
}

// NeedsOverridePrune reports whether the stored override carries expired boosts.
func (k APIKey) NeedsOverridePrune(now time.Time) bool {
	_, changed := k.ManualOverride.Pruned(now)
	return k.ManualOverride != nil && changed
}

// NextQuotaReset returns the first instant of the calendar month after now, in UTC.
func NextQuotaReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
