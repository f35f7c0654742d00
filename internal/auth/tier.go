package auth

import (
	"errors"
	"fmt"
	"time"
)

// Tier names a bundle of quota, rate limit and features.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

// UnlimitedQuota marks a fair-use monthly quota.
const UnlimitedQuota int64 = -1

// ErrUnknownTier is returned when a tier name is not in the catalog.
var ErrUnknownTier = errors.New("unknown tier")

// AllTiers is the closed set of tier names, cheapest first.
var AllTiers = []Tier{TierFree, TierStarter, TierBusiness, TierEnterprise}

// TierDefinition is the static entitlement table entry for a tier.
type TierDefinition struct {
	Name         Tier      `json:"name"`
	DisplayName  string    `json:"displayName"`
	MonthlyQuota int64     `json:"monthlyQuota"`
	RateLimit    RateLimit `json:"-"`
	Features     []string  `json:"features"`
	// PriceCents is the monthly list price; negative means negotiated.
	PriceCents int `json:"priceCents"`
}

// TierCatalog is an immutable lookup table of tier definitions.
type TierCatalog struct {
	tiers map[Tier]TierDefinition
}

// DefaultTierDefinitions returns the built-in entitlement table.
func DefaultTierDefinitions() []TierDefinition {
	return []TierDefinition{
		{
			Name:         TierFree,
			DisplayName:  "Free",
			MonthlyQuota: 1_000,
			RateLimit:    RateLimit{RequestCount: 10, Period: time.Minute},
			Features:     []string{"read"},
			PriceCents:   0,
		},
		{
			Name:         TierStarter,
			DisplayName:  "Starter",
			MonthlyQuota: 10_000,
			RateLimit:    RateLimit{RequestCount: 60, Period: time.Minute},
			Features:     []string{"read", "write", "analytics"},
			PriceCents:   2_900,
		},
		{
			Name:         TierBusiness,
			DisplayName:  "Business",
			MonthlyQuota: 100_000,
			RateLimit:    RateLimit{RequestCount: 300, Period: time.Minute},
			Features:     []string{"read", "write", "analytics", "notifications", "webhooks"},
			PriceCents:   9_900,
		},
		{
			Name:         TierEnterprise,
			DisplayName:  "Enterprise",
			MonthlyQuota: UnlimitedQuota,
			RateLimit:    RateLimit{RequestCount: 1_000, Period: time.Minute},
			Features:     []string{"read", "write", "analytics", "notifications", "webhooks", "sla", "dedicated-support"},
			PriceCents:   -1,
		},
	}
}

// DefaultTierCatalog returns the catalog built from DefaultTierDefinitions.
func DefaultTierCatalog() *TierCatalog {
	c, err := NewTierCatalog(DefaultTierDefinitions())
	if err != nil {
		panic(fmt.Sprintf("default tier catalog: %v", err))
	}
	return c
}

// NewTierCatalog validates defs and builds a catalog. Every tier in AllTiers must be
// defined exactly once with a usable rate limit; misconfiguration is a startup error.
func NewTierCatalog(defs []TierDefinition) (*TierCatalog, error) {
	tiers := make(map[Tier]TierDefinition, len(defs))
	for _, def := range defs {
		if !isKnownTier(def.Name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, def.Name)
		}
		if _, dup := tiers[def.Name]; dup {
			return nil, fmt.Errorf("tier %q defined twice", def.Name)
		}
		if def.RateLimit.IsZero() {
			return nil, fmt.Errorf("tier %q: rate limit must be positive", def.Name)
		}
		if def.MonthlyQuota <= 0 && def.MonthlyQuota != UnlimitedQuota {
			return nil, fmt.Errorf("tier %q: monthly quota must be positive or unlimited", def.Name)
		}
		tiers[def.Name] = def
	}
	for _, name := range AllTiers {
		if _, ok := tiers[name]; !ok {
			return nil, fmt.Errorf("tier %q missing from catalog", name)
		}
	}
	return &TierCatalog{tiers: tiers}, nil
}

// Lookup returns the definition for tier.
func (c *TierCatalog) Lookup(tier Tier) (TierDefinition, error) {
	def, ok := c.tiers[tier]
	if !ok {
		return TierDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return def, nil
}

// All returns every definition in AllTiers order.
func (c *TierCatalog) All() []TierDefinition {
	out := make([]TierDefinition, 0, len(AllTiers))
	for _, name := range AllTiers {
		out = append(out, c.tiers[name])
	}
	return out
}

func isKnownTier(t Tier) bool {
	for _, known := range AllTiers {
		if known == t {
			return true
		}
	}
	return false
}
