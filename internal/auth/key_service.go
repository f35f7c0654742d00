package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"apigate/internal/clock"
	"apigate/internal/telemetry"
)

const (
	defaultSecretBytes  = 32
	secretPrefix        = "agk_"
	negativeCacheTTL    = 30 * time.Second
	defaultCleanupLimit = 200
	hashPrefixLength    = 12
)

var (
	// ErrInvalidKeyRequest wraps every validation failure of create/update input.
	ErrInvalidKeyRequest = errors.New("invalid api key request")
	// ErrImmutableField is returned when an update tries to change id or secret hash.
	ErrImmutableField = errors.New("api key id and secret hash are immutable")
)

// KeyService coordinates issuance, validation and lifecycle operations for API keys.
type KeyService struct {
	repo     Repository
	logger   zerolog.Logger
	metrics  metricsRecorder
	clock    clock.Clock
	tiers    *TierCatalog
	reporter telemetry.Reporter
	cache    *decisionCache
}

// ServiceConfig captures optional tunables for KeyService behaviour.
type ServiceConfig struct {
	Clock             clock.Clock
	Tiers             *TierCatalog
	Reporter          telemetry.Reporter
	NegativeCacheSize int
}

func NewKeyService(repo Repository, logger zerolog.Logger, metrics metricsRecorder, cfg ServiceConfig) *KeyService {
	if metrics == nil {
		metrics = NewPrometheusMetrics(nil)
	}
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = DefaultTierCatalog()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = telemetry.Discard{}
	}
	return &KeyService{
		repo:     repo,
		logger:   logger,
		metrics:  metrics,
		clock:    clock.OrSystem(cfg.Clock),
		tiers:    tiers,
		reporter: reporter,
		cache:    newDecisionCache(cfg.NegativeCacheSize),
	}
}

// Tiers exposes the catalog the service validates against.
func (s *KeyService) Tiers() *TierCatalog {
	return s.tiers
}

type CreateKeyRequest struct {
	OwnerID        string
	Name           string
	Description    string
	Scopes         []Scope
	AllowedOrigins []string
	Tier           Tier
	RateLimit      *RateLimit
	// MonthlyQuota overrides the tier quota when set.
	MonthlyQuota *int64
	ExpiresAt    *time.Time
	Operator     string
}

// CreateKeyResponse carries the raw secret. It is returned exactly once and never stored.
type CreateKeyResponse struct {
	Secret string
	Record APIKey
}

func (s *KeyService) CreateKey(ctx context.Context, req CreateKeyRequest) (CreateKeyResponse, error) {
	now := s.clock.Now()
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.Name) == "" {
		return CreateKeyResponse{}, fmt.Errorf("%w: owner and name are required", ErrInvalidKeyRequest)
	}
	def, err := s.tiers.Lookup(req.Tier)
	if err != nil {
		return CreateKeyResponse{}, fmt.Errorf("%w: %v", ErrInvalidKeyRequest, err)
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return CreateKeyResponse{}, err
	}
	origins, err := normalizeOrigins(req.AllowedOrigins)
	if err != nil {
		return CreateKeyResponse{}, err
	}
	if err := validateLimits(req.RateLimit, req.MonthlyQuota); err != nil {
		return CreateKeyResponse{}, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return CreateKeyResponse{}, fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidKeyRequest)
	}

	secret, err := generateSecret(defaultSecretBytes)
	if err != nil {
		s.metrics.IncKeyIssue("error", req.Tier)
		return CreateKeyResponse{}, fmt.Errorf("generate api key: %w", err)
	}

	quota := def.MonthlyQuota
	if req.MonthlyQuota != nil {
		quota = *req.MonthlyQuota
	}
	record := APIKey{
		ID:             uuid.NewString(),
		SecretHash:     HashSecret(secret),
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Description:    req.Description,
		Scopes:         scopes,
		AllowedOrigins: origins,
		Tier:           req.Tier,
		RateLimit:      req.RateLimit,
		MonthlyQuota:   quota,
		QuotaResetAt:   NextQuotaReset(now),
		Active:         true,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		s.metrics.IncKeyIssue("error", req.Tier)
		return CreateKeyResponse{}, fmt.Errorf("persist api key: %w", err)
	}

	s.cache.Delete(record.SecretHash)
	s.metrics.IncKeyIssue("success", req.Tier)
	s.refreshActiveGauge(ctx)

	s.logger.Info().
		Str("event", "api_key_issue").
		Str("key_id", record.ID).
		Str("owner_id", record.OwnerID).
		Str("tier", string(record.Tier)).
		Str("operator", hashIdentifier(req.Operator)).
		Msg("api key issued")
	return CreateKeyResponse{Secret: secret, Record: record}, nil
}

// Validate resolves a raw secret to its key record. Unknown, revoked and expired
// secrets yield (nil, nil); an error means the key store itself failed.
// A successful validation records lastUsedAt.
func (s *KeyService) Validate(ctx context.Context, secret string) (*APIKey, error) {
	if secret == "" {
		return nil, nil
	}
	now := s.clock.Now()
	hash := HashSecret(secret)

	if outcome, ok := s.cache.Get(hash, now); ok {
		s.metrics.IncKeyValidation(outcome)
		return nil, nil
	}

	record, err := s.repo.GetBySecretHash(ctx, hash)
	if errors.Is(err, ErrKeyNotFound) {
		s.cache.Set(hash, validationOutcomeUnknown, negativeCacheTTL, now)
		s.metrics.IncKeyValidation(validationOutcomeUnknown)
		return nil, nil
	}
	if err != nil {
		s.metrics.IncKeyValidation(validationOutcomeError)
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	outcome := outcomeFor(record, now)
	s.metrics.IncKeyValidation(outcome)
	if outcome != validationOutcomeAuthorized {
		s.cache.Set(hash, outcome, negativeCacheTTL, now)
		s.logger.Debug().Str("key_id", record.ID).Str("outcome", string(outcome)).Msg("api key rejected")
		return nil, nil
	}

	if err := s.repo.Touch(ctx, record.ID, now); err != nil {
		s.reporter.Report("api_key_touch", err)
	} else {
		record.LastUsedAt = &now
	}
	return &record, nil
}

func (s *KeyService) Get(ctx context.Context, id string) (APIKey, error) {
	return s.repo.Get(ctx, id)
}

func (s *KeyService) List(ctx context.Context, ownerID string) ([]APIKey, error) {
	return s.repo.List(ctx, ownerID)
}

func (s *KeyService) Revoke(ctx context.Context, id string, operator string) (APIKey, error) {
	record, err := s.repo.Update(ctx, id, func(k *APIKey) error {
		k.Active = false
		return nil
	})
	if err != nil {
		return APIKey{}, err
	}
	s.cache.Set(record.SecretHash, validationOutcomeRevoked, negativeCacheTTL, s.clock.Now())
	s.refreshActiveGauge(ctx)
	s.logger.Info().Str("event", "api_key_revoke").Str("key_id", id).Str("operator", hashIdentifier(operator)).Msg("api key revoked")
	return record, nil
}

func (s *KeyService) Delete(ctx context.Context, id string, operator string) error {
	record, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Set(record.SecretHash, validationOutcomeUnknown, negativeCacheTTL, s.clock.Now())
	s.refreshActiveGauge(ctx)
	s.logger.Info().Str("event", "api_key_delete").Str("key_id", id).Str("operator", hashIdentifier(operator)).Msg("api key deleted")
	return nil
}

// UpdateKeyRequest lists the mutable fields. Nil means unchanged. The id and
// secret hash are deliberately absent.
type UpdateKeyRequest struct {
	Name           *string
	Description    *string
	Scopes         *[]Scope
	AllowedOrigins *[]string
	Tier           *Tier
	RateLimit      *RateLimit
	ClearRateLimit bool
	MonthlyQuota   *int64
	Active         *bool
	ExpiresAt      *time.Time
	ClearExpiry    bool
	Operator       string
}

func (s *KeyService) Update(ctx context.Context, id string, req UpdateKeyRequest) (APIKey, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return APIKey{}, fmt.Errorf("%w: name must not be empty", ErrInvalidKeyRequest)
	}
	var scopes []Scope
	if req.Scopes != nil {
		var err error
		if scopes, err = normalizeScopes(*req.Scopes); err != nil {
			return APIKey{}, err
		}
	}
	var origins []string
	if req.AllowedOrigins != nil {
		var err error
		if origins, err = normalizeOrigins(*req.AllowedOrigins); err != nil {
			return APIKey{}, err
		}
	}
	var tierDef *TierDefinition
	if req.Tier != nil {
		def, err := s.tiers.Lookup(*req.Tier)
		if err != nil {
			return APIKey{}, fmt.Errorf("%w: %v", ErrInvalidKeyRequest, err)
		}
		tierDef = &def
	}
	if err := validateLimits(req.RateLimit, req.MonthlyQuota); err != nil {
		return APIKey{}, err
	}

	record, err := s.repo.Update(ctx, id, func(k *APIKey) error {
		if req.Name != nil {
			k.Name = *req.Name
		}
		if req.Description != nil {
			k.Description = *req.Description
		}
		if req.Scopes != nil {
			k.Scopes = scopes
		}
		if req.AllowedOrigins != nil {
			k.AllowedOrigins = origins
		}
		if tierDef != nil {
			k.Tier = tierDef.Name
			k.MonthlyQuota = tierDef.MonthlyQuota
		}
		if req.MonthlyQuota != nil {
			k.MonthlyQuota = *req.MonthlyQuota
		}
		switch {
		case req.ClearRateLimit:
			k.RateLimit = nil
		case req.RateLimit != nil:
			rl := *req.RateLimit
			k.RateLimit = &rl
		}
		if req.Active != nil {
			k.Active = *req.Active
		}
		switch {
		case req.ClearExpiry:
			k.ExpiresAt = nil
		case req.ExpiresAt != nil:
			exp := *req.ExpiresAt
			k.ExpiresAt = &exp
		}
		return nil
	})
	if err != nil {
		return APIKey{}, err
	}

	now := s.clock.Now()
	if record.Usable(now) {
		s.cache.Delete(record.SecretHash)
	} else {
		s.cache.Set(record.SecretHash, outcomeFor(record, now), negativeCacheTTL, now)
	}
	s.refreshActiveGauge(ctx)
	s.logger.Info().Str("event", "api_key_update").Str("key_id", id).Str("operator", hashIdentifier(req.Operator)).Msg("api key updated")
	return record, nil
}

// OverrideRequest grants temporary entitlement boosts.
type OverrideRequest struct {
	ExtraRequests      int64
	ExpiresAt          *time.Time
	RateLimit          *RateLimit
	RateLimitExpiresAt *time.Time
	Operator           string
}

// GrantOverride replaces the key's manual override.
func (s *KeyService) GrantOverride(ctx context.Context, id string, req OverrideRequest) (APIKey, error) {
	now := s.clock.Now()
	if req.ExtraRequests < 0 {
		return APIKey{}, fmt.Errorf("%w: extraRequests must not be negative", ErrInvalidKeyRequest)
	}
	if req.ExtraRequests == 0 && req.RateLimit == nil {
		return APIKey{}, fmt.Errorf("%w: override grants nothing", ErrInvalidKeyRequest)
	}
	if req.RateLimit != nil && req.RateLimit.IsZero() {
		return APIKey{}, fmt.Errorf("%w: override rate limit must be positive", ErrInvalidKeyRequest)
	}
	for _, t := range []*time.Time{req.ExpiresAt, req.RateLimitExpiresAt} {
		if t != nil && !t.After(now) {
			return APIKey{}, fmt.Errorf("%w: override expiry must be in the future", ErrInvalidKeyRequest)
		}
	}

	override := &ManualOverride{
		ExtraRequests:              req.ExtraRequests,
		ExpiresAt:                  req.ExpiresAt,
		RateLimitOverride:          req.RateLimit,
		RateLimitOverrideExpiresAt: req.RateLimitExpiresAt,
	}
	record, err := s.repo.Update(ctx, id, func(k *APIKey) error {
		k.ManualOverride = override
		return nil
	})
	if err != nil {
		return APIKey{}, err
	}
	s.logger.Info().
		Str("event", "api_key_override").
		Str("key_id", id).
		Int64("extra_requests", req.ExtraRequests).
		Bool("rate_limit_override", req.RateLimit != nil).
		Str("operator", hashIdentifier(req.Operator)).
		Msg("manual override granted")
	return record, nil
}

// PruneOverride clears expired boosts from the stored record. When the write
// fails, the pruned in-memory copy is returned together with the error.
func (s *KeyService) PruneOverride(ctx context.Context, key APIKey) (APIKey, error) {
	now := s.clock.Now()
	if !key.NeedsOverridePrune(now) {
		return key, nil
	}
	pruned := key
	pruned.ManualOverride, _ = key.ManualOverride.Pruned(now)

	record, err := s.repo.Update(ctx, key.ID, func(k *APIKey) error {
		k.ManualOverride, _ = k.ManualOverride.Pruned(now)
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("prune manual override: %w", err)
	}
	return record, nil
}

func (s *KeyService) CleanupExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	count, err := s.repo.DeleteExpired(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.refreshActiveGauge(ctx)
		s.logger.Info().Int("deleted", count).Msg("expired api keys removed")
	}
	s.cache.Purge(s.clock.Now())
	return count, nil
}

// DefaultCleanupLimit returns the default maximum number of documents deleted per cleanup run.
func DefaultCleanupLimit() int {
	return defaultCleanupLimit
}

func (s *KeyService) refreshActiveGauge(ctx context.Context) {
	count, err := s.repo.CountActive(ctx, s.clock.Now())
	if err != nil {
		s.reporter.Report("api_key_active_gauge", err)
		return
	}
	s.metrics.SetKeysActive(count)
}

// HashSecret returns the hex SHA-256 digest under which a secret is stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func normalizeScopes(in []Scope) ([]Scope, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidKeyRequest)
	}
	seen := make(map[Scope]struct{}, len(in))
	out := make([]Scope, 0, len(in))
	for _, s := range in {
		s = Scope(strings.ToLower(strings.TrimSpace(string(s))))
		if !isKnownScope(s) {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidKeyRequest, s)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func isKnownScope(s Scope) bool {
	for _, known := range KnownScopes {
		if s == known {
			return true
		}
	}
	return false
}

// normalizeOrigins reduces each entry to scheme://host[:port].
func normalizeOrigins(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			out = append(out, raw)
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid origin %q", ErrInvalidKeyRequest, raw)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return out, nil
}

func validateLimits(rl *RateLimit, quota *int64) error {
	if rl != nil && rl.IsZero() {
		return fmt.Errorf("%w: rate limit needs a positive request count and period", ErrInvalidKeyRequest)
	}
	if quota != nil && *quota <= 0 && *quota != UnlimitedQuota {
		return fmt.Errorf("%w: monthly quota must be positive or %d", ErrInvalidKeyRequest, UnlimitedQuota)
	}
	return nil
}

func generateSecret(length int) (string, error) {
	body, err := generateBase62Key(length)
	if err != nil {
		return "", err
	}
	return secretPrefix + body, nil
}

func generateBase62Key(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid key length")
	}

	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const charsetLen = byte(len(charset))
	const maxMultiple = 256 / int(charsetLen) * int(charsetLen)

	out := make([]byte, length)
	buffer := make([]byte, length)
	// Rejection sample random bytes to avoid modulo bias.
	for i := 0; i < length; {
		if _, err := rand.Read(buffer); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buffer {
			if int(b) >= maxMultiple {
				continue
			}
			out[i] = charset[b%charsetLen]
			i++
			if i == length {
				break
			}
		}
	}
	return string(out), nil
}

// hashIdentifier shortens an identifier for logs.
func hashIdentifier(value string) string {
	if value == "" {
		return ""
	}
	return HashSecret(value)[:hashPrefixLength]
}
