package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"apigate/internal/clock"
	"apigate/internal/telemetry"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

type countingMetrics struct {
	mu          sync.Mutex
	issued      map[string]int
	validations map[validationOutcome]int
	active      int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{issued: map[string]int{}, validations: map[validationOutcome]int{}}
}

func (m *countingMetrics) IncKeyIssue(result string, _ Tier) {
	m.mu.Lock()
	m.issued[result]++
	m.mu.Unlock()
}

func (m *countingMetrics) IncKeyValidation(outcome validationOutcome) {
	m.mu.Lock()
	m.validations[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) SetKeysActive(count int) {
	m.mu.Lock()
	m.active = count
	m.mu.Unlock()
}

// failingRepository fails secret lookups and touches on demand.
type failingRepository struct {
	*MemoryRepository
	lookupErr error
	touchErr  error
}

func (f *failingRepository) GetBySecretHash(ctx context.Context, hash string) (APIKey, error) {
	if f.lookupErr != nil {
		return APIKey{}, f.lookupErr
	}
	return f.MemoryRepository.GetBySecretHash(ctx, hash)
}

func (f *failingRepository) Touch(ctx context.Context, id string, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	return f.MemoryRepository.Touch(ctx, id, at)
}

func newTestService(repo Repository) (*KeyService, *clock.Manual, *countingMetrics) {
	clk := clock.NewManual(testNow)
	metrics := newCountingMetrics()
	return NewKeyService(repo, discardLogger, metrics, ServiceConfig{Clock: clk}), clk, metrics
}

func createKey(t *testing.T, service *KeyService, req CreateKeyRequest) CreateKeyResponse {
	t.Helper()
	if req.OwnerID == "" {
		req.OwnerID = "owner-1"
	}
	if req.Name == "" {
		req.Name = "test"
	}
	if req.Tier == "" {
		req.Tier = TierFree
	}
	if req.Scopes == nil {
		req.Scopes = []Scope{ScopeRead}
	}
	resp, err := service.CreateKey(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	return resp
}

func TestKeyService_CreateAndValidate(t *testing.T) {
	repo := NewMemoryRepository()
	service, _, metrics := newTestService(repo)

	resp := createKey(t, service, CreateKeyRequest{Tier: TierStarter})
	if !strings.HasPrefix(resp.Secret, secretPrefix) {
		t.Fatalf("expected secret prefix %q, got %q", secretPrefix, resp.Secret)
	}
	if len(resp.Secret) != len(secretPrefix)+defaultSecretBytes {
		t.Fatalf("unexpected secret length %d", len(resp.Secret))
	}
	if resp.Record.SecretHash == resp.Secret || resp.Record.SecretHash != HashSecret(resp.Secret) {
		t.Fatal("expected only the hash of the secret to be stored")
	}
	if resp.Record.MonthlyQuota != 10000 {
		t.Fatalf("expected starter quota 10000, got %d", resp.Record.MonthlyQuota)
	}
	if want := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC); !resp.Record.QuotaResetAt.Equal(want) {
		t.Fatalf("expected quota reset %v, got %v", want, resp.Record.QuotaResetAt)
	}

	key, err := service.Validate(context.Background(), resp.Secret)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if key == nil || key.ID != resp.Record.ID {
		t.Fatalf("expected key %s, got %+v", resp.Record.ID, key)
	}
	if key.LastUsedAt == nil || !key.LastUsedAt.Equal(testNow) {
		t.Fatalf("expected lastUsedAt %v, got %v", testNow, key.LastUsedAt)
	}
	stored, _ := repo.Get(context.Background(), key.ID)
	if stored.LastUsedAt == nil {
		t.Fatal("expected lastUsedAt to be persisted")
	}
	if metrics.issued["success"] != 1 || metrics.validations[validationOutcomeAuthorized] != 1 {
		t.Fatalf("unexpected metrics %+v %+v", metrics.issued, metrics.validations)
	}
	if metrics.active != 1 {
		t.Fatalf("expected active gauge 1, got %d", metrics.active)
	}
}

func TestKeyService_CreateRejectsInvalidInput(t *testing.T) {
	service, _, _ := newTestService(NewMemoryRepository())
	past := testNow.Add(-time.Minute)
	zero := int64(0)

	cases := map[string]CreateKeyRequest{
		"missing owner":   {Name: "n", Tier: TierFree, Scopes: []Scope{ScopeRead}},
		"unknown tier":    {OwnerID: "o", Name: "n", Tier: "platinum", Scopes: []Scope{ScopeRead}},
		"no scopes":       {OwnerID: "o", Name: "n", Tier: TierFree},
		"unknown scope":   {OwnerID: "o", Name: "n", Tier: TierFree, Scopes: []Scope{"admin"}},
		"bad origin":      {OwnerID: "o", Name: "n", Tier: TierFree, Scopes: []Scope{ScopeRead}, AllowedOrigins: []string{"example.com"}},
		"zero rate limit": {OwnerID: "o", Name: "n", Tier: TierFree, Scopes: []Scope{ScopeRead}, RateLimit: &RateLimit{}},
		"zero quota":      {OwnerID: "o", Name: "n", Tier: TierFree, Scopes: []Scope{ScopeRead}, MonthlyQuota: &zero},
		"past expiry":     {OwnerID: "o", Name: "n", Tier: TierFree, Scopes: []Scope{ScopeRead}, ExpiresAt: &past},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := service.CreateKey(context.Background(), req); !errors.Is(err, ErrInvalidKeyRequest) {
				t.Fatalf("expected ErrInvalidKeyRequest, got %v", err)
			}
		})
	}
}

func TestKeyService_CreateNormalizesOriginsAndScopes(t *testing.T) {
	service, _, _ := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{
		Scopes:         []Scope{" READ ", ScopeRead, ScopeWrite},
		AllowedOrigins: []string{"https://App.Example.com/path", "*"},
	})
	if len(resp.Record.Scopes) != 2 {
		t.Fatalf("expected deduplicated scopes, got %v", resp.Record.Scopes)
	}
	if resp.Record.AllowedOrigins[0] != "https://app.example.com" || resp.Record.AllowedOrigins[1] != "*" {
		t.Fatalf("unexpected origins %v", resp.Record.AllowedOrigins)
	}
}

func TestKeyService_ValidateUnknownIsCached(t *testing.T) {
	repo := NewMemoryRepository()
	service, _, metrics := newTestService(repo)

	for i := 0; i < 3; i++ {
		key, err := service.Validate(context.Background(), "agk_missing")
		if err != nil || key != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", key, err)
		}
	}
	if repo.SecretLookups() != 1 {
		t.Fatalf("expected a single repository lookup, got %d", repo.SecretLookups())
	}
	if metrics.validations[validationOutcomeUnknown] != 3 {
		t.Fatalf("expected 3 unknown outcomes, got %d", metrics.validations[validationOutcomeUnknown])
	}
}

func TestKeyService_ValidateEmptySecret(t *testing.T) {
	repo := NewMemoryRepository()
	service, _, _ := newTestService(repo)
	key, err := service.Validate(context.Background(), "")
	if key != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", key, err)
	}
	if repo.SecretLookups() != 0 {
		t.Fatal("expected no lookup for an empty secret")
	}
}

func TestKeyService_ValidateExpired(t *testing.T) {
	service, clk, _ := newTestService(NewMemoryRepository())
	expires := testNow.Add(time.Hour)
	resp := createKey(t, service, CreateKeyRequest{ExpiresAt: &expires})

	clk.Set(expires)
	key, err := service.Validate(context.Background(), resp.Secret)
	if err != nil || key != nil {
		t.Fatalf("expected expired key to be rejected, got (%v, %v)", key, err)
	}
}

func TestKeyService_ValidateStoreError(t *testing.T) {
	repo := &failingRepository{MemoryRepository: NewMemoryRepository(), lookupErr: errors.New("backend down")}
	service, _, metrics := newTestService(repo)

	if _, err := service.Validate(context.Background(), "agk_whatever"); err == nil {
		t.Fatal("expected store error to surface")
	}
	if metrics.validations[validationOutcomeError] != 1 {
		t.Fatal("expected error outcome to be counted")
	}
}

func TestKeyService_TouchFailureIsReported(t *testing.T) {
	repo := &failingRepository{MemoryRepository: NewMemoryRepository()}
	recorder := &telemetry.Recorder{}
	service := NewKeyService(repo, discardLogger, newCountingMetrics(), ServiceConfig{
		Clock:    clock.NewManual(testNow),
		Reporter: recorder,
	})
	resp := createKey(t, service, CreateKeyRequest{})

	repo.touchErr = errors.New("write failed")
	key, err := service.Validate(context.Background(), resp.Secret)
	if err != nil || key == nil {
		t.Fatalf("expected admission despite touch failure, got (%v, %v)", key, err)
	}
	failures := recorder.Failures()
	if len(failures) != 1 || failures[0].Op != "api_key_touch" {
		t.Fatalf("expected one api_key_touch failure, got %+v", failures)
	}
}

func TestKeyService_Revoke(t *testing.T) {
	service, _, metrics := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{})

	if _, err := service.Validate(context.Background(), resp.Secret); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	revoked, err := service.Revoke(context.Background(), resp.Record.ID, "operator")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revoked.Status(testNow) != StatusRevoked {
		t.Fatalf("expected revoked status, got %s", revoked.Status(testNow))
	}
	key, err := service.Validate(context.Background(), resp.Secret)
	if err != nil || key != nil {
		t.Fatalf("expected revoked key to be rejected, got (%v, %v)", key, err)
	}
	if metrics.active != 0 {
		t.Fatalf("expected active gauge 0, got %d", metrics.active)
	}
}

func TestKeyService_UpdateReactivateClearsCache(t *testing.T) {
	service, _, _ := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{})
	if _, err := service.Revoke(context.Background(), resp.Record.ID, "op"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	active := true
	tier := TierBusiness
	updated, err := service.Update(context.Background(), resp.Record.ID, UpdateKeyRequest{Active: &active, Tier: &tier})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.MonthlyQuota != 100000 {
		t.Fatalf("expected tier change to reset quota to 100000, got %d", updated.MonthlyQuota)
	}
	key, err := service.Validate(context.Background(), resp.Secret)
	if err != nil || key == nil {
		t.Fatalf("expected reactivated key to validate, got (%v, %v)", key, err)
	}
}

func TestKeyService_UpdateRejectsInvalid(t *testing.T) {
	service, _, _ := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{})

	empty := ""
	if _, err := service.Update(context.Background(), resp.Record.ID, UpdateKeyRequest{Name: &empty}); !errors.Is(err, ErrInvalidKeyRequest) {
		t.Fatalf("expected ErrInvalidKeyRequest, got %v", err)
	}
	if _, err := service.Update(context.Background(), "missing", UpdateKeyRequest{}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyService_DeleteForgetsKey(t *testing.T) {
	repo := NewMemoryRepository()
	service, _, _ := newTestService(repo)
	resp := createKey(t, service, CreateKeyRequest{})

	if err := service.Delete(context.Background(), resp.Record.ID, "op"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(context.Background(), resp.Record.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if key, _ := service.Validate(context.Background(), resp.Secret); key != nil {
		t.Fatal("expected deleted key to be rejected")
	}
}

func TestKeyService_GrantAndPruneOverride(t *testing.T) {
	service, clk, _ := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{})

	boostUntil := testNow.Add(time.Hour)
	rateUntil := testNow.Add(2 * time.Hour)
	key, err := service.GrantOverride(context.Background(), resp.Record.ID, OverrideRequest{
		ExtraRequests:      500,
		ExpiresAt:          &boostUntil,
		RateLimit:          &RateLimit{RequestCount: 100, Period: time.Minute},
		RateLimitExpiresAt: &rateUntil,
	})
	if err != nil {
		t.Fatalf("GrantOverride() error = %v", err)
	}
	if got := key.EffectiveQuota(testNow); got != 1500 {
		t.Fatalf("expected effective quota 1500, got %d", got)
	}

	clk.Set(boostUntil)
	pruned, err := service.PruneOverride(context.Background(), key)
	if err != nil {
		t.Fatalf("PruneOverride() error = %v", err)
	}
	if pruned.ManualOverride == nil || pruned.ManualOverride.ExtraRequests != 0 {
		t.Fatalf("expected quota boost pruned, got %+v", pruned.ManualOverride)
	}
	if pruned.ManualOverride.RateLimitOverride == nil {
		t.Fatal("expected rate override to survive")
	}

	clk.Set(rateUntil)
	pruned, err = service.PruneOverride(context.Background(), pruned)
	if err != nil {
		t.Fatalf("PruneOverride() error = %v", err)
	}
	if pruned.ManualOverride != nil {
		t.Fatalf("expected override removed, got %+v", pruned.ManualOverride)
	}
}

func TestKeyService_GrantOverrideValidation(t *testing.T) {
	service, _, _ := newTestService(NewMemoryRepository())
	resp := createKey(t, service, CreateKeyRequest{})
	past := testNow.Add(-time.Second)

	cases := map[string]OverrideRequest{
		"empty":          {},
		"negative":       {ExtraRequests: -1},
		"past expiry":    {ExtraRequests: 10, ExpiresAt: &past},
		"zero rate":      {RateLimit: &RateLimit{}},
		"past rate time": {RateLimit: &RateLimit{RequestCount: 1, Period: time.Second}, RateLimitExpiresAt: &past},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := service.GrantOverride(context.Background(), resp.Record.ID, req); !errors.Is(err, ErrInvalidKeyRequest) {
				t.Fatalf("expected ErrInvalidKeyRequest, got %v", err)
			}
		})
	}
}

func TestKeyService_CleanupExpired(t *testing.T) {
	repo := NewMemoryRepository()
	service, clk, _ := newTestService(repo)
	expires := testNow.Add(time.Minute)
	createKey(t, service, CreateKeyRequest{Name: "short", ExpiresAt: &expires})
	createKey(t, service, CreateKeyRequest{Name: "long"})

	clk.Step(2 * time.Minute)
	deleted, err := service.CleanupExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	keys, _ := service.List(context.Background(), "owner-1")
	if len(keys) != 1 || keys[0].Name != "long" {
		t.Fatalf("unexpected remaining keys %+v", keys)
	}
}

func TestKeyService_ListByOwner(t *testing.T) {
	service, clk, _ := newTestService(NewMemoryRepository())
	createKey(t, service, CreateKeyRequest{OwnerID: "a"})
	clk.Step(time.Second)
	createKey(t, service, CreateKeyRequest{OwnerID: "a"})
	createKey(t, service, CreateKeyRequest{OwnerID: "b"})

	keys, err := service.List(context.Background(), "a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys for owner a, got %d", len(keys))
	}
	all, _ := service.List(context.Background(), "")
	if len(all) != 3 {
		t.Fatalf("expected 3 keys overall, got %d", len(all))
	}
}

func TestMemoryRepository_RejectsImmutableChange(t *testing.T) {
	repo := NewMemoryRepository()
	if err := repo.Create(context.Background(), APIKey{ID: "k", SecretHash: "h"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := repo.Update(context.Background(), "k", func(k *APIKey) error {
		k.ID = "other"
		return nil
	})
	if !errors.Is(err, ErrImmutableField) {
		t.Fatalf("expected ErrImmutableField, got %v", err)
	}
	stored, _ := repo.Get(context.Background(), "k")
	if stored.ID != "k" {
		t.Fatal("expected stored record unchanged")
	}
}

func TestGenerateBase62Key(t *testing.T) {
	if _, err := generateBase62Key(0); err == nil {
		t.Fatal("expected error for zero length")
	}
	key, err := generateBase62Key(64)
	if err != nil {
		t.Fatalf("generateBase62Key() error = %v", err)
	}
	for _, r := range key {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", r) {
			t.Fatalf("unexpected rune %q", r)
		}
	}
}
