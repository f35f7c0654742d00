package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

func TestFirestoreRepositoryLifecycle(t *testing.T) {
	emulator := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore integration test")
	}

	projectID := os.Getenv("FIRESTORE_PROJECT_ID")
	if projectID == "" {
		projectID = "test-project"
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		t.Fatalf("firestore.NewClient: %v", err)
	}
	defer client.Close()

	repo := NewFirestoreRepository(client, "integrationKeys")

	secret, err := generateSecret(16)
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	record := APIKey{
		ID:           uuid.NewString(),
		SecretHash:   HashSecret(secret),
		OwnerID:      "integration-owner",
		Name:         "integration",
		Scopes:       []Scope{ScopeRead},
		Tier:         TierFree,
		RateLimit:    &RateLimit{RequestCount: 5, Period: time.Minute},
		MonthlyQuota: 1000,
		QuotaResetAt: NextQuotaReset(now),
		Active:       true,
		CreatedAt:    now,
	}

	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Delete(context.Background(), record.ID)
	})

	stored, err := repo.GetBySecretHash(ctx, record.SecretHash)
	if err != nil {
		t.Fatalf("GetBySecretHash: %v", err)
	}
	if stored.ID != record.ID {
		t.Fatalf("expected id %s, got %s", record.ID, stored.ID)
	}
	if stored.RateLimit == nil || stored.RateLimit.Period != time.Minute {
		t.Fatalf("expected rate limit to round-trip, got %+v", stored.RateLimit)
	}

	updated, err := repo.Update(ctx, record.ID, func(k *APIKey) error {
		k.MonthlyQuotaUsed++
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.MonthlyQuotaUsed != 1 {
		t.Fatalf("expected quota used 1, got %d", updated.MonthlyQuotaUsed)
	}

	if _, err := repo.Update(ctx, record.ID, func(k *APIKey) error {
		k.SecretHash = "other"
		return nil
	}); err == nil {
		t.Fatal("expected secret hash change to be rejected")
	}

	expiresAt := now.Add(-time.Hour)
	expired := record
	expired.ID = uuid.NewString()
	expired.SecretHash = record.SecretHash + "-expired"
	expired.ExpiresAt = &expiresAt
	if err := repo.Create(ctx, expired); err != nil {
		t.Fatalf("Create expired: %v", err)
	}

	deleted, err := repo.DeleteExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted == 0 {
		t.Fatal("expected expired key to be deleted")
	}
}
