package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "apiKeys"
	maxRetries        = 3
	requestTimeout    = 3 * time.Second
	initialBackoff    = 100 * time.Millisecond
)

type FirestoreRepository struct {
	client     *firestore.Client
	collection string
	tracer     trace.Tracer
}

func NewFirestoreRepository(client *firestore.Client, collection string) *FirestoreRepository {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreRepository{
		client:     client,
		collection: collection,
		tracer:     otel.Tracer("apigate/internal/auth/firestore"),
	}
}

func (r *FirestoreRepository) Create(ctx context.Context, key APIKey) error {
	return r.withRetries(ctx, "CreateAPIKey", func(ctx context.Context) error {
		_, err := r.collectionRef().Doc(key.ID).Create(ctx, encodeAPIKey(key))
		if status.Code(err) == codes.AlreadyExists {
			return ErrKeyExists
		}
		return err
	})
}

func (r *FirestoreRepository) Get(ctx context.Context, id string) (APIKey, error) {
	var result APIKey
	err := r.withRetries(ctx, "GetAPIKey", func(ctx context.Context) error {
		doc, err := r.collectionRef().Doc(id).Get(ctx)
		if status.Code(err) == codes.NotFound {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		result, err = decodeAPIDocument(doc)
		return err
	})
	return result, err
}

func (r *FirestoreRepository) GetBySecretHash(ctx context.Context, hash string) (APIKey, error) {
	var result APIKey
	err := r.withRetries(ctx, "GetAPIKeyBySecretHash", func(ctx context.Context) error {
		iter := r.collectionRef().Where("secret_hash", "==", hash).Limit(1).Documents(ctx)
		defer iter.Stop()
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		result, err = decodeAPIDocument(doc)
		return err
	})
	return result, err
}

func (r *FirestoreRepository) List(ctx context.Context, ownerID string) ([]APIKey, error) {
	var result []APIKey
	err := r.withRetries(ctx, "ListAPIKeys", func(ctx context.Context) error {
		result = result[:0]
		q := r.collectionRef().Query
		if ownerID != "" {
			q = q.Where("owner_id", "==", ownerID)
		}
		iter := q.Documents(ctx)
		defer iter.Stop()
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			record, err := decodeAPIDocument(doc)
			if err != nil {
				return err
			}
			result = append(result, record)
		}
	})
	return result, err
}

func (r *FirestoreRepository) Update(ctx context.Context, id string, fn Mutator) (APIKey, error) {
	var result APIKey
	err := r.withRetries(ctx, "UpdateAPIKey", func(ctx context.Context) error {
		doc := r.collectionRef().Doc(id)
		return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(doc)
			if status.Code(err) == codes.NotFound {
				return ErrKeyNotFound
			}
			if err != nil {
				return err
			}
			record, err := decodeAPIDocument(snap)
			if err != nil {
				return err
			}
			if err := applyMutator(&record, fn); err != nil {
				return err
			}
			if err := tx.Set(doc, encodeAPIKey(record)); err != nil {
				return err
			}
			result = record
			return nil
		}, firestore.MaxAttempts(5))
	})
	return result, err
}

func (r *FirestoreRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.withRetries(ctx, "TouchAPIKey", func(ctx context.Context) error {
		_, err := r.collectionRef().Doc(id).Update(ctx, []firestore.Update{{Path: "last_used_at", Value: at}})
		if status.Code(err) == codes.NotFound {
			return ErrKeyNotFound
		}
		return err
	})
}

func (r *FirestoreRepository) Delete(ctx context.Context, id string) error {
	return r.withRetries(ctx, "DeleteAPIKey", func(ctx context.Context) error {
		_, err := r.collectionRef().Doc(id).Delete(ctx)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	})
}

func (r *FirestoreRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	var deleted int
	err := r.withRetries(ctx, "DeleteExpiredAPIKeys", func(ctx context.Context) error {
		deleted = 0
		q := r.collectionRef().Where("expires_at", "<=", now).Limit(limit)
		iter := q.Documents(ctx)
		defer iter.Stop()

		batch := r.client.Batch()
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return err
			}
			batch.Delete(doc.Ref)
			deleted++
		}
		if deleted == 0 {
			return nil
		}
		_, err := batch.Commit(ctx)
		return err
	})
	return deleted, err
}

func (r *FirestoreRepository) CountActive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := r.withRetries(ctx, "CountActiveAPIKeys", func(ctx context.Context) error {
		count = 0
		iter := r.collectionRef().Where("active", "==", true).Documents(ctx)
		defer iter.Stop()
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return err
			}
			record, err := decodeAPIDocument(doc)
			if err != nil {
				return err
			}
			if !record.IsExpired(now) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (r *FirestoreRepository) collectionRef() *firestore.CollectionRef {
	return r.client.Collection(r.collection)
}

func (r *FirestoreRepository) withRetries(ctx context.Context, spanName string, fn func(context.Context) error) error {
	var err error
	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		spanCtx, span := r.tracer.Start(attemptCtx, spanName)
		err = fn(spanCtx)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		cancel()
		if err == nil || isNonRetryableError(err) || attempt == maxRetries-1 {
			return unwrapMutatorError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return unwrapMutatorError(err)
}

// mutatorError marks a caller rejection inside a transaction so it is not retried.
type mutatorError struct{ err error }

func (e *mutatorError) Error() string { return e.err.Error() }
func (e *mutatorError) Unwrap() error { return e.err }

func applyMutator(record *APIKey, fn Mutator) error {
	id, hash := record.ID, record.SecretHash
	if err := fn(record); err != nil {
		return &mutatorError{err: err}
	}
	if record.ID != id || record.SecretHash != hash {
		return &mutatorError{err: ErrImmutableField}
	}
	return nil
}

func unwrapMutatorError(err error) error {
	var me *mutatorError
	if errors.As(err, &me) {
		return me.err
	}
	return err
}

type rateLimitDoc struct {
	RequestCount  int   `firestore:"request_count"`
	PeriodSeconds int64 `firestore:"period_seconds"`
}

type overrideDoc struct {
	ExtraRequests              int64         `firestore:"extra_requests"`
	ExpiresAt                  *time.Time    `firestore:"expires_at"`
	RateLimitOverride          *rateLimitDoc `firestore:"rate_limit_override"`
	RateLimitOverrideExpiresAt *time.Time    `firestore:"rate_limit_override_expires_at"`
}

type apiKeyDoc struct {
	SecretHash       string        `firestore:"secret_hash"`
	OwnerID          string        `firestore:"owner_id"`
	Name             string        `firestore:"name"`
	Description      string        `firestore:"description"`
	Scopes           []string      `firestore:"scopes"`
	AllowedOrigins   []string      `firestore:"allowed_origins"`
	Tier             string        `firestore:"tier"`
	RateLimit        *rateLimitDoc `firestore:"rate_limit"`
	MonthlyQuota     int64         `firestore:"monthly_quota"`
	MonthlyQuotaUsed int64         `firestore:"monthly_quota_used"`
	QuotaResetAt     time.Time     `firestore:"quota_reset_at"`
	ManualOverride   *overrideDoc  `firestore:"manual_override"`
	Active           bool          `firestore:"active"`
	ExpiresAt        *time.Time    `firestore:"expires_at"`
	CreatedAt        time.Time     `firestore:"created_at"`
	LastUsedAt       *time.Time    `firestore:"last_used_at"`
}

func decodeAPIDocument(doc *firestore.DocumentSnapshot) (APIKey, error) {
	var payload apiKeyDoc
	if err := doc.DataTo(&payload); err != nil {
		return APIKey{}, fmt.Errorf("decode api key document: %w", err)
	}
	scopes := make([]Scope, 0, len(payload.Scopes))
	for _, s := range payload.Scopes {
		scopes = append(scopes, Scope(s))
	}
	record := APIKey{
		ID:               doc.Ref.ID,
		SecretHash:       payload.SecretHash,
		OwnerID:          payload.OwnerID,
		Name:             payload.Name,
		Description:      payload.Description,
		Scopes:           scopes,
		AllowedOrigins:   payload.AllowedOrigins,
		Tier:             Tier(payload.Tier),
		RateLimit:        decodeRateLimit(payload.RateLimit),
		MonthlyQuota:     payload.MonthlyQuota,
		MonthlyQuotaUsed: payload.MonthlyQuotaUsed,
		QuotaResetAt:     payload.QuotaResetAt,
		Active:           payload.Active,
		ExpiresAt:        payload.ExpiresAt,
		CreatedAt:        payload.CreatedAt,
		LastUsedAt:       payload.LastUsedAt,
	}
	if o := payload.ManualOverride; o != nil {
		record.ManualOverride = &ManualOverride{
			ExtraRequests:              o.ExtraRequests,
			ExpiresAt:                  o.ExpiresAt,
			RateLimitOverride:          decodeRateLimit(o.RateLimitOverride),
			RateLimitOverrideExpiresAt: o.RateLimitOverrideExpiresAt,
		}
	}
	return record, nil
}

func decodeRateLimit(d *rateLimitDoc) *RateLimit {
	if d == nil {
		return nil
	}
	return &RateLimit{RequestCount: d.RequestCount, Period: time.Duration(d.PeriodSeconds) * time.Second}
}

func encodeRateLimit(rl *RateLimit) *rateLimitDoc {
	if rl == nil {
		return nil
	}
	return &rateLimitDoc{RequestCount: rl.RequestCount, PeriodSeconds: int64(rl.Period / time.Second)}
}

func isNonRetryableError(err error) bool {
	var me *mutatorError
	if errors.As(err, &me) {
		return true
	}
	switch status.Code(err) {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.AlreadyExists:
		return true
	default:
		return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrKeyExists)
	}
}

func encodeAPIKey(record APIKey) apiKeyDoc {
	scopes := make([]string, 0, len(record.Scopes))
	for _, s := range record.Scopes {
		scopes = append(scopes, string(s))
	}
	doc := apiKeyDoc{
		SecretHash:       record.SecretHash,
		OwnerID:          record.OwnerID,
		Name:             record.Name,
		Description:      record.Description,
		Scopes:           scopes,
		AllowedOrigins:   record.AllowedOrigins,
		Tier:             string(record.Tier),
		RateLimit:        encodeRateLimit(record.RateLimit),
		MonthlyQuota:     record.MonthlyQuota,
		MonthlyQuotaUsed: record.MonthlyQuotaUsed,
		QuotaResetAt:     record.QuotaResetAt,
		Active:           record.Active,
		ExpiresAt:        record.ExpiresAt,
		CreatedAt:        record.CreatedAt,
		LastUsedAt:       record.LastUsedAt,
	}
	if o := record.ManualOverride; o != nil {
		doc.ManualOverride = &overrideDoc{
			ExtraRequests:              o.ExtraRequests,
			ExpiresAt:                  o.ExpiresAt,
			RateLimitOverride:          encodeRateLimit(o.RateLimitOverride),
			RateLimitOverrideExpiresAt: o.RateLimitOverrideExpiresAt,
		}
	}
	return doc
}
