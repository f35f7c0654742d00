package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyExists indicates a key with the same id or secret hash is already stored.
	ErrKeyExists = errors.New("api key already exists")
)

// Mutator edits a key record inside a repository transaction.
type Mutator func(key *APIKey) error

// Repository abstracts the storage operations required for API keys.
type Repository interface {
	Create(ctx context.Context, key APIKey) error
	Get(ctx context.Context, id string) (APIKey, error)
	GetBySecretHash(ctx context.Context, hash string) (APIKey, error)
	List(ctx context.Context, ownerID string) ([]APIKey, error)
	// Update applies fn atomically and returns the stored result.
	Update(ctx context.Context, id string, fn Mutator) (APIKey, error)
	// Touch records a successful validation without a read-modify-write cycle.
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}
