package auth

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound means no key row matches the presented hash.
	ErrKeyNotFound = errors.New("auth: api key not found")
	// ErrIdentityNotFound means a key points at a missing identity.
	ErrIdentityNotFound = errors.New("auth: identity not found")
)

// Store provides credential lookup. Implementations: in-memory for
// development seeds, sqlite for persistence.
type Store interface {
	// GetKey retrieves a key by its SHA-256 hash (fast path).
	GetKey(ctx context.Context, hash string) (*Key, error)
	// ListKeys returns every key, for Argon2id verification which
	// cannot be looked up by hash.
	ListKeys(ctx context.Context) ([]*Key, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
}
