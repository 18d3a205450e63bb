package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey covers every rejection: unknown, expired or revoked
// keys all look the same to the caller.
var ErrInvalidKey = errors.New("auth: invalid api key")

// OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Service authenticates raw API keys against the store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Authenticate resolves a raw API key to its identity, or
// ErrInvalidKey. SHA-256 hashes get a direct lookup; Argon2id hashes
// require iterating stored keys.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}

	if key, err := s.store.GetKey(ctx, HashKey(rawKey)); err == nil {
		return s.resolve(ctx, key)
	}

	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return nil, ErrInvalidKey
	}
	for _, key := range keys {
		if !strings.HasPrefix(key.Hash, "$argon2id$") {
			continue
		}
		match, verifyErr := argon2id.ComparePasswordAndHash(rawKey, key.Hash)
		if verifyErr != nil || !match {
			continue
		}
		return s.resolve(ctx, key)
	}
	return nil, ErrInvalidKey
}

func (s *Service) resolve(ctx context.Context, key *Key) (*Identity, error) {
	if key.Revoked || key.Expired(s.now().UTC()) {
		return nil, ErrInvalidKey
	}
	identity, err := s.store.GetIdentity(ctx, key.IdentityID)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return identity, nil
}

// HashKey returns the SHA-256 hex digest of a raw key. Used for agent
// keys where constant-time lookup matters more than slow hashing.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id PHC hash for operator keys.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}
