// Package vault encrypts tenant secrets at rest with AES-256-GCM.
// Plaintext never reaches persistence, audit records or logs.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/aegis-gate/aegisgate/internal/domain/connector"
)

var (
	// ErrKeyTooShort rejects encryption key material under 32 bytes.
	ErrKeyTooShort = errors.New("vault: encryption key must be at least 32 bytes")
	// ErrNotFound means no secret is stored under (org, key).
	ErrNotFound = errors.New("vault: secret not found")
	// ErrCorrupt means a ciphertext failed authentication.
	ErrCorrupt = errors.New("vault: ciphertext failed authentication")
)

// Store persists ciphertexts only.
type Store interface {
	Put(ctx context.Context, orgID, key string, ciphertext []byte) error
	// Get returns ErrNotFound when the slot is empty.
	Get(ctx context.Context, orgID, key string) ([]byte, error)
	Delete(ctx context.Context, orgID, key string) error
	List(ctx context.Context, orgID string) ([]string, error)
}

// Vault seals and opens secrets. The ciphertext is bound to its
// (org, key) slot via AEAD associated data, so a row copied between
// slots fails to decrypt.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

var _ connector.SecretResolver = (*Vault)(nil)

// New derives an AES-256 key from material (which must be at least 32
// bytes) and returns a Vault over store.
func New(material []byte, store Store) (*Vault, error) {
	if len(material) < 32 {
		return nil, ErrKeyTooShort
	}
	key := sha256.Sum256(material)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init GCM: %w", err)
	}
	return &Vault{aead: aead, store: store}, nil
}

// Put seals plaintext and stores it under (orgID, key).
func (v *Vault) Put(ctx context.Context, orgID, key, plaintext string) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), aad(orgID, key))
	if err := v.store.Put(ctx, orgID, key, sealed); err != nil {
		return fmt.Errorf("vault: store secret: %w", err)
	}
	return nil
}

// Get opens the secret stored under (orgID, key).
func (v *Vault) Get(ctx context.Context, orgID, key string) (string, error) {
	sealed, err := v.store.Get(ctx, orgID, key)
	if err != nil {
		return "", err
	}
	if len(sealed) < v.aead.NonceSize() {
		return "", ErrCorrupt
	}
	nonce, ct := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ct, aad(orgID, key))
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plaintext), nil
}

// Delete removes the secret under (orgID, key).
func (v *Vault) Delete(ctx context.Context, orgID, key string) error {
	return v.store.Delete(ctx, orgID, key)
}

// List returns the secret keys stored for an org. Values are never
// listed.
func (v *Vault) List(ctx context.Context, orgID string) ([]string, error) {
	return v.store.List(ctx, orgID)
}

// Resolve satisfies the connector secret-resolution port.
func (v *Vault) Resolve(ctx context.Context, orgID, key string) (string, error) {
	return v.Get(ctx, orgID, key)
}

func aad(orgID, key string) []byte {
	return []byte(orgID + "/" + key)
}
