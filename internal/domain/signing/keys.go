// Package signing manages the gateway's Ed25519 signing keypair.
//
// Every interaction record and every capability/override token is signed
// with this key. In staging and production the private key MUST come from
// configuration; in development a keypair is generated and persisted on
// first run (with a warning) so the gateway is usable out of the box.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoKey is returned when no private key is configured in an
// environment that requires one.
var ErrNoKey = errors.New("signing: no private key configured")

// ErrBadKey is returned when key material cannot be parsed.
var ErrBadKey = errors.New("signing: invalid private key material")

// KeyManager holds the gateway keypair and exposes sign/verify.
type KeyManager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Sign signs msg with the gateway private key.
func (k *KeyManager) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pk.
func Verify(msg, sig []byte, pk ed25519.PublicKey) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk, msg, sig)
}

// PublicKey returns the raw public key bytes.
func (k *KeyManager) PublicKey() ed25519.PublicKey {
	return k.pub
}

// PublicKeyB64 returns the base64 (std, padded) public key, as published
// in audit export bundles.
func (k *KeyManager) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

// PublicKeyPEM returns the public key in PKIX PEM form.
func (k *KeyManager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.pub)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Load parses private key material and returns a KeyManager.
//
// Accepted forms: PKCS#8 PEM ("PRIVATE KEY" block), raw 64-byte ed25519
// private key in hex or base64, or a raw 32-byte seed in hex or base64.
func Load(material string) (*KeyManager, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, ErrNoKey
	}

	if strings.Contains(material, "-----BEGIN") {
		block, _ := pem.Decode([]byte(material))
		if block == nil {
			return nil, fmt.Errorf("%w: malformed PEM", ErrBadKey)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		priv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ed25519 key", ErrBadKey)
		}
		return fromPrivate(priv), nil
	}

	raw, err := decodeRaw(material)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return fromPrivate(ed25519.PrivateKey(raw)), nil
	case ed25519.SeedSize:
		return fromPrivate(ed25519.NewKeyFromSeed(raw)), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes (want %d or %d)",
			ErrBadKey, len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// Generate creates a fresh keypair.
func Generate() (*KeyManager, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate keypair: %w", err)
	}
	return fromPrivate(priv), nil
}

// LoadOrGenerate loads the configured key, or in development generates
// one and persists it at devKeyPath for reuse across restarts.
//
// environment semantics: "staging" and "production" require material;
// anything else is treated as development.
func LoadOrGenerate(material, environment, devKeyPath string, logger *slog.Logger) (*KeyManager, error) {
	km, err := Load(material)
	if err == nil {
		return km, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, err
	}

	if environment == "staging" || environment == "production" {
		return nil, fmt.Errorf("%w: GATEWAY_ED25519_PRIVATE_KEY is required in %s", ErrNoKey, environment)
	}

	// Development: reuse a previously generated key if present.
	if devKeyPath != "" {
		if data, readErr := os.ReadFile(devKeyPath); readErr == nil {
			if km, loadErr := Load(string(data)); loadErr == nil {
				logger.Warn("using generated development signing key",
					"path", devKeyPath)
				return km, nil
			}
		}
	}

	km, err = Generate()
	if err != nil {
		return nil, err
	}
	logger.Warn("no signing key configured, generated a development keypair",
		"public_key", km.PublicKeyB64())

	if devKeyPath != "" {
		if err := persistDevKey(km, devKeyPath); err != nil {
			logger.Warn("could not persist development signing key", "error", err)
		}
	}
	return km, nil
}

func persistDevKey(km *KeyManager, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(km.priv)
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, pemBytes, 0o600)
}

func fromPrivate(priv ed25519.PrivateKey) *KeyManager {
	return &KeyManager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func decodeRaw(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: not hex, base64 or PEM", ErrBadKey)
}
