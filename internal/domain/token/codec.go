package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-gate/aegisgate/internal/domain/signing"
)

// Sentinel errors, matched with errors.Is by callers that map them onto
// API error codes.
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrNotYetValid      = errors.New("token: not yet valid")
	ErrWrongType        = errors.New("token: wrong token type")
)

const issuer = "aegis-gate"

// Codec signs and verifies capability and override tokens with the
// gateway keypair. The wire form is three base64url (unpadded) segments
// "header.payload.signature"; the signature covers the literal bytes
// "header.payload".
type Codec struct {
	keys *signing.KeyManager
	now  func() time.Time
}

// NewCodec returns a Codec bound to the gateway keypair.
func NewCodec(keys *signing.KeyManager) *Codec {
	return &Codec{keys: keys, now: time.Now}
}

// IssueCapability signs a capability token for the given agent. ttl is
// clamped to MaxCapabilityTTL; zero or negative ttl gets the maximum.
func (c *Codec) IssueCapability(claims CapabilityClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxCapabilityTTL {
		ttl = MaxCapabilityTTL
	}
	now := c.now()
	claims.TokenType = TypeCapability
	claims.Issuer = issuer
	claims.NotBefore = now.Unix()
	claims.Expiry = now.Add(ttl).Unix()
	if claims.JTI == "" {
		claims.JTI = uuid.NewString()
	}
	return c.sign(TypeCapability, claims)
}

// IssueOverride signs an override token binding approvalID to
// actionHash. The token is short-lived: DefaultOverrideTTL unless a
// positive ttl is given.
func (c *Codec) IssueOverride(approvalID, actionHash string, ttl time.Duration) (string, error) {
	if approvalID == "" || actionHash == "" {
		return "", fmt.Errorf("%w: approval id and action hash are required", ErrMalformed)
	}
	if ttl <= 0 {
		ttl = DefaultOverrideTTL
	}
	now := c.now()
	claims := OverrideClaims{
		TokenType:  TypeOverride,
		ApprovalID: approvalID,
		ActionHash: actionHash,
		IssuedAt:   now.Unix(),
		Expiry:     now.Add(ttl).Unix(),
		JTI:        uuid.NewString(),
	}
	return c.sign(TypeOverride, claims)
}

func (c *Codec) sign(typ Type, claims any) (string, error) {
	headerJSON, err := json.Marshal(header{Alg: "EdDSA", Typ: typ.headerTyp()})
	if err != nil {
		return "", fmt.Errorf("token: marshal header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}

	signingInput := b64(headerJSON) + "." + b64(payloadJSON)
	sig := c.keys.Sign([]byte(signingInput))
	return signingInput + "." + b64(sig), nil
}

// VerifyCapability verifies tok as a capability token and returns its
// claims.
func (c *Codec) VerifyCapability(tok string) (*CapabilityClaims, error) {
	payload, err := c.verify(tok, TypeCapability)
	if err != nil {
		return nil, err
	}

	var claims CapabilityClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.TokenType != TypeCapability {
		return nil, fmt.Errorf("%w: payload token_type %q", ErrWrongType, claims.TokenType)
	}
	// Override fields smuggled into a capability payload indicate a
	// forged or confused token.
	var probe struct {
		ActionHash string `json:"action_hash"`
		ApprovalID string `json:"approval_id"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil &&
		(probe.ActionHash != "" || probe.ApprovalID != "") {
		return nil, fmt.Errorf("%w: capability token carries override fields", ErrMalformed)
	}
	if err := c.checkValidity(claims.NotBefore, claims.Expiry); err != nil {
		return nil, err
	}
	return &claims, nil
}

// VerifyOverride verifies tok as an override token and returns its
// claims. ActionHash and ApprovalID are guaranteed non-empty on
// success; whether the hash matches the submitted action is the policy
// engine's check, not the codec's.
func (c *Codec) VerifyOverride(tok string) (*OverrideClaims, error) {
	payload, err := c.verify(tok, TypeOverride)
	if err != nil {
		return nil, err
	}

	var claims OverrideClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.TokenType != TypeOverride {
		return nil, fmt.Errorf("%w: payload token_type %q", ErrWrongType, claims.TokenType)
	}
	if claims.ActionHash == "" || claims.ApprovalID == "" {
		return nil, fmt.Errorf("%w: override token missing action_hash or approval_id", ErrMalformed)
	}
	if err := c.checkValidity(claims.IssuedAt, claims.Expiry); err != nil {
		return nil, err
	}
	return &claims, nil
}

// verify checks structure, header and signature, returning the decoded
// payload bytes. Signature verification happens before any payload
// interpretation.
func (c *Codec) verify(tok string, expected Type) ([]byte, error) {
	tok = strings.TrimSpace(tok)
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformed, len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if h.Alg != "EdDSA" {
		return nil, fmt.Errorf("%w: alg %q", ErrMalformed, h.Alg)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	signingInput := parts[0] + "." + parts[1]
	if !signing.Verify([]byte(signingInput), sig, c.keys.PublicKey()) {
		return nil, ErrInvalidSignature
	}

	if h.Typ != expected.headerTyp() {
		return nil, fmt.Errorf("%w: header typ %q, want %q", ErrWrongType, h.Typ, expected.headerTyp())
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return payload, nil
}

// checkValidity enforces nbf <= now < exp with zero clock skew.
func (c *Codec) checkValidity(nbf, exp int64) error {
	now := c.now().Unix()
	if nbf > 0 && now < nbf {
		return ErrNotYetValid
	}
	if exp > 0 && now >= exp {
		return ErrExpired
	}
	return nil
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
