// Package token implements the gateway's Ed25519-signed credential
// formats: capability tokens (delegation) and override tokens
// (approval-bound, one use).
package token

import "time"

// Type discriminates the two credential kinds. The type appears both in
// the header ("typ") and the payload ("token_type"); a verifier checks
// both so a capability token can never be accepted where an override
// token is expected, and vice versa.
type Type string

const (
	// TypeCapability is a delegation credential: "this agent may perform
	// these action types / tools until exp".
	TypeCapability Type = "capability"
	// TypeOverride is an approval-bound credential: "this exact action,
	// pre-approved, one use".
	TypeOverride Type = "override"
)

// headerTyp maps a Type to the compact header "typ" value.
func (t Type) headerTyp() string {
	switch t {
	case TypeCapability:
		return "CAP"
	case TypeOverride:
		return "OVR"
	}
	return ""
}

// DefaultOverrideTTL is how long an issued override token stays valid.
const DefaultOverrideTTL = 5 * time.Minute

// MaxCapabilityTTL bounds issuer-chosen capability lifetimes.
const MaxCapabilityTTL = time.Hour

// header is the first token segment.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// CapabilityClaims is the payload of a capability token.
type CapabilityClaims struct {
	TokenType          Type           `json:"token_type"`
	Issuer             string         `json:"iss"`
	Subject            string         `json:"sub"` // agent id
	OrgID              string         `json:"org_id"`
	UAPKID             string         `json:"uapk_id"`
	AllowedActionTypes []string       `json:"allowed_action_types,omitempty"`
	AllowedTools       []string       `json:"allowed_tools,omitempty"`
	Constraints        map[string]any `json:"constraints,omitempty"`
	NotBefore          int64          `json:"nbf"`
	Expiry             int64          `json:"exp"`
	JTI                string         `json:"jti"`
}

// OverrideClaims is the payload of an override token. ActionHash and
// ApprovalID are mandatory: an override token with either missing is
// malformed, and a capability token carrying them is rejected.
type OverrideClaims struct {
	TokenType  Type   `json:"token_type"`
	ApprovalID string `json:"approval_id"`
	ActionHash string `json:"action_hash"`
	IssuedAt   int64  `json:"iat"`
	Expiry     int64  `json:"exp"`
	JTI        string `json:"jti"`
}
