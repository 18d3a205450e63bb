// Package auth contains the identity model and API key verification.
package auth

import "time"

// Role scopes what an authenticated principal may do.
type Role string

const (
	// RoleAgent may call evaluate and execute for its own org.
	RoleAgent Role = "agent"
	// RoleOperator may additionally decide approvals.
	RoleOperator Role = "operator"
	// RoleViewer may read interaction records and run chain audits.
	RoleViewer Role = "viewer"
	// RoleAdmin has every permission.
	RoleAdmin Role = "admin"
)

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleAgent, RoleOperator, RoleViewer, RoleAdmin:
		return true
	}
	return false
}

// Identity is an authenticated principal. The gateway resolves it once
// per request and passes it explicitly; there is no implicit default
// org anywhere downstream.
type Identity struct {
	ID    string
	Name  string
	OrgID string
	// AgentID is set for agent principals and names the agent in
	// approvals and interaction records.
	AgentID string
	Roles   []Role
}

// HasRole reports whether the identity holds role. Admin implies
// everything.
func (i *Identity) HasRole(role Role) bool {
	for _, r := range i.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Key is a stored API key credential. The raw key is never persisted;
// Hash is either a SHA-256 hex digest (agent keys, fast lookup) or an
// Argon2id PHC string (operator keys).
type Key struct {
	Hash       string
	IdentityID string
	Name       string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Revoked    bool
}

// Expired reports whether the key is past its expiry. Nil ExpiresAt
// never expires.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
