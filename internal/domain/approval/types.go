// Package approval models the human-in-the-loop lifecycle for escalated
// actions.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
)

var (
	// ErrNotFound means no approval exists with the given id.
	ErrNotFound = errors.New("approval: not found")
	// ErrInvalidTransition means the approval is not in a state that
	// permits the requested transition (e.g. approving a DENIED one).
	ErrInvalidTransition = errors.New("approval: invalid status transition")
)

// Status is the approval lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
)

// DefaultTTL is how long a pending approval stays actionable.
const DefaultTTL = 24 * time.Hour

// Approval is one escalated action awaiting (or past) a human decision.
// ActionHash is immutable and always equals the hash of Action.
type Approval struct {
	ID         string        `json:"approval_id"`
	OrgID      string        `json:"org_id"`
	UAPKID     string        `json:"uapk_id"`
	AgentID    string        `json:"agent_id"`
	Action     action.Action `json:"action"`
	ActionHash string        `json:"action_hash"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
	DecidedBy  string        `json:"decided_by,omitempty"`
	// ConsumedAt flips non-nil exactly once, when an override token
	// minted from this approval is spent on an execute.
	ConsumedAt            *time.Time `json:"consumed_at,omitempty"`
	ConsumedInteractionID string     `json:"consumed_interaction_id,omitempty"`
	// OverrideTokenHash is the SHA-256 of the issued override token,
	// stored at the APPROVED transition for audit correlation. The
	// token itself is never persisted.
	OverrideTokenHash string `json:"override_token_hash,omitempty"`
}

// Consumable reports whether an override bound to this approval could
// still be spent at time now. The database conditional update is the
// authoritative guard; this is the read-side check the policy engine
// uses to produce a precise denial reason.
func (a *Approval) Consumable(now time.Time) bool {
	return a.Status == StatusApproved && a.ConsumedAt == nil && now.Before(a.ExpiresAt)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists approvals. ConsumeIfValid is the only operation with
// hard atomicity requirements; see its comment.
type Store interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, orgID, id string) (*Approval, error)
	// GetPendingByActionHash finds an existing PENDING approval for the
	// same action, so repeated escalations of one action reuse a single
	// approval instead of minting duplicates.
	GetPendingByActionHash(ctx context.Context, orgID, uapkID, agentID, actionHash string) (*Approval, error)
	// List returns approvals for an org, newest first. Implementations
	// lazily mark expired PENDING rows as EXPIRED before filtering.
	List(ctx context.Context, orgID string, f ListFilter) ([]*Approval, error)
	// MarkDecided transitions PENDING to APPROVED or DENIED. Any other
	// transition fails with ErrInvalidTransition. For APPROVED,
	// overrideTokenHash records the issued token's hash.
	MarkDecided(ctx context.Context, orgID, id string, status Status, decidedBy, overrideTokenHash string) (*Approval, error)
	// ConsumeIfValid atomically marks the approval consumed iff it is
	// APPROVED, unconsumed and unexpired: a single conditional UPDATE
	// whose affected-row count decides the outcome. Returns true iff
	// exactly one row changed. This is the sole replay guard.
	ConsumeIfValid(ctx context.Context, id, interactionID string) (bool, error)
}
