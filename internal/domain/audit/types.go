// Package audit implements the hash-chained, Ed25519-signed interaction
// log.
package audit

import (
	"context"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/policy"
)

// Result captures what happened when a tool was invoked.
type Result struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      *ResultError   `json:"error,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ResultError describes a failed tool invocation.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is one entry of a per-(org_id, uapk_id) hash chain. The three
// derived fields (PreviousRecordHash, RecordHash, GatewaySignature) are
// filled by the Appender; everything else is the draft.
type Record struct {
	RecordID      string               `json:"record_id"`
	OrgID         string               `json:"org_id"`
	UAPKID        string               `json:"uapk_id"`
	AgentID       string               `json:"agent_id"`
	Action        action.Action        `json:"action"`
	RequestHash   string               `json:"request_hash"`
	Context       map[string]any       `json:"context,omitempty"`
	Decision      policy.Kind          `json:"decision"`
	Reasons       []policy.Reason      `json:"reasons"`
	PolicyTrace   []policy.TraceEntry  `json:"policy_trace"`
	PolicyVersion string               `json:"policy_version"`
	ApprovalID    string               `json:"approval_id,omitempty"`
	Executed      bool                 `json:"executed"`
	Result        *Result              `json:"result,omitempty"`
	// PreviousRecordHash is hex; GenesisHash for the first entry.
	PreviousRecordHash string    `json:"previous_record_hash"`
	RecordHash         string    `json:"record_hash"`
	GatewaySignature   string    `json:"gateway_signature"`
	CreatedAt          time.Time `json:"created_at"`
}

// ListFilter narrows record queries.
type ListFilter struct {
	UAPKID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Store persists interaction records. Insert order within a chain is
// the chain order; the Appender serialises writers per chain.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	// LastHash returns the newest record_hash on the chain, or "" when
	// the chain is empty.
	LastHash(ctx context.Context, orgID, uapkID string) (string, error)
	List(ctx context.Context, orgID string, f ListFilter) ([]*Record, error)
	// ListChain returns one chain's records in insertion order.
	ListChain(ctx context.Context, orgID, uapkID string) ([]*Record, error)
	// Chains returns the uapk_ids that have at least one record.
	Chains(ctx context.Context, orgID string) ([]string, error)
}
