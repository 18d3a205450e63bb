// Package manifest defines the policy manifest model and the
// normalisation that maps both accepted authoring schemas onto one
// in-memory shape.
package manifest

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no ACTIVE manifest exists for the
// requested (org_id, uapk_id). PENDING and INACTIVE rows never satisfy
// a lookup.
var ErrNotFound = errors.New("manifest: no active manifest")

// Status is the manifest lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Manifest is one signed policy artefact for an agent type. At most one
// ACTIVE manifest exists per (org_id, uapk_id); activation of a
// successor demotes the incumbent in the same transaction.
type Manifest struct {
	OrgID   string
	UAPKID  string
	Version int
	Status  Status
	Content Content
	// ContentHash is the hex SHA-256 of the canonical content, computed
	// once on load. It is carried into every interaction record as the
	// policy version.
	ContentHash string
	CreatedAt   time.Time
}

// Content is the parsed manifest body.
type Content struct {
	Policy PolicyConfig          `json:"policy"`
	Tools  map[string]ToolConfig `json:"tools"`
}

// PolicyConfig is the normalised policy shape the engine consumes.
// Authoring may use either naming convention (see Normalize); the
// engine only ever sees this one.
type PolicyConfig struct {
	AllowedActionTypes   []string           `json:"allowed_action_types,omitempty"`
	AllowedTools         []string           `json:"allowed_tools,omitempty"`
	DeniedTools          []string           `json:"denied_tools,omitempty"`
	AllowedJurisdictions []string           `json:"allowed_jurisdictions,omitempty"`
	Counterparty         CounterpartyLists  `json:"counterparty,omitempty"`
	AmountCaps           *AmountCaps        `json:"amount_caps,omitempty"`
	ApprovalThresholds   *ApprovalThreshold `json:"approval_thresholds,omitempty"`
	Budgets              Budgets            `json:"budgets,omitempty"`
	RequireCapability    bool               `json:"require_capability_token,omitempty"`
	// Conditions are CEL expressions evaluated against the action; any
	// expression that does not evaluate to true denies the action.
	Conditions []string `json:"conditions,omitempty"`
}

// CounterpartyLists holds counterparty allow/deny lists. Entries match
// against counterparty id, email or domain.
type CounterpartyLists struct {
	Allowlist []string `json:"allowlist,omitempty"`
	Denylist  []string `json:"denylist,omitempty"`
}

// AmountCaps bounds monetary amounts.
type AmountCaps struct {
	MaxAmount     *float64 `json:"max_amount,omitempty"`
	EscalateAbove *float64 `json:"escalate_above,omitempty"`
	// ParamPaths are dot paths into action params to probe for an
	// amount when action.amount is absent.
	ParamPaths    []string `json:"param_paths,omitempty"`
	CurrencyField string   `json:"currency_field,omitempty"`
}

// ApprovalThreshold triggers ESCALATE when any of its criteria match.
type ApprovalThreshold struct {
	Amount      *float64 `json:"amount,omitempty"`
	ActionTypes []string `json:"action_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// Budgets holds per-day action quotas.
type Budgets struct {
	DailyCap int `json:"daily_cap,omitempty"`
}

// ToolConfig describes one invokable tool and its connector binding.
type ToolConfig struct {
	Type             string            `json:"type" validate:"required,oneof=mock http webhook"`
	URL              string            `json:"url,omitempty"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	AllowedDomains   []string          `json:"allowed_domains,omitempty"`
	TimeoutMS        int               `json:"timeout_ms,omitempty"`
	MaxResponseBytes int64             `json:"max_response_bytes,omitempty"`
	SecretRefs       []string          `json:"secret_refs,omitempty"`
	// MockResponse is returned verbatim by the mock connector.
	MockResponse map[string]any `json:"mock_response,omitempty"`
	// MockFail makes the mock connector report a failure.
	MockFail bool `json:"mock_fail,omitempty"`
}

// Store reads manifests. The gateway never writes them; an external
// admin surface owns the write side.
type Store interface {
	// GetActive returns the single ACTIVE manifest for (orgID, uapkID),
	// or ErrNotFound.
	GetActive(ctx context.Context, orgID, uapkID string) (*Manifest, error)
}
