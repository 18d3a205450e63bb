// Package policy implements the gateway decision pipeline.
package policy

import (
	"context"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// Kind is the outcome of an evaluation.
type Kind string

const (
	Allow    Kind = "ALLOW"
	Deny     Kind = "DENY"
	Escalate Kind = "ESCALATE"
)

// Reason codes appearing in decisions and interaction records.
const (
	CodeManifestNotFound    = "MANIFEST_NOT_FOUND"
	CodeToolNotConfigured   = "TOOL_NOT_CONFIGURED"
	CodeCapabilityRequired  = "CAPABILITY_REQUIRED"
	CodeCapabilityInvalid   = "CAPABILITY_TOKEN_INVALID"
	CodeCapabilityExpired   = "CAPABILITY_TOKEN_EXPIRED"
	CodeOverrideInvalid     = "OVERRIDE_TOKEN_INVALID"
	CodeOverrideExpired     = "OVERRIDE_TOKEN_EXPIRED"
	CodeOverrideUsed        = "OVERRIDE_TOKEN_ALREADY_USED"
	CodeOverrideMismatch    = "OVERRIDE_TOKEN_ACTION_MISMATCH"
	CodeOverrideWrongAgent  = "OVERRIDE_TOKEN_WRONG_IDENTITY"
	CodeOverrideAccepted    = "OVERRIDE_TOKEN_ACCEPTED"
	CodeActionTypeDenied    = "ACTION_TYPE_DENIED"
	CodeToolNotAllowed      = "TOOL_NOT_ALLOWED"
	CodeAmountCapExceeded   = "AMOUNT_CAP_EXCEEDED"
	CodeApprovalRequired    = "APPROVAL_REQUIRED"
	CodeJurisdictionDenied  = "JURISDICTION_DENIED"
	CodeCounterpartyDenied  = "COUNTERPARTY_DENIED"
	CodeConditionFailed     = "CONDITION_FAILED"
	CodeBudgetExceeded      = "BUDGET_EXCEEDED"
	CodeBudgetNearLimit     = "BUDGET_NEAR_LIMIT"
)

// Reason is one explanation attached to a decision.
type Reason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// TraceEntry records what one pipeline stage concluded.
type TraceEntry struct {
	Stage  string `json:"stage"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// Context is everything the pipeline needs about one request.
type Context struct {
	OrgID        string
	UAPKID       string
	AgentID      string
	Action       action.Action
	Counterparty *action.Counterparty
	// CapabilityToken and OverrideToken are the raw wire tokens, empty
	// when the request did not supply them.
	CapabilityToken string
	OverrideToken   string
	// Manifest is nil when no ACTIVE manifest was found.
	Manifest *manifest.Manifest
}

// Decision is the pipeline output.
type Decision struct {
	Kind    Kind         `json:"decision"`
	Reasons []Reason     `json:"reasons"`
	Trace   []TraceEntry `json:"policy_trace"`
	// ApprovalRequired is set on ESCALATE outcomes.
	ApprovalRequired bool `json:"approval_required,omitempty"`
	// OverrideAccepted means a valid override token was presented.
	OverrideAccepted bool `json:"override_accepted,omitempty"`
	// OverrideApplied means the override converted a final ESCALATE to
	// ALLOW. Only then does the service consume its approval; a
	// redundant token on a plain ALLOW is left untouched.
	OverrideApplied bool `json:"-"`
	// OverrideApprovalID is the approval the accepted override token
	// points at.
	OverrideApprovalID string `json:"-"`
	// BudgetReserved means the budget stage took a slot that must be
	// released if the request does not execute.
	BudgetReserved bool `json:"-"`
}

func (d *Decision) addReason(code, message string, details map[string]any) {
	d.Reasons = append(d.Reasons, Reason{Code: code, Message: message, Details: details})
}

func (d *Decision) trace(stage, result, detail string) {
	d.Trace = append(d.Trace, TraceEntry{Stage: stage, Result: result, Detail: detail})
}

// BudgetReserver is the atomic daily-counter port. day is a UTC date in
// YYYY-MM-DD form.
type BudgetReserver interface {
	// Reserve increments the counter iff count < cap, in a single
	// conditional statement. It returns the post-increment count and
	// whether the reservation succeeded.
	Reserve(ctx context.Context, orgID, uapkID, day string, cap int) (count int, ok bool, err error)
	// Release undoes one reservation, bounded at zero.
	Release(ctx context.Context, orgID, uapkID, day string) error
	// Count reads the counter without changing it.
	Count(ctx context.Context, orgID, uapkID, day string) (int, error)
}

// ConditionEvaluator evaluates manifest condition expressions against
// an activation map. A nil evaluator skips the conditions stage.
type ConditionEvaluator interface {
	// Evaluate returns whether expr held for the given inputs.
	Evaluate(expr string, input map[string]any) (bool, error)
}
