// Package action contains the domain types for agent-proposed actions.
package action

import (
	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
)

// Action is one tool invocation proposed by an agent. It is ephemeral:
// the gateway evaluates it, optionally executes it, and records it, but
// never stores it outside approvals and interaction records.
type Action struct {
	// Type is the action category (e.g. "email", "payment").
	Type string `json:"type" validate:"required"`
	// Tool is the manifest tool name to invoke.
	Tool string `json:"tool" validate:"required"`
	// Params are the tool call arguments.
	Params map[string]any `json:"params,omitempty"`
	// Amount is the optional monetary amount of the action.
	Amount *float64 `json:"amount,omitempty"`
	// Currency qualifies Amount (ISO 4217).
	Currency string `json:"currency,omitempty"`
	// Description is free-form text shown to approvers.
	Description string `json:"description,omitempty"`
}

// Counterparty identifies the external party an action is directed at.
type Counterparty struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Hash returns the hex SHA-256 of the canonical form of the action.
//
// This is the single action-hash function in the codebase: approval
// creation, override-token verification and audit records all call it.
// Counterparty and request context are deliberately excluded — the hash
// identifies WHAT the agent wants to do, nothing else.
func (a Action) Hash() (string, error) {
	subject := map[string]any{
		"type": a.Type,
		"tool": a.Tool,
	}
	if a.Params != nil {
		subject["params"] = a.Params
	}
	if a.Amount != nil {
		subject["amount"] = *a.Amount
	}
	if a.Currency != "" {
		subject["currency"] = a.Currency
	}
	return canonical.HashHex(subject)
}
