// Package connector defines the tool invocation contract. Connectors
// never fail across the boundary: every outcome, including SSRF blocks
// and timeouts, is expressed in the Result.
package connector

import (
	"context"

	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// Error codes reported in Result.Error.
const (
	CodeTimeout          = "CONNECTOR_TIMEOUT"
	CodeFailed           = "CONNECTOR_FAILED"
	CodeResponseTooLarge = "RESPONSE_TOO_LARGE"
	CodeSSRFBlocked      = "SSRF_BLOCKED"
	CodeSSRFDNSDrift     = "SSRF_DNS_DRIFT"
	CodeDomainNotAllowed = "DOMAIN_NOT_ALLOWED"
	CodeClientCancelled  = "CLIENT_CANCELLED"
)

// Error describes a failed invocation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      *Error         `json:"error,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	// ResultHash is the canonical hash of Data, for the audit record.
	ResultHash string `json:"result_hash,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Fail builds a failed Result with the given code.
func Fail(code, message string) Result {
	return Result{Success: false, Error: &Error{Code: code, Message: message}}
}

// Invoker executes a tool call described by its manifest config. orgID
// scopes secret resolution.
type Invoker interface {
	Invoke(ctx context.Context, orgID string, tool manifest.ToolConfig, params map[string]any) Result
}

// SecretResolver resolves secret references for connector config at
// call time. Implemented by the vault-backed secret service.
type SecretResolver interface {
	Resolve(ctx context.Context, orgID, key string) (string, error)
}
