package connectors

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
	"github.com/aegis-gate/aegisgate/internal/domain/connector"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

const (
	// DefaultTimeout is the per-call HTTP timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps streamed response bodies.
	DefaultMaxResponseBytes = 1 << 20
)

// Executor dispatches tool invocations to the connector matching the
// tool's type. It satisfies connector.Invoker.
type Executor struct {
	resolver       Resolver
	secrets        connector.SecretResolver
	globalAllowed  []string
	defaultTimeout time.Duration
	maxBody        int64
	allowPrivate   bool
	logger         *slog.Logger
}

var _ connector.Invoker = (*Executor)(nil)

// Config wires an Executor.
type Config struct {
	Resolver Resolver
	Secrets  connector.SecretResolver
	// GlobalAllowedDomains extends every tool's own allowlist.
	GlobalAllowedDomains []string
	Timeout              time.Duration
	MaxResponseBytes     int64
	// AllowPrivateNetworks disables the routable-address check. Only
	// for development and tests; never set in production config.
	AllowPrivateNetworks bool
	Logger               *slog.Logger
}

func New(cfg Config) *Executor {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		resolver:       resolver,
		secrets:        cfg.Secrets,
		globalAllowed:  cfg.GlobalAllowedDomains,
		defaultTimeout: timeout,
		maxBody:        maxBody,
		allowPrivate:   cfg.AllowPrivateNetworks,
		logger:         logger,
	}
}

// Invoke runs the tool call and never returns an error: every failure
// mode is encoded in the Result.
func (e *Executor) Invoke(ctx context.Context, orgID string, tool manifest.ToolConfig, params map[string]any) connector.Result {
	start := time.Now()

	var res connector.Result
	switch tool.Type {
	case "mock":
		res = e.invokeMock(tool)
	case "http":
		res = e.invokeHTTP(ctx, orgID, tool, params, false)
	case "webhook":
		res = e.invokeHTTP(ctx, orgID, tool, params, true)
	default:
		res = connector.Fail(connector.CodeFailed, "unknown connector type "+tool.Type)
	}

	res.DurationMS = time.Since(start).Milliseconds()
	if res.Success && res.Data != nil && res.ResultHash == "" {
		if h, err := canonical.HashHex(res.Data); err == nil {
			res.ResultHash = h
		}
	}
	if !res.Success && res.Error != nil {
		e.logger.Warn("connector call failed",
			"type", tool.Type, "code", res.Error.Code, "message", res.Error.Message)
	}
	return res
}

func (e *Executor) invokeMock(tool manifest.ToolConfig) connector.Result {
	if tool.MockFail {
		return connector.Fail(connector.CodeFailed, "mock connector configured to fail")
	}
	data := tool.MockResponse
	if data == nil {
		data = map[string]any{"ok": true}
	}
	return connector.Result{Success: true, Data: data, StatusCode: http.StatusOK}
}

func (e *Executor) timeoutFor(tool manifest.ToolConfig) time.Duration {
	if tool.TimeoutMS > 0 {
		return time.Duration(tool.TimeoutMS) * time.Millisecond
	}
	return e.defaultTimeout
}

func (e *Executor) maxBodyFor(tool manifest.ToolConfig) int64 {
	if tool.MaxResponseBytes > 0 {
		return tool.MaxResponseBytes
	}
	return e.maxBody
}
