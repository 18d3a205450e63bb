// Package service orchestrates the domain layer: policy evaluation,
// approvals, tool execution and the interaction log.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/approval"
	"github.com/aegis-gate/aegisgate/internal/domain/audit"
	"github.com/aegis-gate/aegisgate/internal/domain/auth"
	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
	"github.com/aegis-gate/aegisgate/internal/domain/connector"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
	"github.com/aegis-gate/aegisgate/internal/domain/policy"
)

// GatewayRequest is one evaluate or execute call from an agent.
type GatewayRequest struct {
	UAPKID       string               `json:"uapk_id"`
	Action       action.Action        `json:"action"`
	Counterparty *action.Counterparty `json:"counterparty,omitempty"`
	// Context is free-form caller metadata, recorded verbatim.
	Context         map[string]any `json:"context,omitempty"`
	CapabilityToken string         `json:"capability_token,omitempty"`
	OverrideToken   string         `json:"override_token,omitempty"`
}

// Outcome is what the gateway tells the agent. DENY and ESCALATE are
// normal outcomes, not errors.
type Outcome struct {
	InteractionID string          `json:"interaction_id"`
	Decision      policy.Kind     `json:"decision"`
	Reasons       []policy.Reason `json:"reasons"`
	// PolicyVersion is the content hash of the manifest the decision
	// was made under, empty when no active manifest existed.
	PolicyVersion    string              `json:"policy_version,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
	PolicyTrace      []policy.TraceEntry `json:"policy_trace"`
	ApprovalRequired bool                `json:"approval_required,omitempty"`
	ApprovalID       string              `json:"approval_id,omitempty"`
	Executed         bool                `json:"executed"`
	Result           *audit.Result       `json:"result,omitempty"`
}

// GatewayService runs the evaluate and execute flows end to end.
type GatewayService struct {
	manifests   manifest.Store
	engine      *policy.Engine
	approvals   approval.Store
	budget      policy.BudgetReserver
	appender    *audit.Appender
	invoker     connector.Invoker
	approvalTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// GatewayConfig wires a GatewayService.
type GatewayConfig struct {
	Manifests manifest.Store
	Engine    *policy.Engine
	Approvals approval.Store
	Budget    policy.BudgetReserver
	Appender  *audit.Appender
	Invoker   connector.Invoker
	// ApprovalTTL defaults to approval.DefaultTTL.
	ApprovalTTL time.Duration
	Logger      *slog.Logger
}

func NewGatewayService(cfg GatewayConfig) *GatewayService {
	ttl := cfg.ApprovalTTL
	if ttl <= 0 {
		ttl = approval.DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayService{
		manifests:   cfg.Manifests,
		engine:      cfg.Engine,
		approvals:   cfg.Approvals,
		budget:      cfg.Budget,
		appender:    cfg.Appender,
		invoker:     cfg.Invoker,
		approvalTTL: ttl,
		now:         time.Now,
		logger:      logger,
	}
}

// Evaluate is the dry run: the full pipeline runs and a record is
// appended, but no budget is consumed, no approval is created and no
// tool is invoked.
func (s *GatewayService) Evaluate(ctx context.Context, ident *auth.Identity, req GatewayRequest) (*Outcome, error) {
	in, err := s.buildContext(ctx, ident, req)
	if err != nil {
		return nil, err
	}

	d, err := s.engine.Evaluate(ctx, *in, false)
	if err != nil {
		return nil, err
	}

	rec, err := s.appendRecord(ctx, ident, req, in, d, "", false, nil)
	if err != nil {
		return nil, err
	}
	return outcome(rec, d), nil
}

// Execute runs the pipeline with budget reservation and, on ALLOW,
// invokes the tool. Every call appends exactly one interaction record.
func (s *GatewayService) Execute(ctx context.Context, ident *auth.Identity, req GatewayRequest) (*Outcome, error) {
	in, err := s.buildContext(ctx, ident, req)
	if err != nil {
		return nil, err
	}

	d, err := s.engine.Evaluate(ctx, *in, true)
	if err != nil {
		return nil, err
	}

	switch d.Kind {
	case policy.Deny:
		s.releaseBudget(ctx, d, in)
		rec, err := s.appendRecord(ctx, ident, req, in, d, "", false, nil)
		if err != nil {
			return nil, err
		}
		return outcome(rec, d), nil

	case policy.Escalate:
		s.releaseBudget(ctx, d, in)
		apr, err := s.findOrCreateApproval(ctx, ident, req, in)
		if err != nil {
			return nil, err
		}
		rec, err := s.appendRecord(ctx, ident, req, in, d, apr.ID, false, nil)
		if err != nil {
			return nil, err
		}
		return outcome(rec, d), nil
	}

	// ALLOW. The record ID is fixed up front so the approval
	// consumption can reference the record that spent it.
	recordID := "rec_" + uuid.NewString()[:8]

	// Only an override that actually converted the escalation spends
	// its approval. A redundant token on a plain ALLOW stays usable.
	approvalID := ""
	if d.OverrideApplied {
		ok, err := s.approvals.ConsumeIfValid(ctx, d.OverrideApprovalID, recordID)
		if err != nil {
			return nil, fmt.Errorf("service: consume approval: %w", err)
		}
		if !ok {
			// Lost the race to another request holding the same token.
			s.releaseBudget(ctx, d, in)
			d.Kind = policy.Deny
			d.Reasons = append(d.Reasons, policy.Reason{
				Code:    policy.CodeOverrideUsed,
				Message: "override token was already consumed",
			})
			rec, err := s.appendRecord(ctx, ident, req, in, d, d.OverrideApprovalID, false, nil)
			if err != nil {
				return nil, err
			}
			return outcome(rec, d), nil
		}
		approvalID = d.OverrideApprovalID
	}

	tool := in.Manifest.Content.Tools[req.Action.Tool]
	res := s.invoker.Invoke(ctx, ident.OrgID, tool, req.Action.Params)
	result := toAuditResult(res)

	rec, err := s.appendRecordWithID(ctx, recordID, ident, req, in, d, approvalID, true, result)
	if err != nil {
		return nil, err
	}
	return outcome(rec, d), nil
}

// buildContext loads the active manifest and assembles the pipeline
// input. A missing manifest is not an error here; the pipeline denies
// it with a recorded reason.
func (s *GatewayService) buildContext(ctx context.Context, ident *auth.Identity, req GatewayRequest) (*policy.Context, error) {
	m, err := s.manifests.GetActive(ctx, ident.OrgID, req.UAPKID)
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return nil, fmt.Errorf("service: load manifest: %w", err)
	}
	return &policy.Context{
		OrgID:           ident.OrgID,
		UAPKID:          req.UAPKID,
		AgentID:         ident.AgentID,
		Action:          req.Action,
		Counterparty:    req.Counterparty,
		CapabilityToken: req.CapabilityToken,
		OverrideToken:   req.OverrideToken,
		Manifest:        m,
	}, nil
}

// findOrCreateApproval reuses an open approval for the identical action
// so repeated escalations do not pile up duplicate tickets.
func (s *GatewayService) findOrCreateApproval(ctx context.Context, ident *auth.Identity, req GatewayRequest, in *policy.Context) (*approval.Approval, error) {
	actionHash, err := req.Action.Hash()
	if err != nil {
		return nil, fmt.Errorf("service: hash action: %w", err)
	}

	existing, err := s.approvals.GetPendingByActionHash(ctx, ident.OrgID, req.UAPKID, ident.AgentID, actionHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, approval.ErrNotFound) {
		return nil, fmt.Errorf("service: find approval: %w", err)
	}

	now := s.now().UTC()
	apr := &approval.Approval{
		ID:         "apr_" + uuid.NewString()[:8],
		OrgID:      ident.OrgID,
		UAPKID:     req.UAPKID,
		AgentID:    ident.AgentID,
		Action:     req.Action,
		ActionHash: actionHash,
		Status:     approval.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.approvalTTL),
	}
	if err := s.approvals.Create(ctx, apr); err != nil {
		return nil, fmt.Errorf("service: create approval: %w", err)
	}
	s.logger.Info("approval created",
		"approval_id", apr.ID, "org_id", apr.OrgID, "agent_id", apr.AgentID)
	return apr, nil
}

func (s *GatewayService) appendRecord(ctx context.Context, ident *auth.Identity, req GatewayRequest, in *policy.Context, d *policy.Decision, approvalID string, executed bool, result *audit.Result) (*audit.Record, error) {
	return s.appendRecordWithID(ctx, "", ident, req, in, d, approvalID, executed, result)
}

// appendRecordWithID persists the interaction record. The append runs
// detached from request cancellation: once a decision exists it must be
// recorded even when the caller has gone away.
func (s *GatewayService) appendRecordWithID(ctx context.Context, recordID string, ident *auth.Identity, req GatewayRequest, in *policy.Context, d *policy.Decision, approvalID string, executed bool, result *audit.Result) (*audit.Record, error) {
	requestHash, err := requestHash(req)
	if err != nil {
		return nil, err
	}

	draft := &audit.Record{
		RecordID:      recordID,
		OrgID:         ident.OrgID,
		UAPKID:        req.UAPKID,
		AgentID:       ident.AgentID,
		Action:        req.Action,
		RequestHash:   requestHash,
		Context:       req.Context,
		Decision:      d.Kind,
		Reasons:       d.Reasons,
		PolicyTrace:   d.Trace,
		PolicyVersion: policyVersion(in.Manifest),
		ApprovalID:    approvalID,
		Executed:      executed,
		Result:        result,
	}

	rec, err := s.appender.Append(context.WithoutCancel(ctx), draft)
	if err != nil {
		return nil, fmt.Errorf("service: append record: %w", err)
	}
	return rec, nil
}

func (s *GatewayService) releaseBudget(ctx context.Context, d *policy.Decision, in *policy.Context) {
	if !d.BudgetReserved {
		return
	}
	day := s.now().UTC().Format("2006-01-02")
	if err := s.budget.Release(context.WithoutCancel(ctx), in.OrgID, in.UAPKID, day); err != nil {
		s.logger.Warn("budget release failed",
			"org_id", in.OrgID, "uapk_id", in.UAPKID, "error", err)
	}
	d.BudgetReserved = false
}

func requestHash(req GatewayRequest) (string, error) {
	subject := map[string]any{
		"uapk_id": req.UAPKID,
		"action":  req.Action,
	}
	if req.Counterparty != nil {
		subject["counterparty"] = req.Counterparty
	}
	if req.Context != nil {
		subject["context"] = req.Context
	}
	h, err := canonical.HashHex(subject)
	if err != nil {
		return "", fmt.Errorf("service: hash request: %w", err)
	}
	return h, nil
}

// policyVersion is the manifest content hash: the version identifier
// every interaction record carries.
func policyVersion(m *manifest.Manifest) string {
	if m == nil {
		return ""
	}
	return m.ContentHash
}

func toAuditResult(res connector.Result) *audit.Result {
	out := &audit.Result{
		Success:    res.Success,
		Data:       res.Data,
		ResultHash: res.ResultHash,
		StatusCode: res.StatusCode,
		DurationMS: res.DurationMS,
	}
	if res.Error != nil {
		out.Error = &audit.ResultError{Code: res.Error.Code, Message: res.Error.Message}
	}
	return out
}

func outcome(rec *audit.Record, d *policy.Decision) *Outcome {
	return &Outcome{
		InteractionID:    rec.RecordID,
		Decision:         d.Kind,
		Reasons:          d.Reasons,
		PolicyVersion:    rec.PolicyVersion,
		Timestamp:        rec.CreatedAt,
		PolicyTrace:      d.Trace,
		ApprovalRequired: d.ApprovalRequired,
		ApprovalID:       rec.ApprovalID,
		Executed:         rec.Executed,
		Result:           rec.Result,
	}
}
