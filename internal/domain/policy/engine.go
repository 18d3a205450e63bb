package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/approval"
	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
	"github.com/aegis-gate/aegisgate/internal/domain/token"
)

// DefaultEscalatePercent is the budget utilisation above which a
// successful reservation still escalates.
const DefaultEscalatePercent = 0.9

// Engine runs the fixed decision pipeline. Evaluation is ordered:
// DENY short-circuits, ESCALATE is sticky, and a valid override token
// converts a final ESCALATE to ALLOW but never a DENY.
type Engine struct {
	codec           *token.Codec
	approvals       approval.Store
	budget          BudgetReserver
	conditions      ConditionEvaluator
	defaultDailyCap int
	escalatePct     float64
	now             func() time.Time
	logger          *slog.Logger
}

// Config wires an Engine.
type Config struct {
	Codec      *token.Codec
	Approvals  approval.Store
	Budget     BudgetReserver
	Conditions ConditionEvaluator
	// DefaultDailyCap applies when a manifest sets no daily_cap.
	// Zero means unlimited.
	DefaultDailyCap int
	// EscalatePercent overrides DefaultEscalatePercent when positive.
	EscalatePercent float64
	Logger          *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	pct := cfg.EscalatePercent
	if pct <= 0 {
		pct = DefaultEscalatePercent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		codec:           cfg.Codec,
		approvals:       cfg.Approvals,
		budget:          cfg.Budget,
		conditions:      cfg.Conditions,
		defaultDailyCap: cfg.DefaultDailyCap,
		escalatePct:     pct,
		now:             time.Now,
		logger:          logger,
	}
}

// Evaluate runs the pipeline. reserveBudget distinguishes execute
// (reserve a slot) from a dry-run evaluate (read the counter only).
// The returned error covers infrastructure failures only; every policy
// outcome is expressed in the Decision.
func (e *Engine) Evaluate(ctx context.Context, in Context, reserveBudget bool) (*Decision, error) {
	d := &Decision{Kind: Allow}

	// Stage 1: manifest presence.
	if in.Manifest == nil || in.Manifest.Status != manifest.StatusActive {
		return e.deny(d, "manifest", CodeManifestNotFound,
			"no active manifest for this agent type", nil), nil
	}
	d.trace("manifest", "pass", "")
	pol := in.Manifest.Content.Policy

	actionHash, err := in.Action.Hash()
	if err != nil {
		return nil, fmt.Errorf("policy: hash action: %w", err)
	}

	// Stage 2: capability token.
	capClaims, denied := e.checkCapability(d, in)
	if denied {
		return d, nil
	}

	// Stage 3: override token pre-check. A valid token is only
	// recorded here; it resolves at the end of the pipeline.
	if denied := e.checkOverride(ctx, d, in, actionHash); denied {
		return d, nil
	}

	// Stage 4: require-capability.
	if pol.RequireCapability && capClaims == nil {
		return e.deny(d, "require_capability", CodeCapabilityRequired,
			"policy requires a capability token", nil), nil
	}
	d.trace("require_capability", "pass", "")

	// Stage 5: action type.
	if denied := e.checkActionType(d, in, pol, capClaims); denied {
		return d, nil
	}

	// Stage 6: tool allow/deny.
	if denied := e.checkTool(d, in, pol, capClaims); denied {
		return d, nil
	}

	// Stage 7: tool configured.
	if _, ok := in.Manifest.Content.Tools[in.Action.Tool]; !ok {
		return e.deny(d, "tool_configured", CodeToolNotConfigured,
			fmt.Sprintf("tool %q has no connector configuration", in.Action.Tool), nil), nil
	}
	d.trace("tool_configured", "pass", "")

	amount, hasAmount := extractAmount(in.Action, pol.AmountCaps)

	// Stage 8: approval thresholds.
	e.checkThresholds(d, in, pol, amount, hasAmount)

	// Stage 9: amount caps.
	if denied := e.checkAmountCaps(d, pol, amount, hasAmount); denied {
		return d, nil
	}

	// Stage 10: jurisdiction.
	if denied := e.checkJurisdiction(d, in, pol); denied {
		return d, nil
	}

	// Stage 11: counterparty lists.
	if denied := e.checkCounterparty(d, in, pol); denied {
		return d, nil
	}

	// Stage 12: condition expressions.
	if denied := e.checkConditions(d, in, pol); denied {
		return d, nil
	}

	// Stage 13: daily budget.
	if denied, err := e.checkBudget(ctx, d, in, pol, reserveBudget); err != nil {
		return nil, err
	} else if denied {
		return d, nil
	}

	// Stage 14: override resolution. Converts ESCALATE to ALLOW, never
	// a DENY (denies short-circuited above).
	if d.OverrideAccepted && d.Kind == Escalate {
		d.Kind = Allow
		d.ApprovalRequired = false
		d.OverrideApplied = true
		d.addReason(CodeOverrideAccepted, "escalation overridden by approved token", map[string]any{
			"approval_id": d.OverrideApprovalID,
		})
		d.trace("override_resolution", "pass", "escalation converted to allow")
	}

	return d, nil
}

func (e *Engine) deny(d *Decision, stage, code, message string, details map[string]any) *Decision {
	d.Kind = Deny
	d.addReason(code, message, details)
	d.trace(stage, "deny", code)
	return d
}

func (e *Engine) escalate(d *Decision, stage, code, message string, details map[string]any) {
	d.Kind = Escalate
	d.ApprovalRequired = true
	d.addReason(code, message, details)
	d.trace(stage, "escalate", code)
}

func (e *Engine) checkCapability(d *Decision, in Context) (*token.CapabilityClaims, bool) {
	if in.CapabilityToken == "" {
		d.trace("capability_token", "skip", "not supplied")
		return nil, false
	}
	claims, err := e.codec.VerifyCapability(in.CapabilityToken)
	switch {
	case errors.Is(err, token.ErrExpired):
		e.deny(d, "capability_token", CodeCapabilityExpired, "capability token expired", nil)
		return nil, true
	case err != nil:
		e.deny(d, "capability_token", CodeCapabilityInvalid, "capability token rejected", nil)
		return nil, true
	}
	if claims.OrgID != in.OrgID || claims.UAPKID != in.UAPKID || claims.Subject != in.AgentID {
		e.deny(d, "capability_token", CodeCapabilityInvalid,
			"capability token bound to a different identity", nil)
		return nil, true
	}
	d.trace("capability_token", "pass", "")
	return claims, false
}

func (e *Engine) checkOverride(ctx context.Context, d *Decision, in Context, actionHash string) bool {
	if in.OverrideToken == "" {
		d.trace("override_token", "skip", "not supplied")
		return false
	}
	claims, err := e.codec.VerifyOverride(in.OverrideToken)
	switch {
	case errors.Is(err, token.ErrExpired):
		e.deny(d, "override_token", CodeOverrideExpired, "override token expired", nil)
		return true
	case err != nil:
		e.deny(d, "override_token", CodeOverrideInvalid, "override token rejected", nil)
		return true
	}
	if claims.ActionHash != actionHash {
		e.deny(d, "override_token", CodeOverrideMismatch,
			"override token was issued for a different action", map[string]any{
				"expected": claims.ActionHash,
				"got":      actionHash,
			})
		return true
	}

	apr, err := e.approvals.Get(ctx, in.OrgID, claims.ApprovalID)
	if errors.Is(err, approval.ErrNotFound) {
		e.deny(d, "override_token", CodeOverrideInvalid, "approval not found", nil)
		return true
	}
	if err != nil {
		// Infrastructure failure surfaces as a deny rather than
		// letting an unverifiable override pass.
		e.logger.Error("override approval lookup failed", "error", err, "approval_id", claims.ApprovalID)
		e.deny(d, "override_token", CodeOverrideInvalid, "approval could not be verified", nil)
		return true
	}
	now := e.now()
	switch {
	case apr.AgentID != in.AgentID:
		e.deny(d, "override_token", CodeOverrideWrongAgent,
			"approval belongs to a different agent", nil)
		return true
	case apr.ConsumedAt != nil:
		e.deny(d, "override_token", CodeOverrideUsed, "override token already used", nil)
		return true
	case apr.Status != approval.StatusApproved:
		e.deny(d, "override_token", CodeOverrideInvalid,
			fmt.Sprintf("approval is %s", apr.Status), nil)
		return true
	case !now.Before(apr.ExpiresAt):
		e.deny(d, "override_token", CodeOverrideExpired, "approval expired", nil)
		return true
	}

	d.OverrideAccepted = true
	d.OverrideApprovalID = claims.ApprovalID
	d.trace("override_token", "pass", "")
	return false
}

func (e *Engine) checkActionType(d *Decision, in Context, pol manifest.PolicyConfig, capClaims *token.CapabilityClaims) bool {
	if len(pol.AllowedActionTypes) > 0 && !contains(pol.AllowedActionTypes, in.Action.Type) {
		e.deny(d, "action_type", CodeActionTypeDenied,
			fmt.Sprintf("action type %q not in manifest allowlist", in.Action.Type), nil)
		return true
	}
	if capClaims != nil && len(capClaims.AllowedActionTypes) > 0 &&
		!contains(capClaims.AllowedActionTypes, in.Action.Type) {
		e.deny(d, "action_type", CodeActionTypeDenied,
			fmt.Sprintf("action type %q not granted by capability token", in.Action.Type), nil)
		return true
	}
	d.trace("action_type", "pass", "")
	return false
}

func (e *Engine) checkTool(d *Decision, in Context, pol manifest.PolicyConfig, capClaims *token.CapabilityClaims) bool {
	if contains(pol.DeniedTools, in.Action.Tool) {
		e.deny(d, "tool", CodeToolNotAllowed,
			fmt.Sprintf("tool %q is denylisted", in.Action.Tool), nil)
		return true
	}
	if len(pol.AllowedTools) > 0 && !contains(pol.AllowedTools, in.Action.Tool) {
		e.deny(d, "tool", CodeToolNotAllowed,
			fmt.Sprintf("tool %q not in manifest allowlist", in.Action.Tool), nil)
		return true
	}
	if capClaims != nil && len(capClaims.AllowedTools) > 0 &&
		!contains(capClaims.AllowedTools, in.Action.Tool) {
		e.deny(d, "tool", CodeToolNotAllowed,
			fmt.Sprintf("tool %q not granted by capability token", in.Action.Tool), nil)
		return true
	}
	d.trace("tool", "pass", "")
	return false
}

func (e *Engine) checkThresholds(d *Decision, in Context, pol manifest.PolicyConfig, amount float64, hasAmount bool) {
	t := pol.ApprovalThresholds
	if t == nil {
		d.trace("approval_thresholds", "skip", "not configured")
		return
	}
	switch {
	case contains(t.ActionTypes, in.Action.Type):
		e.escalate(d, "approval_thresholds", CodeApprovalRequired,
			fmt.Sprintf("action type %q requires approval", in.Action.Type), nil)
	case contains(t.Tools, in.Action.Tool):
		e.escalate(d, "approval_thresholds", CodeApprovalRequired,
			fmt.Sprintf("tool %q requires approval", in.Action.Tool), nil)
	case t.Amount != nil && hasAmount && amount >= *t.Amount:
		e.escalate(d, "approval_thresholds", CodeApprovalRequired,
			"amount meets the approval threshold", map[string]any{
				"amount": amount, "threshold": *t.Amount,
			})
	default:
		d.trace("approval_thresholds", "pass", "")
	}
}

func (e *Engine) checkAmountCaps(d *Decision, pol manifest.PolicyConfig, amount float64, hasAmount bool) bool {
	caps := pol.AmountCaps
	if caps == nil || !hasAmount {
		d.trace("amount_caps", "skip", "")
		return false
	}
	// Exactly at the cap is allowed; one unit above is not.
	if caps.MaxAmount != nil && amount > *caps.MaxAmount {
		e.deny(d, "amount_caps", CodeAmountCapExceeded,
			"amount exceeds the policy maximum", map[string]any{
				"amount": amount, "max_amount": *caps.MaxAmount,
			})
		return true
	}
	if caps.EscalateAbove != nil && amount > *caps.EscalateAbove {
		e.escalate(d, "amount_caps", CodeApprovalRequired,
			"amount above the escalation threshold", map[string]any{
				"amount": amount, "escalate_above": *caps.EscalateAbove,
			})
		return false
	}
	d.trace("amount_caps", "pass", "")
	return false
}

func (e *Engine) checkJurisdiction(d *Decision, in Context, pol manifest.PolicyConfig) bool {
	if len(pol.AllowedJurisdictions) == 0 {
		d.trace("jurisdiction", "skip", "not configured")
		return false
	}
	if in.Counterparty == nil || in.Counterparty.Jurisdiction == "" {
		d.trace("jurisdiction", "skip", "no counterparty jurisdiction")
		return false
	}
	if !contains(pol.AllowedJurisdictions, in.Counterparty.Jurisdiction) {
		e.deny(d, "jurisdiction", CodeJurisdictionDenied,
			fmt.Sprintf("jurisdiction %q not permitted", in.Counterparty.Jurisdiction), nil)
		return true
	}
	d.trace("jurisdiction", "pass", "")
	return false
}

func (e *Engine) checkCounterparty(d *Decision, in Context, pol manifest.PolicyConfig) bool {
	lists := pol.Counterparty
	if len(lists.Denylist) == 0 && len(lists.Allowlist) == 0 {
		d.trace("counterparty", "skip", "not configured")
		return false
	}
	if in.Counterparty != nil && matchesCounterparty(*in.Counterparty, lists.Denylist) {
		e.deny(d, "counterparty", CodeCounterpartyDenied, "counterparty is denylisted", nil)
		return true
	}
	if len(lists.Allowlist) > 0 {
		if in.Counterparty == nil || !matchesCounterparty(*in.Counterparty, lists.Allowlist) {
			e.deny(d, "counterparty", CodeCounterpartyDenied,
				"counterparty not in allowlist", nil)
			return true
		}
	}
	d.trace("counterparty", "pass", "")
	return false
}

func (e *Engine) checkConditions(d *Decision, in Context, pol manifest.PolicyConfig) bool {
	if len(pol.Conditions) == 0 {
		d.trace("conditions", "skip", "not configured")
		return false
	}
	if e.conditions == nil {
		d.trace("conditions", "skip", "no evaluator")
		return false
	}
	input := conditionInput(in)
	for _, expr := range pol.Conditions {
		ok, err := e.conditions.Evaluate(expr, input)
		if err != nil {
			e.deny(d, "conditions", CodeConditionFailed,
				"condition could not be evaluated", map[string]any{"expression": expr})
			return true
		}
		if !ok {
			e.deny(d, "conditions", CodeConditionFailed,
				"condition not satisfied", map[string]any{"expression": expr})
			return true
		}
	}
	d.trace("conditions", "pass", "")
	return false
}

func (e *Engine) checkBudget(ctx context.Context, d *Decision, in Context, pol manifest.PolicyConfig, reserve bool) (bool, error) {
	cap := pol.Budgets.DailyCap
	if cap <= 0 {
		cap = e.defaultDailyCap
	}
	if cap <= 0 {
		d.trace("budget", "skip", "no daily cap")
		return false, nil
	}
	day := e.now().UTC().Format("2006-01-02")

	var count int
	if reserve {
		var ok bool
		var err error
		count, ok, err = e.budget.Reserve(ctx, in.OrgID, in.UAPKID, day, cap)
		if err != nil {
			return false, fmt.Errorf("policy: reserve budget: %w", err)
		}
		if !ok {
			e.deny(d, "budget", CodeBudgetExceeded, "daily action budget exhausted", map[string]any{
				"daily_cap": cap,
			})
			return true, nil
		}
		d.BudgetReserved = true
	} else {
		var err error
		count, err = e.budget.Count(ctx, in.OrgID, in.UAPKID, day)
		if err != nil {
			return false, fmt.Errorf("policy: read budget counter: %w", err)
		}
		if count >= cap {
			e.deny(d, "budget", CodeBudgetExceeded, "daily action budget exhausted", map[string]any{
				"daily_cap": cap,
			})
			return true, nil
		}
		count++ // what the count would be if this request executed
	}

	if float64(count)/float64(cap) >= e.escalatePct {
		e.escalate(d, "budget", CodeBudgetNearLimit, "daily budget nearly exhausted", map[string]any{
			"count": count, "daily_cap": cap,
		})
		return false, nil
	}
	d.trace("budget", "pass", "")
	return false, nil
}

// conditionInput builds the activation visible to condition
// expressions.
func conditionInput(in Context) map[string]any {
	act := map[string]any{
		"type":   in.Action.Type,
		"tool":   in.Action.Tool,
		"params": in.Action.Params,
	}
	if in.Action.Amount != nil {
		act["amount"] = *in.Action.Amount
	} else {
		act["amount"] = 0.0
	}
	act["currency"] = in.Action.Currency

	cp := map[string]any{}
	if in.Counterparty != nil {
		cp["id"] = in.Counterparty.ID
		cp["name"] = in.Counterparty.Name
		cp["email"] = in.Counterparty.Email
		cp["domain"] = in.Counterparty.Domain
		cp["jurisdiction"] = in.Counterparty.Jurisdiction
	}
	return map[string]any{"action": act, "counterparty": cp}
}

// extractAmount finds the numeric amount of an action: the explicit
// amount field first, then each configured dot path into params.
func extractAmount(a action.Action, caps *manifest.AmountCaps) (float64, bool) {
	if a.Amount != nil {
		return *a.Amount, true
	}
	if caps == nil {
		return 0, false
	}
	for _, path := range caps.ParamPaths {
		if v, ok := lookupPath(a.Params, path); ok {
			if n, ok := toFloat(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func lookupPath(params map[string]any, path string) (any, bool) {
	cur := any(params)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func matchesCounterparty(cp action.Counterparty, list []string) bool {
	for _, entry := range list {
		if entry == "" {
			continue
		}
		if cp.ID == entry || cp.Name == entry ||
			strings.EqualFold(cp.Email, entry) || strings.EqualFold(cp.Domain, entry) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
