package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
)

// legacyAmountPaths is where a legacy currency-cap manifest expects the
// amount to live inside action params.
var legacyAmountPaths = []string{"amount", "value", "total"}

// rawPolicy accepts both authoring schemas at once. Engine-native names
// win when both are present.
type rawPolicy struct {
	AllowedActionTypes []string `json:"allowed_action_types"`

	AllowedTools  []string `json:"allowed_tools"`
	ToolAllowlist []string `json:"tool_allowlist"`

	DeniedTools  []string `json:"denied_tools"`
	ToolDenylist []string `json:"tool_denylist"`

	AllowedJurisdictions  []string `json:"allowed_jurisdictions"`
	JurisdictionAllowlist []string `json:"jurisdiction_allowlist"`

	Counterparty          CounterpartyLists `json:"counterparty"`
	CounterpartyAllowlist []string          `json:"counterparty_allowlist"`
	CounterpartyDenylist  []string          `json:"counterparty_denylist"`

	AmountCaps json.RawMessage `json:"amount_caps"`

	ApprovalThresholds *ApprovalThreshold `json:"approval_thresholds"`
	Budgets            Budgets            `json:"budgets"`
	RequireCapability  bool               `json:"require_capability_token"`
	Conditions         []string           `json:"conditions"`
}

type rawContent struct {
	Policy rawPolicy             `json:"policy"`
	Tools  map[string]ToolConfig `json:"tools"`
}

// ParseContent decodes a manifest body, normalises the policy section
// and returns the content together with its canonical hash. The hash is
// computed over the body as authored, before normalisation, so it is
// stable across gateway versions.
func ParseContent(raw []byte) (Content, string, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Content{}, "", fmt.Errorf("manifest: decode content: %w", err)
	}
	hash, err := canonical.HashHex(generic)
	if err != nil {
		return Content{}, "", fmt.Errorf("manifest: hash content: %w", err)
	}

	var doc rawContent
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Content{}, "", fmt.Errorf("manifest: decode content: %w", err)
	}
	policy, err := normalizePolicy(doc.Policy)
	if err != nil {
		return Content{}, "", err
	}
	return Content{Policy: policy, Tools: doc.Tools}, hash, nil
}

func normalizePolicy(raw rawPolicy) (PolicyConfig, error) {
	p := PolicyConfig{
		AllowedActionTypes:   raw.AllowedActionTypes,
		AllowedTools:         firstNonEmpty(raw.AllowedTools, raw.ToolAllowlist),
		DeniedTools:          firstNonEmpty(raw.DeniedTools, raw.ToolDenylist),
		AllowedJurisdictions: firstNonEmpty(raw.AllowedJurisdictions, raw.JurisdictionAllowlist),
		Counterparty: CounterpartyLists{
			Allowlist: firstNonEmpty(raw.Counterparty.Allowlist, raw.CounterpartyAllowlist),
			Denylist:  firstNonEmpty(raw.Counterparty.Denylist, raw.CounterpartyDenylist),
		},
		ApprovalThresholds: raw.ApprovalThresholds,
		Budgets:            raw.Budgets,
		RequireCapability:  raw.RequireCapability,
		Conditions:         raw.Conditions,
	}

	caps, err := normalizeAmountCaps(raw.AmountCaps)
	if err != nil {
		return PolicyConfig{}, err
	}
	p.AmountCaps = caps
	return p, nil
}

// normalizeAmountCaps accepts either the engine-native object
// ({max_amount, escalate_above, param_paths, currency_field}) or the
// legacy per-currency map ({"USD": 500, "EUR": 400}). The legacy form
// collapses to max_amount = max(values) with the conventional amount
// param paths.
func normalizeAmountCaps(raw json.RawMessage) (*AmountCaps, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("manifest: amount_caps must be an object: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	if isEngineCaps(fields) {
		var caps AmountCaps
		if err := json.Unmarshal(raw, &caps); err != nil {
			return nil, fmt.Errorf("manifest: decode amount_caps: %w", err)
		}
		return &caps, nil
	}

	// Legacy shape: every value must be a number keyed by currency code.
	var max float64
	seen := false
	for cur, v := range fields {
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("manifest: amount_caps[%q]: expected a number", cur)
		}
		if !seen || n > max {
			max = n
			seen = true
		}
	}
	capVal := max
	return &AmountCaps{
		MaxAmount:     &capVal,
		ParamPaths:    legacyAmountPaths,
		CurrencyField: "currency",
	}, nil
}

func isEngineCaps(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"max_amount", "escalate_above", "param_paths", "currency_field"} {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

func firstNonEmpty(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}
