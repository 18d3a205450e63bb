package cel

import (
	"strings"
	"testing"
)

func activation(amount float64, tool string) map[string]any {
	return map[string]any{
		"action": map[string]any{
			"type":     "payment",
			"tool":     tool,
			"params":   map[string]any{"memo": "rent"},
			"amount":   amount,
			"currency": "USD",
		},
		"counterparty": map[string]any{
			"domain":       "x.com",
			"jurisdiction": "GB",
		},
	}
}

func TestEvaluate_Expressions(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"amount comparison true", `action.amount < 100.0`, true},
		{"amount comparison false", `action.amount > 100.0`, false},
		{"string equality", `action.tool == "pay"`, true},
		{"param access", `action.params.memo == "rent"`, true},
		{"counterparty field", `counterparty.jurisdiction in ["GB", "DE"]`, true},
		{"strings extension", `action.tool.startsWith("pa")`, true},
		{"conjunction", `action.currency == "USD" && action.amount < 100.0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, activation(50, "pay"))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	t.Run("empty", func(t *testing.T) {
		if _, err := e.Evaluate("", activation(1, "pay")); err == nil {
			t.Error("empty expression accepted")
		}
	})

	t.Run("syntax error", func(t *testing.T) {
		if _, err := e.Evaluate(`action.amount <`, activation(1, "pay")); err == nil {
			t.Error("broken expression accepted")
		}
	})

	t.Run("non-boolean result", func(t *testing.T) {
		if _, err := e.Evaluate(`action.tool`, activation(1, "pay")); err == nil {
			t.Error("string-valued expression accepted")
		}
	})

	t.Run("too long", func(t *testing.T) {
		expr := "action.amount > 0.0" + strings.Repeat(" ", maxExpressionLength)
		if err := e.ValidateExpression(expr); err == nil {
			t.Error("oversized expression accepted")
		}
	})

	t.Run("too deep", func(t *testing.T) {
		expr := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
		if err := e.ValidateExpression(expr); err == nil {
			t.Error("deeply nested expression accepted")
		}
	})
}

func TestProgramCache_Reuses(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	const expr = `action.amount < 100.0`

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(expr, activation(5, "pay")); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}
	if got := e.order.Len(); got != 1 {
		t.Errorf("cache holds %d programs, want 1", got)
	}
}

func TestProgramCache_Evicts(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	e.maxSize = 2

	exprs := []string{
		`action.amount < 1.0`,
		`action.amount < 2.0`,
		`action.amount < 3.0`,
	}
	for _, expr := range exprs {
		if err := e.ValidateExpression(expr); err != nil {
			t.Fatalf("ValidateExpression: %v", err)
		}
	}
	if got := e.order.Len(); got != 2 {
		t.Errorf("cache holds %d programs, want 2", got)
	}
}
