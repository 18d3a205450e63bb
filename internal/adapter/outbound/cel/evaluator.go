// Package cel evaluates manifest condition expressions with cel-go.
package cel

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/aegis-gate/aegisgate/internal/domain/policy"
)

// Safety limits on authored expressions.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
	maxCostBudget       = 100_000
	evalTimeout         = 5 * time.Second
	interruptCheckFreq  = 100
)

// defaultCacheSize bounds the compiled-program cache.
const defaultCacheSize = 256

// Evaluator compiles condition expressions once and caches the
// programs, keyed by the expression's xxhash.
type Evaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[uint64]*list.Element
	order    *list.List // LRU: front = most recent
	maxSize  int
}

type cacheItem struct {
	key uint64
	prg cel.Program
}

var _ policy.ConditionEvaluator = (*Evaluator)(nil)

// NewEvaluator builds the condition environment. Expressions see two
// variables: action (type, tool, params, amount, currency) and
// counterparty (id, name, email, domain, jurisdiction), both as maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("counterparty", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: create environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: map[uint64]*list.Element{},
		order:    list.New(),
		maxSize:  defaultCacheSize,
	}, nil
}

// Evaluate runs one expression against the activation and reports
// whether it held. Non-boolean results are errors.
func (e *Evaluator) Evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("cel: evaluate: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: expression returned %T, want bool", out.Value())
	}
	return b, nil
}

// ValidateExpression checks an expression at manifest load time so bad
// conditions are rejected before they can deny every request.
func (e *Evaluator) ValidateExpression(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("cel: empty expression")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("cel: expression too long: %d characters (max %d)",
			len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	key := xxhash.Sum64String(expr)

	e.mu.Lock()
	if el, ok := e.programs[key]; ok {
		e.order.MoveToFront(el)
		prg := el.Value.(cacheItem).prg
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: build program: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.programs[key]; ok {
		return el.Value.(cacheItem).prg, nil
	}
	e.programs[key] = e.order.PushFront(cacheItem{key: key, prg: prg})
	if e.order.Len() > e.maxSize {
		oldest := e.order.Back()
		e.order.Remove(oldest)
		delete(e.programs, oldest.Value.(cacheItem).key)
	}
	return prg, nil
}

// validateNesting bounds parenthesis/bracket depth so a pathological
// expression cannot blow the parser stack.
func validateNesting(expr string) error {
	var depth, deepest int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if deepest > maxNestingDepth {
		return fmt.Errorf("cel: expression nesting too deep: %d levels (max %d)",
			deepest, maxNestingDepth)
	}
	return nil
}
