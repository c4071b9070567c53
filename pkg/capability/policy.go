package capability

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// Rule is one CEL requirement evaluated against an invocation. All rules must
// hold for a gate to be issued allowed; the first failing rule's code becomes
// the denial's policy code.
type Rule struct {
	Code string `json:"code" yaml:"code"`
	Expr string `json:"expr" yaml:"expr"`
}

// Invocation is the activation a policy decision runs against.
type Invocation struct {
	Action        string
	Stage         string
	Role          string
	Authorization int
}

// PolicyEngine compiles capability rules once and issues gates per
// invocation. Programs are cached per expression.
type PolicyEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	rules []compiledRule
}

type compiledRule struct {
	code string
	prg  cel.Program
}

// NewPolicyEngine compiles the given rules against a fixed environment of
// {action, stage, role, authorization}.
func NewPolicyEngine(rules []Rule) (*PolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("authorization", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("capability: create CEL environment: %w", err)
	}

	e := &PolicyEngine{env: env}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("capability: compile rule %q: %w", r.Code, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("capability: program rule %q: %w", r.Code, err)
		}
		e.rules = append(e.rules, compiledRule{code: r.Code, prg: prg})
	}
	return e, nil
}

// Decide evaluates every rule against the invocation and issues a gate.
// Evaluation errors fail closed: the gate is denied with the rule's code.
func (e *PolicyEngine) Decide(inv Invocation) (Gate, error) {
	invocationID := uuid.New().String()
	input := map[string]any{
		"action":        inv.Action,
		"stage":         inv.Stage,
		"role":          inv.Role,
		"authorization": int64(inv.Authorization),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return DeniedGate(invocationID, r.code)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return DeniedGate(invocationID, r.code)
		}
	}
	return NewGate(invocationID, true)
}
