package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Matcher evaluates deployment-supplied CEL expressions against a request.
// Expressions see a single variable, `request`, with the keys actor_id,
// actor_role, action, resource, destination and context, and must return a bool.
type Matcher struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	exprs    []string
}

// NewMatcher compiles every expression up front so bad rules fail at startup.
func NewMatcher(exprs ...string) (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	m := &Matcher{env: env, prgCache: make(map[string]cel.Program)}
	for _, expr := range exprs {
		if _, err := m.program(expr); err != nil {
			return nil, fmt.Errorf("sensitive rule %q: %w", expr, err)
		}
		m.exprs = append(m.exprs, expr)
	}
	return m, nil
}

// Match reports whether any expression returns true. An evaluation error
// counts as a match so a broken rule keeps the action governed.
func (m *Matcher) Match(input map[string]any) (bool, error) {
	if m == nil {
		return false, nil
	}
	vars := map[string]any{"request": input}
	for _, expr := range m.exprs {
		ok, err := m.eval(expr, vars)
		if err != nil {
			return true, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of compiled expressions.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exprs)
}

func (m *Matcher) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, hit := m.prgCache[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := m.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	m.prgCache[expr] = p
	return p, nil
}

func (m *Matcher) eval(expr string, vars map[string]any) (bool, error) {
	prg, err := m.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
