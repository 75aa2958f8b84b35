package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// Engine evaluates Rego policies against rendered build matrices. It
// implements engine.PolicyChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtin  map[string]bool
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ engine.PolicyChecker = (*Engine)(nil)

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtin:  make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	ctx := context.Background()
	for _, p := range GetBuiltinPolicies() {
		if err := e.compileAndStorePolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.builtin[p.Name] = true
	}

	e.logger.Debug().
		Int("count", len(e.builtin)).
		Msg("Built-in policies loaded")
	return e, nil
}

// LoadPolicies loads policy files and directories in addition to the
// policies already loaded. A policy with an existing name replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.add(ctx, policies)
}

// Replace drops every custom policy and loads policies in their place.
// Built-ins are kept.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	for name := range e.policies {
		if !e.builtin[name] {
			delete(e.policies, name)
		}
	}
	e.mu.Unlock()
	return e.add(ctx, policies)
}

func (e *Engine) add(ctx context.Context, policies []Policy) error {
	for _, p := range policies {
		if err := e.compileAndStorePolicy(ctx, p); err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy is empty")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(policy.Name+".rego", policy.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.policies[policy.Name] = &compiledPolicy{policy: &policy, query: query}
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")
	return nil
}

// Evaluate runs every enabled policy against input in name order. Policies
// that fail to evaluate are logged and reported as warning violations.
func (e *Engine) Evaluate(ctx context.Context, input *Input) ([]Violation, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var violations []Violation
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp := e.policies[name]
		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			violations = append(violations, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}
		violations = append(violations, found...)
	}

	e.logger.Debug().
		Int("policies", len(names)).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")
	return violations, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from a deny set member: a message
// string or an object with message, resource and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// Check evaluates the policies against a render result. Error and critical
// violations fail the check with a POLICY_DENIED configuration error; the
// others are returned as warnings.
func (e *Engine) Check(ctx context.Context, result *engine.Result) ([]engine.Warning, error) {
	violations, err := e.Evaluate(ctx, NewInput(result, "render", e.now()))
	if err != nil {
		return nil, err
	}

	var warnings []engine.Warning
	var blocking []Violation
	for _, v := range violations {
		if v.Severity.Blocking() {
			blocking = append(blocking, v)
			continue
		}
		warnings = append(warnings, engine.Warning{
			Kind:     engine.WarningPolicy,
			Resource: v.Resource,
			Message:  v.Policy + ": " + v.Message,
		})
	}
	if len(blocking) == 0 {
		return warnings, nil
	}

	msgs := make([]string, 0, len(blocking))
	for _, v := range blocking {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return warnings, engine.NewConfigurationError(
		"policy check failed: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(blocking[0].Policy).
		WithOperation("policy").
		WithDetail("violations", blocking)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
