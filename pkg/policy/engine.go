package policy

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
)

// Engine holds compiled policies by name and evaluates them against run
// configurations. It is safe for concurrent use.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine returns an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "policy-engine").Logger()}
	if err := e.ReloadPolicies(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewInput builds the policy input for run. It fails when the run's time
// steps cannot be planned into blocks.
func NewInput(run *config.RunConfig, operation string) (*Input, error) {
	blocks, err := engine.PlanBlocks(run.Dts(), run.T0, run.Tend)
	if err != nil {
		return nil, err
	}
	in := &Input{Run: run, Context: Context{Operation: operation, Timestamp: time.Now()}}
	s := &in.Schedule
	s.Blocks = len(blocks)
	for i, b := range blocks {
		s.Steps += len(b.Ranks)
		if i == 0 {
			s.FirstWindow = len(b.Ranks)
		}
		s.LastWindow = len(b.Ranks)
	}
	return in, nil
}

// Evaluate evaluates every enabled policy against run.
func (e *Engine) Evaluate(ctx context.Context, run *config.RunConfig, operation string) (*Result, error) {
	in, err := NewInput(run, operation)
	if err != nil {
		return nil, err
	}
	return e.EvaluateInput(ctx, in)
}

// EvaluateInput evaluates every enabled policy against in, in name order.
// A policy that fails to evaluate is listed in Result.Failures and does
// not block.
func (e *Engine) EvaluateInput(ctx context.Context, in *Input) (*Result, error) {
	start := time.Now()
	res := &Result{Allowed: true}

	e.mu.RLock()
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		vs, err := cp.deny(ctx, in)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, v := range vs {
			if v.Severity.Blocking() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	e.mu.RUnlock()

	res.EvaluatedAt = time.Now()
	res.Duration = res.EvaluatedAt.Sub(start)
	e.logger.Debug().
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Policies evaluated")
	return res, nil
}

// LoadPolicies adds the policies found at paths, see Loader.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles policies and adds them, replacing policies of the
// same name. Either all of them are added or none.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()
	e.logger.Info().Int("count", len(compiled)).Msg("Policies added")
	return nil
}

// ReloadPolicies drops every added policy and restores the built-in ones.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	compiled, err := compileAll(ctx, GetBuiltinPolicies())
	if err != nil {
		return fmt.Errorf("built-in policies: %w", err)
	}
	policies := make(map[string]*compiledPolicy, len(compiled))
	for _, cp := range compiled {
		policies[cp.policy.Name] = cp
	}
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
	return nil
}

func compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	out := make([]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return nil, fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
		out[i] = cp
	}
	return out, nil
}

// compile prepares the query for the deny set of p's package.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	mod, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	q, err := rego.New(
		rego.ParsedModule(mod),
		rego.Query(mod.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &compiledPolicy{policy: p, query: q}, nil
}

// deny returns the members of the deny set, ordered by path and message.
func (cp *compiledPolicy) deny(ctx context.Context, in *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}
	var vs []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			// A set arrives as a list.
			members, _ := expr.Value.([]interface{})
			for _, m := range members {
				vs = append(vs, cp.violation(m))
			}
		}
	}
	slices.SortFunc(vs, func(a, b Violation) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Message, b.Message))
	})
	return vs, nil
}

// violation reads a deny member. A string is the message; an object may
// set message, path and severity, and its other fields become Details.
func (cp *compiledPolicy) violation(member interface{}) Violation {
	v := Violation{Policy: cp.policy.Name, Severity: cp.policy.Severity}
	obj, ok := member.(map[string]interface{})
	if !ok {
		if s, isString := member.(string); isString {
			v.Message = s
		} else {
			v.Message = fmt.Sprint(member)
		}
		return v
	}
	for key, val := range obj {
		s, _ := val.(string)
		switch key {
		case "message":
			v.Message = s
		case "path":
			v.Path = s
		case "severity":
			if s != "" {
				v.Severity = Severity(s)
			}
		default:
			if v.Details == nil {
				v.Details = map[string]interface{}{}
			}
			v.Details[key] = val
		}
	}
	return v
}

// GetPolicy returns the policy called name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns copies of all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = on
	e.logger.Debug().Str("policy", name).Bool("enabled", on).Msg("Policy toggled")
	return nil
}
