package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// Engine evaluates plans against the loaded Rego policies. It
// implements the plan gate the reconciliation core consults before a
// plan becomes eligible to apply.
type Engine struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	protected Protected
	logger    *telemetry.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(protected Protected, logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		protected: protected,
		logger:    logger.NewComponentLogger("policy"),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compiling built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadDir compiles every policy found in the given directory on top of
// the built-ins. A missing directory loads nothing.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	policies, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.compile(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
		e.logger.WithField("policy", p.Name).Debug("policy loaded")
	}
	return nil
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	pkg := extractPackageName(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy has no package declaration")
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	policy := p
	e.policies[p.Name] = &compiledPolicy{
		policy:   &policy,
		query:    query,
		compiled: time.Now(),
	}
	return nil
}

// EvaluatePlan runs every enabled policy over the plan. Error-severity
// violations block the plan; warning-severity ones are advisory.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := e.planInput(plan)

	var violations []violation
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		found, err := e.evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("evaluating policy %s: %w", cp.policy.Name, err)
		}
		violations = append(violations, found...)
	}

	decision := &engine.PolicyDecision{Allowed: true}
	for _, v := range violations {
		msg := fmt.Sprintf("%s: %s", v.Policy, v.Message)
		if v.Severity == SeverityError {
			decision.Allowed = false
			decision.Violations = append(decision.Violations, msg)
		} else {
			decision.Warnings = append(decision.Warnings, msg)
		}
	}

	e.logger.WithField("plan_id", plan.ID).
		WithField("allowed", decision.Allowed).
		WithField("violations", len(decision.Violations)).
		Debug("plan evaluated")
	return decision, nil
}

// planInput builds the evaluation input document. Keys are lowercased
// explicitly so the Rego rules see a stable shape.
func (e *Engine) planInput(plan *engine.Plan) map[string]any {
	actions := make([]map[string]any, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		actions = append(actions, map[string]any{
			"domain": a.Domain,
			"verb":   string(a.Verb),
			"target": a.Target,
		})
	}
	return map[string]any{
		"plan": map[string]any{
			"id":          plan.ID,
			"base_commit": plan.BaseCommit,
			"actions":     actions,
		},
		"protected": map[string]any{
			"packages": e.protected.Packages,
			"services": e.protected.Services,
		},
	}
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

func (e *Engine) toViolation(p *Policy, raw any) violation {
	v := violation{Policy: p.Name, Severity: p.Severity}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		v.Message = fmt.Sprintf("%v", raw)
		return v
	}
	if msg, ok := fields["message"].(string); ok {
		v.Message = msg
	}
	if sev, ok := fields["severity"].(string); ok {
		v.Severity = Severity(sev)
	}
	return v
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([\w.]+)`)

func extractPackageName(regoSrc string) string {
	m := packageRe.FindStringSubmatch(regoSrc)
	if m == nil {
		return ""
	}
	return m[1]
}
