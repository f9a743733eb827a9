package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/stratusops/stratus/pkg/engine"
)

// Engine evaluates Rego policies against computed plans, before anything
// is applied.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")

	return e, nil
}

// AddPolicy compiles and registers an additional policy.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	return e.compileAndStorePolicy(ctx, &p)
}

// EvaluatePlan evaluates every enabled policy against a plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := buildPlanInput(plan)

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
		EvaluatedAt:       time.Now(),
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError {
			result.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("plan policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PlanInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// createViolation converts one deny result into a Violation.
func (e *Engine) createViolation(policy *Policy, result interface{}) Violation {
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
			violation.ResourceID = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))

	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.mu.Lock()
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stratus.policies"
}

// buildPlanInput flattens a plan into the Rego input document.
func buildPlanInput(plan *engine.Plan) *PlanInput {
	input := &PlanInput{
		Stack:   plan.Stack,
		Entries: make([]EntryInput, 0, len(plan.Entries)),
	}
	for i := range plan.Entries {
		entry := &plan.Entries[i]
		attrs := make(map[string]string, len(entry.Node.Attributes))
		for _, attr := range entry.Node.Attributes {
			attrs[attr.Key] = attr.Value
		}
		triggers := entry.Node.Triggers
		if triggers == nil {
			triggers = []string{}
		}
		input.Entries = append(input.Entries, EntryInput{
			ID:         entry.Node.ID,
			Kind:       string(entry.Node.Kind),
			Action:     string(entry.Action),
			Reason:     entry.Reason,
			Attributes: attrs,
			Triggers:   triggers,
		})
	}
	return input
}
