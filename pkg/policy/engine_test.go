package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stratusops/stratus/pkg/engine"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return e
}

func planWith(entries ...engine.PlanEntry) *engine.Plan {
	return &engine.Plan{
		ID:      "plan-test",
		Stack:   "weather",
		Entries: entries,
	}
}

func entry(id string, kind engine.Kind, action engine.Action, attrs map[string]string) engine.PlanEntry {
	node := engine.ResourceNode{ID: id, Kind: kind}
	for k, v := range attrs {
		node.Attributes = append(node.Attributes, engine.Attribute{Key: k, Value: v})
	}
	node.Attributes = node.Attributes.Canonical()
	return engine.PlanEntry{Node: node, Action: action}
}

func violationsFor(result *Result, policy string) []Violation {
	out := make([]Violation, 0)
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestEngine_CleanPlanAllowed(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("fn.weather", engine.KindFunction, engine.ActionCreate, map[string]string{"name": "weather"}),
		entry("table.cache", engine.KindTable, engine.ActionCreate, map[string]string{"name": "weather-cache"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected clean plan to be allowed, got violations: %v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("expected 4 evaluated policies, got %d", len(result.EvaluatedPolicies))
	}
}

func TestEngine_ProtectedTableDestroyBlocked(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("table.cache", engine.KindTable, engine.ActionDestroy,
			map[string]string{"name": "weather-cache", "protected": "true"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("expected plan destroying a protected table to be blocked")
	}

	violations := violationsFor(result, "protected-table-destroy")
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].ResourceID != "table.cache" {
		t.Errorf("expected violation on table.cache, got %s", violations[0].ResourceID)
	}
	if violations[0].Severity != SeverityError {
		t.Errorf("expected error severity, got %s", violations[0].Severity)
	}
}

func TestEngine_ProtectedTableReplaceBlocked(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("table.cache", engine.KindTable, engine.ActionReplace,
			map[string]string{"name": "weather-cache", "protected": "true", "hash_key": "region"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("expected replacement of a protected table to be blocked")
	}
}

func TestEngine_UnprotectedTableDestroyAllowed(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("table.cache", engine.KindTable, engine.ActionDestroy,
			map[string]string{"name": "weather-cache"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected unprotected table destroy to be allowed, got: %v", result.Violations)
	}
}

func TestEngine_PublicBucketWarns(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("bucket.site", engine.KindBucket, engine.ActionCreate,
			map[string]string{"name": "weather-site", "block_public_access": "false"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// Warning severity never blocks.
	if !result.Allowed {
		t.Error("expected warning-only plan to be allowed")
	}

	warnings := result.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(warnings), result.Violations)
	}
	if warnings[0].Policy != "public-bucket-access" {
		t.Errorf("expected public-bucket-access warning, got %s", warnings[0].Policy)
	}
}

func TestEngine_DeploymentWithoutTriggersWarns(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("deploy.api", engine.KindDeployment, engine.ActionCreate,
			map[string]string{"description": "weather api"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Error("expected warning-only plan to be allowed")
	}
	if len(violationsFor(result, "deployment-without-triggers")) != 1 {
		t.Errorf("expected trigger warning, got: %v", result.Violations)
	}
}

func TestEngine_DeploymentWithTriggersClean(t *testing.T) {
	e := testEngine(t)

	node := engine.ResourceNode{
		ID:   "deploy.api",
		Kind: engine.KindDeployment,
		Attributes: engine.Attributes{
			{Key: "description", Value: "weather api"},
		},
		Triggers: []string{"fn.weather"},
	}
	plan := planWith(engine.PlanEntry{Node: node, Action: engine.ActionCreate})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(violationsFor(result, "deployment-without-triggers")) != 0 {
		t.Errorf("expected no trigger warning, got: %v", result.Violations)
	}
}

func TestEngine_BadResourceNameBlocked(t *testing.T) {
	e := testEngine(t)

	plan := planWith(
		entry("fn.weather", engine.KindFunction, engine.ActionCreate,
			map[string]string{"name": "Weather_API"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("expected plan with invalid resource name to be blocked")
	}
	if len(violationsFor(result, "resource-naming")) != 1 {
		t.Errorf("expected naming violation, got: %v", result.Violations)
	}
}

func TestEngine_AddCustomPolicy(t *testing.T) {
	e := testEngine(t)

	custom := Policy{
		Name:        "no-python-2",
		Description: "Blocks functions on retired runtimes",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package stratus.policies.runtime

import rego.v1

deny contains violation if {
	some entry in input.entries
	entry.kind == "function"
	entry.attributes.runtime == "python2.7"
	violation := {
		"message": sprintf("function %s uses a retired runtime", [entry.id]),
		"severity": "error",
		"resource": entry.id,
	}
}
`,
	}
	if err := e.AddPolicy(context.Background(), custom); err != nil {
		t.Fatalf("failed to add policy: %v", err)
	}

	plan := planWith(
		entry("fn.legacy", engine.KindFunction, engine.ActionCreate,
			map[string]string{"name": "legacy", "runtime": "python2.7"}),
	)

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("expected custom policy to block the plan")
	}
}
