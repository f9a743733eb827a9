package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block a plan.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the plan from applying.
	SeverityError Severity = "error"
)

// Policy is a rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is a single policy violation against a plan entry.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// ResourceID is the plan entry that violated it.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation carries error severity.
	Allowed bool `json:"allowed"`

	// Violations lists all violations, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Warnings returns the subset of violations below error severity.
func (r *Result) Warnings() []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity != SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Errors returns the subset of violations with error severity.
func (r *Result) Errors() []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// PlanInput is the Rego input document built from a plan.
type PlanInput struct {
	Stack   string       `json:"stack"`
	Entries []EntryInput `json:"entries"`
}

// EntryInput is one plan entry flattened for policy evaluation.
type EntryInput struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Action     string            `json:"action"`
	Reason     string            `json:"reason,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Triggers   []string          `json:"triggers"`
}
