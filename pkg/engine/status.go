package engine

import (
	"encoding/json"
	"fmt"
)

// Action is the planned operation for a resource node.
type Action string

const (
	// ActionCreate creates a resource that has no applied record.
	ActionCreate Action = "create"

	// ActionUpdate mutates an existing resource in place.
	ActionUpdate Action = "update"

	// ActionReplace creates the replacement resource and destroys the old
	// one only after the create succeeded, so there is never a window
	// with no live resource.
	ActionReplace Action = "replace_create_then_destroy"

	// ActionDestroy removes a resource that is no longer declared.
	ActionDestroy Action = "destroy"

	// ActionNoOp means the resource already matches its declaration.
	ActionNoOp Action = "no_op"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// IsDestructive returns true if the action removes an external resource.
func (a Action) IsDestructive() bool {
	return a == ActionDestroy || a == ActionReplace
}

// IsMutating returns true if the action changes external state.
func (a Action) IsMutating() bool {
	return a != ActionNoOp
}

// NodeStatus is the per-node state during an apply run.
// Transitions: Pending -> InProgress -> {Succeeded, Failed, Skipped}.
// No node re-enters Pending within a single run.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeInProgress NodeStatus = "in_progress"
	NodeSucceeded  NodeStatus = "succeeded"
	NodeFailed     NodeStatus = "failed"
	NodeSkipped    NodeStatus = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodePending, NodeInProgress, NodeSucceeded, NodeFailed, NodeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// RunStatus is the overall status of an apply run.
type RunStatus string

const (
	// RunSucceeded means every node reached Succeeded.
	RunSucceeded RunStatus = "succeeded"

	// RunPartial means some nodes failed or were skipped while
	// independent branches completed.
	RunPartial RunStatus = "partial"

	// RunFailed means no node succeeded.
	RunFailed RunStatus = "failed"

	// RunCancelled means the run was cancelled before completion;
	// in-flight operations were allowed to finish.
	RunCancelled RunStatus = "cancelled"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnmarshalJSON implements validated JSON unmarshaling.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements validated JSON unmarshaling.
func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = Action(str)
	return a.Validate()
}
