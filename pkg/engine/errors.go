// Package engine implements the reconciliation core: graph construction,
// fingerprint-based diffing, plan computation, and DAG-ordered apply.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// CycleError reports a dependency chain that returns to its origin.
// Fatal at plan time; no partial plan is produced.
type CycleError struct {
	// Path is the cycle, origin repeated at the end.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// DanglingReferenceError reports a reference to a resource id that is not
// present in the declared set. Fatal at plan time.
type DanglingReferenceError struct {
	// NodeID is the resource holding the reference.
	NodeID string

	// Reference is the missing id.
	Reference string

	// Field names the referencing field (depends_on, triggers).
	Field string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("resource %s: %s references undeclared resource %s",
		e.NodeID, e.Field, e.Reference)
}

// ErrorClass classifies provider failures for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry: timeouts, throttling, temporary unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure: invalid
	// attributes, permission denied, conflicting external state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProviderError is a classified failure from the provisioning provider.
type ProviderError struct {
	// Class drives the executor's retry decision.
	Class ErrorClass

	// Op is the provider operation (create, update, destroy).
	Op string

	// NodeID is the resource the operation was issued for.
	NodeID string

	// Message is the provider's failure message.
	Message string

	// Err is the underlying error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] provider %s failed (resource=%s): %s",
			e.Class, e.Op, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] provider %s failed: %s", e.Class, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable provider error.
func NewTransientError(op, message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassTransient, Op: op, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable provider error.
func NewPermanentError(op, message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassPermanent, Op: op, Message: message, Err: err}
}

// WithNode attaches the resource id to the error.
func (e *ProviderError) WithNode(nodeID string) *ProviderError {
	e.NodeID = nodeID
	return e
}

// IsTransient returns true if err is a transient provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Class == ErrorClassTransient
}

// IsPermanent returns true if err is a permanent provider error.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Class == ErrorClassPermanent
}

// IsRetryable returns true if the executor should retry the operation.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// StatePersistenceError reports a failed state store write. Fatal for the
// run: proceeding would make further decisions on unverified state.
type StatePersistenceError struct {
	// NodeID is the record that failed to persist, if node-scoped.
	NodeID string

	// Err is the underlying store failure.
	Err error
}

func (e *StatePersistenceError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("state persistence failed for %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("state persistence failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StatePersistenceError) Unwrap() error {
	return e.Err
}

// IsStatePersistence returns true if err is a state persistence failure.
func IsStatePersistence(err error) bool {
	var se *StatePersistenceError
	return errors.As(err, &se)
}

// SkippedError marks a node skipped because an upstream dependency failed.
type SkippedError struct {
	// NodeID is the skipped resource.
	NodeID string

	// FailedDependency is the upstream resource that failed.
	FailedDependency string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("resource %s skipped: dependency %s did not succeed",
		e.NodeID, e.FailedDependency)
}
