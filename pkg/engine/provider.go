package engine

import (
	"context"
	"time"
)

// Provider issues create/update/destroy operations against the external
// provisioning service. Implementations classify failures as
// ProviderError transient or permanent; the executor retries only
// transient failures.
type Provider interface {
	// Create provisions a new resource and returns its external identity
	// and the resulting attributes as reported by the service.
	Create(ctx context.Context, kind Kind, attrs Attributes) (externalID string, result Attributes, err error)

	// Update mutates an existing resource in place.
	Update(ctx context.Context, externalID string, attrs Attributes) (result Attributes, err error)

	// Destroy removes an existing resource.
	Destroy(ctx context.Context, externalID string) error
}

// AppliedRecord is the durable record of a successfully applied resource.
// The state store exclusively owns record lifetime; the apply executor is
// the only writer, the planner only reads.
type AppliedRecord struct {
	// NodeID is the declared resource id the record belongs to.
	NodeID string `json:"node_id"`

	// Kind is the resource kind at apply time.
	Kind Kind `json:"kind"`

	// ExternalID is the provider-assigned identity.
	ExternalID string `json:"external_id"`

	// Fingerprint is the fingerprint of the inputs that were applied.
	Fingerprint Fingerprint `json:"fingerprint"`

	// Attributes are the declared attributes that were last applied.
	// Provider-computed attributes are never stored here, so the planner's
	// diff only ever sees the operator's declarations.
	Attributes Attributes `json:"attributes,omitempty"`

	// DependsOn preserves the declared dependencies at apply time so
	// that removed resources can still be destroyed in order.
	DependsOn []string `json:"depends_on,omitempty"`

	// PendingDestroyID carries the external id of a replaced resource
	// whose destroy failed. A later run retries only that destroy.
	PendingDestroyID string `json:"pending_destroy_id,omitempty"`

	// LastRunID is the run that last wrote this record.
	LastRunID string `json:"last_run_id,omitempty"`

	// LastApplied is when the record was last written.
	LastApplied time.Time `json:"last_applied"`
}

// StateStore is the durable record of last-applied resource identities and
// fingerprints. Load returns all records for a stack; Put and Delete are
// atomic per record and are called by the executor immediately after each
// node reaches a terminal success, so a crash mid-run leaves the store
// consistent with exactly the operations that completed.
type StateStore interface {
	// Load returns every applied record for the stack, keyed by node id.
	Load(ctx context.Context, stack string) (map[string]*AppliedRecord, error)

	// Put atomically inserts or replaces one record.
	Put(ctx context.Context, stack string, record *AppliedRecord) error

	// Delete removes the record for a node id. Deleting an absent record
	// is not an error.
	Delete(ctx context.Context, stack string, nodeID string) error

	// SaveRun persists an apply run summary.
	SaveRun(ctx context.Context, report *ApplyReport) error

	// Close releases the underlying storage.
	Close() error
}
