package engine

import (
	"fmt"
	"sort"
	"time"
)

// Kind identifies the type of a declared resource.
type Kind string

const (
	KindFunction            Kind = "function"
	KindAPIGateway          Kind = "api_gateway"
	KindRoute               Kind = "route"
	KindMethod              Kind = "method"
	KindIntegration         Kind = "integration"
	KindMethodResponse      Kind = "method_response"
	KindIntegrationResponse Kind = "integration_response"
	KindDeployment          Kind = "deployment"
	KindStage               Kind = "stage"
	KindTable               Kind = "table"
	KindBucket              Kind = "bucket"
	KindBucketPolicy        Kind = "bucket_policy"
	KindRole                Kind = "role"
	KindPolicy              Kind = "policy"
	KindPolicyAttachment    Kind = "policy_attachment"
	KindPermission          Kind = "permission"
)

// allKinds lists every valid kind, used for validation.
var allKinds = map[Kind]bool{
	KindFunction: true, KindAPIGateway: true, KindRoute: true,
	KindMethod: true, KindIntegration: true, KindMethodResponse: true,
	KindIntegrationResponse: true, KindDeployment: true, KindStage: true,
	KindTable: true, KindBucket: true, KindBucketPolicy: true,
	KindRole: true, KindPolicy: true, KindPolicyAttachment: true,
	KindPermission: true,
}

// Validate checks if the kind is one of the recognized resource kinds.
func (k Kind) Validate() error {
	if !allKinds[k] {
		return fmt.Errorf("invalid resource kind: %s", k)
	}
	return nil
}

// IsAggregate returns true for kinds whose change detection depends on a
// curated set of upstream fingerprints rather than only their own fields.
func (k Kind) IsAggregate() bool {
	return k == KindDeployment
}

// replacementKeys maps each kind to the attribute keys that cannot be
// mutated in place. A change to any of these forces a full replacement.
var replacementKeys = map[Kind]map[string]bool{
	KindFunction:    {"name": true, "runtime": true},
	KindAPIGateway:  {"name": true},
	KindRoute:       {"path_part": true, "parent_id": true},
	KindMethod:      {"http_method": true},
	KindTable:       {"name": true, "hash_key": true, "range_key": true},
	KindBucket:      {"name": true},
	KindRole:        {"name": true},
	KindStage:       {"stage_name": true},
	KindIntegration: {"http_method": true},
}

// RequiresReplacement reports whether changing the given attribute key on
// this kind requires destroying and recreating the resource.
func (k Kind) RequiresReplacement(key string) bool {
	return replacementKeys[k][key]
}

// Attribute is a single declared field of a resource.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes is the ordered field set of a resource node. Loaders
// canonicalize attributes (sorted by key) so that identical declarations
// always produce identical fingerprints.
type Attributes []Attribute

// Get returns the value for key and whether it was present.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Canonical returns a copy sorted by key.
func (a Attributes) Canonical() Attributes {
	out := make(Attributes, len(a))
	copy(out, a)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns the attribute keys in order.
func (a Attributes) Keys() []string {
	keys := make([]string, len(a))
	for i, attr := range a {
		keys[i] = attr.Key
	}
	return keys
}

// ChangedKeys returns the keys whose values differ between a and other,
// including keys present in only one of them.
func (a Attributes) ChangedKeys(other Attributes) []string {
	mine := make(map[string]string, len(a))
	for _, attr := range a {
		mine[attr.Key] = attr.Value
	}
	var changed []string
	theirs := make(map[string]bool, len(other))
	for _, attr := range other {
		theirs[attr.Key] = true
		if v, ok := mine[attr.Key]; !ok || v != attr.Value {
			changed = append(changed, attr.Key)
		}
	}
	for _, attr := range a {
		if !theirs[attr.Key] {
			changed = append(changed, attr.Key)
		}
	}
	sort.Strings(changed)
	return changed
}

// ResourceNode is a single declared infrastructure object.
type ResourceNode struct {
	// ID is the unique, stable identifier for this resource.
	ID string `json:"id"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Attributes are the declared fields, canonicalized by the loader.
	Attributes Attributes `json:"attributes,omitempty"`

	// DependsOn lists the IDs of resources this node depends on.
	DependsOn []string `json:"depends_on,omitempty"`

	// Triggers is the curated upstream set for aggregate kinds: the node
	// is redeployed whenever any listed resource's fingerprint changes.
	// Part of the declared configuration, never inferred.
	Triggers []string `json:"triggers,omitempty"`
}

// Stack is a complete declared resource topology.
type Stack struct {
	// Name identifies the stack; it scopes state records and runs.
	Name string `json:"name"`

	// Nodes are the declared resources.
	Nodes []ResourceNode `json:"nodes"`
}

// NodeByID returns the declared node with the given id, or nil.
func (s *Stack) NodeByID(id string) *ResourceNode {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// PlanEntry is a single planned operation on a resource node.
type PlanEntry struct {
	// Node is the declared node this entry operates on. For Destroy
	// entries of removed resources it is reconstructed from the applied
	// record.
	Node ResourceNode `json:"node"`

	// Action is the planned operation.
	Action Action `json:"action"`

	// Reason is a human-readable explanation for the action.
	Reason string `json:"reason"`

	// DependsOn lists the IDs of other plan entries that must reach a
	// terminal state before this entry may dispatch.
	DependsOn []string `json:"depends_on,omitempty"`

	// StaleExternalID, when set on a Destroy entry, restricts the destroy
	// to a leftover external resource from an earlier replacement whose
	// cleanup failed. The node's live record is preserved.
	StaleExternalID string `json:"stale_external_id,omitempty"`

	// Fingerprint is the declared fingerprint the executor persists on
	// success. Empty for Destroy entries.
	Fingerprint Fingerprint `json:"fingerprint,omitempty"`
}

// Plan is an ordered, side-effect-free set of actions computed before any
// external mutation.
type Plan struct {
	// ID uniquely identifies this plan.
	ID string `json:"id"`

	// Stack is the name of the stack the plan was computed for.
	Stack string `json:"stack"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Entries are the planned operations in topological order. Destroy
	// entries for removed resources follow the declared entries.
	Entries []PlanEntry `json:"entries"`

	// Summary counts entries per action.
	Summary PlanSummary `json:"summary"`
}

// Entry returns the plan entry for a node id, or nil.
func (p *Plan) Entry(id string) *PlanEntry {
	for i := range p.Entries {
		if p.Entries[i].Node.ID == id {
			return &p.Entries[i]
		}
	}
	return nil
}

// HasChanges reports whether any entry performs an external operation.
func (p *Plan) HasChanges() bool {
	for i := range p.Entries {
		if p.Entries[i].Action != ActionNoOp {
			return true
		}
	}
	return false
}

// PlanSummary counts plan entries per action.
type PlanSummary struct {
	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	ToDestroy int `json:"to_destroy"`
	NoOp      int `json:"no_op"`
}

// Total returns the total number of entries counted.
func (s PlanSummary) Total() int {
	return s.ToCreate + s.ToUpdate + s.ToReplace + s.ToDestroy + s.NoOp
}

// NodeResult is the terminal outcome of one plan entry during an apply run.
type NodeResult struct {
	// NodeID is the resource the result belongs to.
	NodeID string `json:"node_id"`

	// Action is the planned action that was attempted.
	Action Action `json:"action"`

	// Status is the terminal node status.
	Status NodeStatus `json:"status"`

	// ExternalID is the provider-assigned identity after the operation.
	ExternalID string `json:"external_id,omitempty"`

	// Attempts is the number of provider calls made, including retries.
	Attempts int `json:"attempts"`

	// DispatchedAt is when the first provider call was issued.
	DispatchedAt time.Time `json:"dispatched_at"`

	// CompletedAt is when the terminal state was reached.
	CompletedAt time.Time `json:"completed_at"`

	// CleanupPending is true when a replacement succeeded but the destroy
	// of the old resource failed and will be retried on the next run.
	CleanupPending bool `json:"cleanup_pending,omitempty"`

	// Err is the failure, if the node failed or was skipped.
	Err error `json:"-"`

	// Error is the string form of Err for serialization.
	Error string `json:"error,omitempty"`
}

// ApplyReport enumerates the outcome of every plan entry in a run.
// A run never ends in silent success on partial failure: every node has an
// explicit terminal status here.
type ApplyReport struct {
	// RunID uniquely identifies the apply run.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Stack is the stack name.
	Stack string `json:"stack"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Results holds one entry per plan entry, keyed by node id.
	Results map[string]*NodeResult `json:"results"`
}

// Summary tallies results per terminal status.
func (r *ApplyReport) Summary() RunSummary {
	var s RunSummary
	s.Total = len(r.Results)
	for _, res := range r.Results {
		switch res.Status {
		case NodeSucceeded:
			s.Succeeded++
		case NodeFailed:
			s.Failed++
		case NodeSkipped:
			s.Skipped++
		}
	}
	return s
}

// Succeeded reports whether every node reached NodeSucceeded.
func (r *ApplyReport) Succeeded() bool {
	for _, res := range r.Results {
		if res.Status != NodeSucceeded {
			return false
		}
	}
	return true
}

// RunSummary counts node results per terminal status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
