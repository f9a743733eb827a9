// Package engine implements the reconciliation core: it builds a
// dependency graph from a declared stack, diffs it against the applied
// state to produce a plan of create, update, replace and destroy
// actions, and executes that plan against a provider with bounded
// parallelism and per-node state persistence.
//
// Change detection is fingerprint based. Every resource gets a content
// hash of its canonical attributes; aggregate resources additionally
// fold in the fingerprints of the resources named in their declared
// trigger set, so an upstream edit redeploys the aggregate even when
// its own attributes are untouched.
package engine
