package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner computes the ordered change set between a declared stack and the
// last-applied state. It is a pure projection: it reads the state store and
// never mutates external state.
type Planner struct {
	store  StateStore
	logger zerolog.Logger
}

// NewPlanner creates a planner over the given state store.
func NewPlanner(store StateStore, logger zerolog.Logger) *Planner {
	return &Planner{
		store:  store,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the full change set for a declared stack.
// Graph errors (cycles, dangling references) abort before any state is
// read; no partial plan is produced.
func (p *Planner) Plan(ctx context.Context, stack *Stack) (*Plan, error) {
	graph, err := BuildGraph(stack)
	if err != nil {
		return nil, err
	}

	records, err := p.store.Load(ctx, stack.Name)
	if err != nil {
		return nil, &StatePersistenceError{Err: err}
	}

	fps := fingerprintSet(graph)
	p.warnEmptyTriggerSets(graph)

	plan := &Plan{
		ID:        uuid.New().String(),
		Stack:     stack.Name,
		CreatedAt: time.Now(),
	}

	// staleOnly marks entries that exist purely to retry the destroy of a
	// replaced resource. They never gate dependents: the live resource is
	// intact regardless of cleanup outcome.
	staleOnly := make(map[string]bool)

	for _, id := range graph.Order {
		node := graph.Nodes[id]
		entry := p.diffNode(node, records[id], fps[id])

		if entry.Action == ActionDestroy && entry.StaleExternalID != "" {
			staleOnly[id] = true
		}

		for _, dep := range node.DependsOn {
			if !staleOnly[dep] {
				entry.DependsOn = append(entry.DependsOn, dep)
			}
		}
		plan.Entries = append(plan.Entries, entry)
	}

	plan.Entries = append(plan.Entries, p.destroyRemoved(graph, records)...)

	for i := range plan.Entries {
		plan.Summary.count(plan.Entries[i].Action)
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("stack", stack.Name).
		Int("create", plan.Summary.ToCreate).
		Int("update", plan.Summary.ToUpdate).
		Int("replace", plan.Summary.ToReplace).
		Int("destroy", plan.Summary.ToDestroy).
		Int("no_op", plan.Summary.NoOp).
		Msg("plan computed")

	return plan, nil
}

// diffNode decides the action for one declared node.
func (p *Planner) diffNode(node *ResourceNode, rec *AppliedRecord, fp Fingerprint) PlanEntry {
	entry := PlanEntry{Node: *node, Fingerprint: fp}

	if rec == nil {
		entry.Action = ActionCreate
		entry.Reason = "resource has no applied record"
		return entry
	}

	if rec.Fingerprint == fp {
		if rec.PendingDestroyID != "" {
			// The live resource matches its declaration; only the stale
			// replacement leftover needs another destroy attempt.
			entry.Action = ActionDestroy
			entry.StaleExternalID = rec.PendingDestroyID
			entry.Reason = "retry destroy of replaced resource"
			return entry
		}
		entry.Action = ActionNoOp
		entry.Reason = "resource matches applied state"
		return entry
	}

	changed := rec.Attributes.ChangedKeys(node.Attributes)
	entry.StaleExternalID = rec.PendingDestroyID

	if node.Kind.IsAggregate() && len(changed) == 0 {
		entry.Action = ActionUpdate
		entry.Reason = "upstream trigger fingerprint changed"
		return entry
	}

	for _, key := range changed {
		if node.Kind.RequiresReplacement(key) {
			entry.Action = ActionReplace
			entry.Reason = fmt.Sprintf("attribute %q cannot be updated in place", key)
			return entry
		}
	}

	entry.Action = ActionUpdate
	entry.Reason = fmt.Sprintf("attributes changed: %s", strings.Join(changed, ", "))
	return entry
}

// destroyRemoved builds Destroy entries for records whose node is no
// longer declared. Dependents are destroyed before their dependencies,
// using the dependency lists preserved in the records.
func (p *Planner) destroyRemoved(graph *Graph, records map[string]*AppliedRecord) []PlanEntry {
	removed := make([]string, 0)
	for id := range records {
		if _, declared := graph.Nodes[id]; !declared {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) == 0 {
		return nil
	}

	removedSet := make(map[string]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}

	// For destroy ordering the edges reverse: a record waits for every
	// removed record that depended on it.
	waitFor := make(map[string][]string)
	for _, id := range removed {
		for _, dep := range records[id].DependsOn {
			if removedSet[dep] {
				waitFor[dep] = append(waitFor[dep], id)
			}
		}
	}

	entries := make([]PlanEntry, 0, len(removed))
	emitted := make(map[string]bool, len(removed))
	for len(entries) < len(removed) {
		progressed := false
		for _, id := range removed {
			if emitted[id] {
				continue
			}
			ready := true
			for _, dependent := range waitFor[id] {
				if !emitted[dependent] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			rec := records[id]
			deps := make([]string, len(waitFor[id]))
			copy(deps, waitFor[id])
			sort.Strings(deps)
			entries = append(entries, PlanEntry{
				Node: ResourceNode{
					ID:         rec.NodeID,
					Kind:       rec.Kind,
					Attributes: rec.Attributes,
					DependsOn:  rec.DependsOn,
				},
				Action:    ActionDestroy,
				Reason:    "resource removed from declared set",
				DependsOn: deps,
			})
			emitted[id] = true
			progressed = true
		}
		if !progressed {
			// Cyclic dependency among stale records; emit the rest in id
			// order so the plan is still complete.
			for _, id := range removed {
				if !emitted[id] {
					rec := records[id]
					entries = append(entries, PlanEntry{
						Node:   ResourceNode{ID: rec.NodeID, Kind: rec.Kind, Attributes: rec.Attributes},
						Action: ActionDestroy,
						Reason: "resource removed from declared set",
					})
					emitted[id] = true
				}
			}
		}
	}
	return entries
}

// PlanDestroy computes a plan that destroys every applied resource of the
// stack, dependents before dependencies (reverse topological order).
func (p *Planner) PlanDestroy(ctx context.Context, stackName string) (*Plan, error) {
	records, err := p.store.Load(ctx, stackName)
	if err != nil {
		return nil, &StatePersistenceError{Err: err}
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		Stack:     stackName,
		CreatedAt: time.Now(),
	}

	// Every record is "removed" for the purposes of a full destroy. A
	// pending replacement leftover is swept along with the live resource
	// at execution time.
	empty := &Graph{Nodes: map[string]*ResourceNode{}}
	plan.Entries = p.destroyRemoved(empty, records)
	for i := range plan.Entries {
		plan.Summary.count(plan.Entries[i].Action)
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("stack", stackName).
		Int("destroy", plan.Summary.ToDestroy).
		Msg("destroy plan computed")

	return plan, nil
}

// warnEmptyTriggerSets logs a warning for every aggregate node with an
// empty curated trigger set: such a node is never redeployed once created,
// which is almost always a configuration mistake.
func (p *Planner) warnEmptyTriggerSets(graph *Graph) {
	for _, id := range graph.Order {
		node := graph.Nodes[id]
		if node.Kind.IsAggregate() && len(node.Triggers) == 0 {
			p.logger.Warn().
				Str("resource_id", id).
				Str("kind", string(node.Kind)).
				Msg("aggregate resource has an empty trigger set and will never be redeployed")
		}
	}
}

func (s *PlanSummary) count(a Action) {
	switch a {
	case ActionCreate:
		s.ToCreate++
	case ActionUpdate:
		s.ToUpdate++
	case ActionReplace:
		s.ToReplace++
	case ActionDestroy:
		s.ToDestroy++
	case ActionNoOp:
		s.NoOp++
	}
}
