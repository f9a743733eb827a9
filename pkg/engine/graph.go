package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the directed acyclic dependency graph of a declared stack.
type Graph struct {
	// Nodes maps resource id to its declaration.
	Nodes map[string]*ResourceNode

	// Order is the deterministic topological ordering of all node ids.
	// Ties within a wave break lexicographically by id, so repeated runs
	// over unchanged input produce identical plans.
	Order []string

	// Levels groups node ids by topological depth; ids within a level
	// have no dependency relationship and may be applied concurrently.
	Levels [][]string

	// dependents maps id -> ids that depend on it.
	dependents map[string][]string
}

// BuildGraph constructs the dependency graph from a declared stack.
// It fails with DanglingReferenceError if any depends_on or triggers
// reference is absent, and with CycleError if any reference chain returns
// to its origin.
func BuildGraph(stack *Stack) (*Graph, error) {
	g := &Graph{
		Nodes:      make(map[string]*ResourceNode, len(stack.Nodes)),
		dependents: make(map[string][]string),
	}

	for i := range stack.Nodes {
		node := &stack.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("resource declaration has empty id")
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, fmt.Errorf("duplicate resource id: %s", node.ID)
		}
		if err := node.Kind.Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", node.ID, err)
		}
		g.Nodes[node.ID] = node
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if _, exists := g.Nodes[dep]; !exists {
				return nil, &DanglingReferenceError{NodeID: node.ID, Reference: dep, Field: "depends_on"}
			}
			g.dependents[dep] = append(g.dependents[dep], node.ID)
			inDegree[node.ID]++
		}
		for _, trigger := range node.Triggers {
			if _, exists := g.Nodes[trigger]; !exists {
				return nil, &DanglingReferenceError{NodeID: node.ID, Reference: trigger, Field: "triggers"}
			}
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	// Kahn's algorithm, draining one sorted wave at a time. Each wave is a
	// concurrency level; the concatenation is the topological order.
	remaining := make(map[string]int, len(inDegree))
	for id, deg := range inDegree {
		remaining[id] = deg
	}

	wave := make([]string, 0)
	for id, deg := range remaining {
		if deg == 0 {
			wave = append(wave, id)
		}
	}
	sort.Strings(wave)

	processed := 0
	for len(wave) > 0 {
		g.Levels = append(g.Levels, wave)
		g.Order = append(g.Order, wave...)
		processed += len(wave)

		next := make([]string, 0)
		for _, id := range wave {
			for _, dependent := range g.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		wave = next
	}

	if processed != len(g.Nodes) {
		return nil, &CycleError{Path: findCycle(g, remaining)}
	}

	return g, nil
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// ReverseOrder returns the topological order reversed, the order in which
// resources are destroyed.
func (g *Graph) ReverseOrder() []string {
	out := make([]string, len(g.Order))
	for i, id := range g.Order {
		out[len(g.Order)-1-i] = id
	}
	return out
}

// findCycle recovers a concrete cycle path from the nodes Kahn's algorithm
// could not drain, for the error message.
func findCycle(g *Graph, remaining map[string]int) []string {
	// Restrict the walk to undrained nodes; every one of them sits on or
	// behind a cycle.
	stuck := make(map[string]bool)
	for id, deg := range remaining {
		if deg > 0 {
			stuck[id] = true
		}
	}

	ids := make([]string, 0, len(stuck))
	for id := range stuck {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		path := []string{}
		onPath := make(map[string]int)
		cur := start
		for {
			if pos, seen := onPath[cur]; seen {
				return append(path[pos:], cur)
			}
			onPath[cur] = len(path)
			path = append(path, cur)

			next := ""
			for _, dep := range g.Nodes[cur].DependsOn {
				if stuck[dep] {
					next = dep
					break
				}
			}
			if next == "" {
				break
			}
			cur = next
		}
	}
	return ids
}

// ToDOT renders the graph in Graphviz DOT format, grouping nodes by
// concurrency level.
func (g *Graph) ToDOT(plan *Plan) string {
	var sb strings.Builder
	sb.WriteString("digraph stack {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := fmt.Sprintf("%s\\n%s", id, g.Nodes[id].Kind)
			color := "white"
			if plan != nil {
				if entry := plan.Entry(id); entry != nil {
					color = actionColor(entry.Action)
					label = fmt.Sprintf("%s\\n%s", label, entry.Action)
				}
			}
			fmt.Fprintf(&sb, "    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				id, label, color)
		}
		sb.WriteString("  }\n\n")
	}

	// Edges follow Order so repeated renders of the same graph are
	// byte-identical.
	for _, id := range g.Order {
		node := g.Nodes[id]
		for _, dep := range node.DependsOn {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, node.ID)
		}
		for _, trigger := range node.Triggers {
			fmt.Fprintf(&sb, "  %q -> %q [style=dashed, color=blue];\n", trigger, node.ID)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func actionColor(a Action) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionDestroy, ActionReplace:
		return "lightcoral"
	case ActionNoOp:
		return "lightgray"
	default:
		return "white"
	}
}
