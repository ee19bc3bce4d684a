package rubric

import (
	"fmt"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// StructureReport is the result of ValidateStructure. Valid is the
// conjunction of HasNodes, EdgesConsistent, Acyclic and NoOrphans; Errors
// carries extra diagnostics that do not affect Valid.
type StructureReport struct {
	Valid           bool            `json:"valid"`
	HasNodes        bool            `json:"has_nodes"`
	EdgesConsistent bool            `json:"edges_consistent"`
	Acyclic         bool            `json:"acyclic"`
	NoOrphans       bool            `json:"no_orphans"`
	Cycle           []string        `json:"cycle,omitempty"`
	DanglingEdges   []workflow.Edge `json:"dangling_edges,omitempty"`
	OrphanNodes     []string        `json:"orphan_nodes,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
}

// graph is the adjacency view of a workflow restricted to consistent edges.
type graph struct {
	order []string
	next  map[string][]string
}

// ValidateStructure checks that wf has nodes, that every edge references
// existing nodes, that the consistent edges form no cycle (a self edge is a
// cycle), and that no node is disconnected when there is more than one.
func ValidateStructure(wf *workflow.Workflow) StructureReport {
	if wf == nil {
		return StructureReport{Errors: []string{"workflow is missing"}}
	}

	r := StructureReport{HasNodes: len(wf.Nodes) > 0, EdgesConsistent: true}
	if !r.HasNodes {
		r.Errors = append(r.Errors, "workflow has no nodes")
	}

	g := graph{next: make(map[string][]string, len(wf.Nodes))}
	for i, n := range wf.Nodes {
		switch {
		case n.ID == "":
			r.Errors = append(r.Errors, fmt.Sprintf("node %d has an empty id", i))
			continue
		case n.Type == "":
			r.Errors = append(r.Errors, fmt.Sprintf("node '%s' has no type", n.ID))
		case !workflow.IsKnownNodeType(n.Type):
			r.Errors = append(r.Errors, fmt.Sprintf("node '%s' has unknown type '%s'", n.ID, n.Type))
		}
		if _, dup := g.next[n.ID]; dup {
			r.Errors = append(r.Errors, fmt.Sprintf("duplicate node id '%s'", n.ID))
			continue
		}
		g.next[n.ID] = nil
		g.order = append(g.order, n.ID)
	}

	connected := make(map[string]bool, len(g.order))
	for _, e := range wf.Edges {
		_, srcOK := g.next[e.Source]
		_, dstOK := g.next[e.Target]
		if !srcOK || !dstOK {
			r.EdgesConsistent = false
			r.DanglingEdges = append(r.DanglingEdges, e)
			r.Errors = append(r.Errors, fmt.Sprintf("edge %s -> %s references a missing node", e.Source, e.Target))
			continue
		}
		if e.Source == e.Target {
			r.Errors = append(r.Errors, fmt.Sprintf("node '%s' has a self-referencing edge", e.Source))
		}
		g.next[e.Source] = append(g.next[e.Source], e.Target)
		connected[e.Source] = true
		connected[e.Target] = true
	}

	r.Cycle = g.findCycle()
	r.Acyclic = r.Cycle == nil
	if !r.Acyclic {
		r.Errors = append(r.Errors, fmt.Sprintf("cycle detected: %v", r.Cycle))
	}

	r.NoOrphans = true
	if len(g.order) > 1 {
		for _, id := range g.order {
			if !connected[id] {
				r.OrphanNodes = append(r.OrphanNodes, id)
			}
		}
		r.NoOrphans = len(r.OrphanNodes) == 0
	}

	r.Valid = r.HasNodes && r.EdgesConsistent && r.Acyclic && r.NoOrphans
	return r
}

// HasCycle reports whether the consistent edges of wf form a cycle.
func HasCycle(wf *workflow.Workflow) bool {
	return ValidateStructure(wf).Cycle != nil
}

// findCycle runs a depth-first search from every unvisited node, keeping the
// current recursion path. It returns the first cycle found, closed on its
// starting node, or nil.
func (g graph) findCycle() []string {
	onPath := make(map[string]bool)
	visited := make(map[string]bool)
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		onPath[id] = true
		visited[id] = true
		stack = append(stack, id)

		for _, next := range g.next[id] {
			if onPath[next] {
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
			}
			if !visited[next] {
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}

		onPath[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
