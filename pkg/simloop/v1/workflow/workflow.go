// Package workflow holds the candidate workflow graph produced by a generator
// and the execution snapshot returned by an execution engine.
package workflow

import "strings"

// Node is a single step of a workflow graph. Type is "category.name", e.g.
// "io.file-read" or "llm.chat".
type Node struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Label  string                 `json:"label,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Category returns the top-level tool category of the node, the part of the
// type before the first dot. A type without a dot is its own category.
func (n Node) Category() string {
	if i := strings.IndexByte(n.Type, '.'); i >= 0 {
		return n.Type[:i]
	}
	return n.Type
}

// Edge is a directed data/control dependency from Source to Target.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Workflow is a candidate graph.
type Workflow struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// NodeIDs returns the set of node ids in the workflow.
func (w *Workflow) NodeIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		ids[n.ID] = struct{}{}
	}
	return ids
}

// Clone returns a copy that shares no slices with w. Node params are copied
// one level deep.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		cp.Nodes[i] = n
		if n.Params != nil {
			params := make(map[string]interface{}, len(n.Params))
			for k, v := range n.Params {
				params[k] = v
			}
			cp.Nodes[i].Params = params
		}
	}
	cp.Edges = append([]Edge(nil), w.Edges...)
	return &cp
}

// ExecutionStatus is the terminal state reported by an execution engine.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionError is one runtime error reported by the engine.
type ExecutionError struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// NodeResult is the per-node outcome of an execution.
type NodeResult struct {
	NodeID     string          `json:"node_id"`
	Status     ExecutionStatus `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// ExecutionSnapshot is what an execution engine returns for one run.
type ExecutionSnapshot struct {
	Status      ExecutionStatus        `json:"status"`
	Outputs     map[string]interface{} `json:"outputs"`
	Errors      []ExecutionError       `json:"errors"`
	DurationMs  int64                  `json:"duration_ms"`
	NodeResults []NodeResult           `json:"node_results,omitempty"`
}

// TimeoutSnapshot builds the synthetic snapshot recorded when an execution
// loses the race against its deadline.
func TimeoutSnapshot(timeoutMs int64, message string) *ExecutionSnapshot {
	return &ExecutionSnapshot{
		Status:     StatusTimeout,
		Outputs:    map[string]interface{}{},
		Errors:     []ExecutionError{{Message: message}},
		DurationMs: timeoutMs,
	}
}
