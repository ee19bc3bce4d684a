// Package execution provides execution engines: a dry-run engine that
// simulates node latencies and failures locally, and an HTTP client for a
// remote engine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// ErrNilWorkflow is returned when asked to execute nothing.
var ErrNilWorkflow = errors.New("workflow is nil")

// DryRunConfig tunes the simulated execution.
type DryRunConfig struct {
	// FailureRate is the per-node probability of a simulated runtime error.
	FailureRate float64
	// TimeScale multiplies nominal node latencies into real sleeps. Zero
	// runs instantly while still reporting nominal durations.
	TimeScale float64
	Seed      int64
}

// DryRun walks the workflow in dependency order without side effects.
type DryRun struct {
	cfg DryRunConfig
	log simlog.Logger
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDryRun creates a dry-run engine. A zero seed seeds from the clock.
func NewDryRun(cfg DryRunConfig, log simlog.Logger) *DryRun {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.TimeScale < 0 {
		cfg.TimeScale = 0
	}
	return &DryRun{cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed))}
}

// Execute runs every node after its predecessors. Unknown node types and
// simulated faults fail the node; its descendants are cancelled. Nodes
// whose type produces output contribute an entry to Outputs. A cycle fails
// the whole run before any node executes.
func (d *DryRun) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
	if wf == nil {
		return nil, ErrNilWorkflow
	}
	snap := &workflow.ExecutionSnapshot{
		Status:  workflow.StatusCompleted,
		Outputs: map[string]interface{}{},
		Errors:  []workflow.ExecutionError{},
	}

	order, ok := topoOrder(wf)
	if !ok {
		snap.Status = workflow.StatusFailed
		snap.Errors = append(snap.Errors, workflow.ExecutionError{Message: "workflow contains a cycle"})
		return snap, nil
	}

	preds := make(map[string][]string, len(wf.Nodes))
	for _, e := range wf.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}
	byID := make(map[string]workflow.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		byID[n.ID] = n
	}

	blocked := make(map[string]bool)
	for _, id := range order {
		node := byID[id]
		if upstreamBlocked(preds[id], blocked) {
			blocked[id] = true
			snap.NodeResults = append(snap.NodeResults, workflow.NodeResult{NodeID: id, Status: workflow.StatusCancelled})
			continue
		}

		spec, known := workflow.LookupNodeType(node.Type)
		if !known {
			blocked[id] = true
			msg := fmt.Sprintf("unknown node type %q", node.Type)
			snap.Errors = append(snap.Errors, workflow.ExecutionError{NodeID: id, Message: msg})
			snap.NodeResults = append(snap.NodeResults, workflow.NodeResult{NodeID: id, Status: workflow.StatusFailed, Error: msg})
			continue
		}

		if err := d.sleep(ctx, spec.LatencyMs); err != nil {
			snap.Status = workflow.StatusCancelled
			snap.Errors = append(snap.Errors, workflow.ExecutionError{NodeID: id, Message: "execution cancelled: " + err.Error()})
			return snap, nil
		}
		snap.DurationMs += spec.LatencyMs

		if d.fault() {
			blocked[id] = true
			msg := fmt.Sprintf("simulated runtime error in %s", node.Type)
			snap.Errors = append(snap.Errors, workflow.ExecutionError{NodeID: id, Message: msg})
			snap.NodeResults = append(snap.NodeResults, workflow.NodeResult{NodeID: id, Status: workflow.StatusFailed, DurationMs: spec.LatencyMs, Error: msg})
			continue
		}
		snap.NodeResults = append(snap.NodeResults, workflow.NodeResult{NodeID: id, Status: workflow.StatusCompleted, DurationMs: spec.LatencyMs})
		if spec.Produces {
			snap.Outputs[id] = map[string]interface{}{"type": node.Type, "preview": fmt.Sprintf("dry-run output of %s", id)}
		}
	}

	if len(snap.Errors) > 0 {
		snap.Status = workflow.StatusFailed
	}
	d.log.Debugf("Dry-run executed %d nodes in %dms nominal, status %s", len(order), snap.DurationMs, snap.Status)
	return snap, nil
}

func (d *DryRun) fault() bool {
	if d.cfg.FailureRate <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.cfg.FailureRate
}

func (d *DryRun) sleep(ctx context.Context, latencyMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.cfg.TimeScale == 0 || latencyMs <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(float64(latencyMs) * d.cfg.TimeScale * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func upstreamBlocked(preds []string, blocked map[string]bool) bool {
	for _, p := range preds {
		if blocked[p] {
			return true
		}
	}
	return false
}

// topoOrder is Kahn's algorithm, stable in node declaration order. Edges to
// unknown nodes are ignored. It reports false on a cycle.
func topoOrder(wf *workflow.Workflow) ([]string, bool) {
	ids := wf.NodeIDs()
	indeg := make(map[string]int, len(wf.Nodes))
	succ := make(map[string][]string, len(wf.Nodes))
	for _, e := range wf.Edges {
		_, okS := ids[e.Source]
		_, okT := ids[e.Target]
		if !okS || !okT {
			continue
		}
		succ[e.Source] = append(succ[e.Source], e.Target)
		indeg[e.Target]++
	}

	var queue, order []string
	queued := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if indeg[n.ID] == 0 && !queued[n.ID] {
			queued[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, len(order) == len(ids)
}

var _ collab.ExecutionEngine = (*DryRun)(nil)
