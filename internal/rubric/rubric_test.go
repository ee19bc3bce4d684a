package rubric_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/rubric"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func node(id, typ string) workflow.Node { return workflow.Node{ID: id, Type: typ} }

func edge(src, dst string) workflow.Edge { return workflow.Edge{Source: src, Target: dst} }

func chainABC() *workflow.Workflow {
	return &workflow.Workflow{
		Nodes: []workflow.Node{node("A", "io.file-read"), node("B", "llm.summarize"), node("C", "doc.report")},
		Edges: []workflow.Edge{edge("A", "B"), edge("B", "C")},
	}
}

func completedSnapshot() *workflow.ExecutionSnapshot {
	return &workflow.ExecutionSnapshot{
		Status:     workflow.StatusCompleted,
		Outputs:    map[string]interface{}{"C": "report.pdf"},
		DurationMs: 1200,
	}
}

func TestValidateStructure_ChainThenCycle(t *testing.T) {
	wf := chainABC()
	r := rubric.ValidateStructure(wf)
	assert.True(t, r.Valid)
	assert.True(t, r.Acyclic)
	assert.True(t, r.NoOrphans)
	assert.Empty(t, r.Errors)

	wf.Edges = append(wf.Edges, edge("C", "A"))
	r = rubric.ValidateStructure(wf)
	assert.False(t, r.Valid)
	assert.False(t, r.Acyclic)
	assert.Equal(t, []string{"A", "B", "C", "A"}, r.Cycle)
	assert.True(t, rubric.HasCycle(wf))
}

func TestValidateStructure_Cases(t *testing.T) {
	testCases := []struct {
		name        string
		wf          *workflow.Workflow
		valid       bool
		consistent  bool
		acyclic     bool
		noOrphans   bool
		errContains string
	}{
		{
			name: "nil workflow", wf: nil,
			errContains: "missing",
		},
		{
			name: "no nodes", wf: &workflow.Workflow{},
			consistent: true, acyclic: true, noOrphans: true, errContains: "no nodes",
		},
		{
			name:  "single node without edges",
			wf:    &workflow.Workflow{Nodes: []workflow.Node{node("A", "llm.chat")}},
			valid: true, consistent: true, acyclic: true, noOrphans: true,
		},
		{
			name: "dangling edge",
			wf: &workflow.Workflow{
				Nodes: []workflow.Node{node("A", "llm.chat"), node("B", "viz.chart")},
				Edges: []workflow.Edge{edge("A", "B"), edge("B", "Z")},
			},
			acyclic: true, noOrphans: true, errContains: "missing node",
		},
		{
			name: "orphan node",
			wf: &workflow.Workflow{
				Nodes: []workflow.Node{node("A", "llm.chat"), node("B", "viz.chart"), node("C", "debug.log")},
				Edges: []workflow.Edge{edge("A", "B")},
			},
			consistent: true, acyclic: true,
		},
		{
			name: "self edge is a cycle",
			wf: &workflow.Workflow{
				Nodes: []workflow.Node{node("A", "control.loop")},
				Edges: []workflow.Edge{edge("A", "A")},
			},
			consistent: true, noOrphans: true, errContains: "self-referencing",
		},
		{
			name: "unknown type is only a diagnostic",
			wf: &workflow.Workflow{
				Nodes: []workflow.Node{node("A", "magic.wand"), node("B", "viz.table")},
				Edges: []workflow.Edge{edge("A", "B")},
			},
			valid: true, consistent: true, acyclic: true, noOrphans: true, errContains: "unknown type",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := rubric.ValidateStructure(tc.wf)
			assert.Equal(t, tc.valid, r.Valid, "valid")
			assert.Equal(t, tc.consistent, r.EdgesConsistent, "edges consistent")
			assert.Equal(t, tc.acyclic, r.Acyclic, "acyclic")
			assert.Equal(t, tc.noOrphans, r.NoOrphans, "no orphans")
			if tc.errContains != "" {
				assert.Contains(t, fmt.Sprint(r.Errors), tc.errContains)
			}
		})
	}
}

func TestValidateStructure_OrphanIgnoresDanglingEdges(t *testing.T) {
	wf := &workflow.Workflow{
		Nodes: []workflow.Node{node("A", "llm.chat"), node("B", "viz.chart")},
		Edges: []workflow.Edge{edge("A", "B"), edge("X", "A"), edge("Y", "Z")},
	}
	wf.Nodes = append(wf.Nodes, node("C", "debug.log"))
	wf.Edges = append(wf.Edges, edge("C", "missing"))
	r := rubric.ValidateStructure(wf)
	assert.Equal(t, []string{"C"}, r.OrphanNodes)
	assert.Len(t, r.DanglingEdges, 3)
}

func TestEvaluate_AllPass(t *testing.T) {
	ev := rubric.Evaluate(rubric.Input{
		Workflow:            chainABC(),
		Execution:           completedSnapshot(),
		ExplainabilityScore: 0.9,
		IntentScore:         0.8,
	}, rubric.DefaultThresholds())

	assert.Equal(t, trial.ChecklistSize, ev.TrueCount)
	assert.Equal(t, 1.0, ev.Score)
	assert.True(t, ev.Success)
	assert.Empty(t, ev.Checklist.FailedItems())
}

func TestEvaluate_ZeroThresholdsTakeDefaults(t *testing.T) {
	single := &workflow.Workflow{Nodes: []workflow.Node{{ID: "A", Type: "io.file-read"}}}
	ev := rubric.Evaluate(rubric.Input{Workflow: single, Execution: completedSnapshot()}, rubric.Thresholds{})

	assert.False(t, ev.Checklist.MinimumNodes)
	assert.False(t, ev.Checklist.ExplainabilityMet)
	assert.False(t, ev.Checklist.IntentAligned)
	assert.Equal(t, rubric.DefaultThresholds(), rubric.Thresholds{TimeLimit: 60 * time.Second}.WithDefaults())
}

func TestEvaluate_NilWorkflowAllFalse(t *testing.T) {
	ev := rubric.Evaluate(rubric.Input{ExplainabilityScore: 1, IntentScore: 1}, rubric.DefaultThresholds())
	assert.Equal(t, trial.SuccessChecklist{}, ev.Checklist)
	assert.Equal(t, 0, ev.TrueCount)
	assert.False(t, ev.Success)
}

func TestEvaluate_TimeoutScenario(t *testing.T) {
	th := rubric.DefaultThresholds()
	th.TimeLimit = 100 * time.Millisecond
	ev := rubric.Evaluate(rubric.Input{
		Workflow:            chainABC(),
		Execution:           workflow.TimeoutSnapshot(100, "execution timed out"),
		ExplainabilityScore: 0.9,
		IntentScore:         0.9,
	}, th)

	assert.False(t, ev.Checklist.WithinTimeLimit)
	assert.False(t, ev.Checklist.ExecutionCompleted)
	assert.False(t, ev.Checklist.NoRuntimeErrors)
	assert.False(t, ev.Checklist.OutputProduced)
	assert.Equal(t, 8, ev.TrueCount)
	assert.False(t, ev.Success)
}

func TestEvaluate_ThresholdBoundary(t *testing.T) {
	in := rubric.Input{
		Workflow:            chainABC(),
		Execution:           completedSnapshot(),
		ExplainabilityScore: 0.1,
		IntentScore:         0.1,
	}
	ev := rubric.Evaluate(in, rubric.DefaultThresholds())
	require.Equal(t, 10, ev.TrueCount)
	assert.True(t, ev.Success, "10 of 12 is a success")

	in.Execution.DurationMs = 120_000
	ev = rubric.Evaluate(in, rubric.DefaultThresholds())
	assert.Equal(t, 9, ev.TrueCount)
	assert.False(t, ev.Success)
}

func TestEvaluate_NodeErrorsCountAsRuntimeErrors(t *testing.T) {
	exec := completedSnapshot()
	exec.NodeResults = []workflow.NodeResult{{NodeID: "B", Status: workflow.StatusFailed, Error: "rate limited"}}
	ev := rubric.Evaluate(rubric.Input{Workflow: chainABC(), Execution: exec}, rubric.DefaultThresholds())
	assert.False(t, ev.Checklist.NoRuntimeErrors)
}

func TestToolSelectionOptimal(t *testing.T) {
	assert.False(t, rubric.ToolSelectionOptimal(nil))
	assert.False(t, rubric.ToolSelectionOptimal(&workflow.Workflow{}))
	assert.True(t, rubric.ToolSelectionOptimal(&workflow.Workflow{Nodes: []workflow.Node{node("A", "llm.chat")}}))
	assert.False(t, rubric.ToolSelectionOptimal(&workflow.Workflow{
		Nodes: []workflow.Node{node("A", "llm.chat"), node("B", "llm.summarize")},
	}))
	assert.True(t, rubric.ToolSelectionOptimal(chainABC()))
}

// dagGen draws a connected acyclic workflow: every node after the first has
// an edge from some earlier node, plus optional forward edges.
func dagGen(t *rapid.T) *workflow.Workflow {
	n := rapid.IntRange(2, 12).Draw(t, "nodes")
	types := workflow.Catalog()
	wf := &workflow.Workflow{}
	for i := 0; i < n; i++ {
		spec := rapid.SampledFrom(types).Draw(t, fmt.Sprintf("type%d", i))
		wf.Nodes = append(wf.Nodes, node(fmt.Sprintf("n%d", i), spec.Type))
	}
	for i := 1; i < n; i++ {
		parent := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("parent%d", i))
		wf.Edges = append(wf.Edges, edge(fmt.Sprintf("n%d", parent), fmt.Sprintf("n%d", i)))
	}
	extra := rapid.IntRange(0, n).Draw(t, "extra")
	for k := 0; k < extra; k++ {
		a := rapid.IntRange(0, n-2).Draw(t, fmt.Sprintf("a%d", k))
		b := rapid.IntRange(a+1, n-1).Draw(t, fmt.Sprintf("b%d", k))
		wf.Edges = append(wf.Edges, edge(fmt.Sprintf("n%d", a), fmt.Sprintf("n%d", b)))
	}
	return wf
}

func TestProperty_AcyclicConnectedGraphsAreValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		wf := dagGen(t)
		r := rubric.ValidateStructure(wf)
		if !r.Valid {
			t.Fatalf("expected valid structure, got %+v", r)
		}
	})
}

func TestProperty_BackEdgeIsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		wf := dagGen(t)
		// n0 reaches every node through the parent edges.
		last := rapid.IntRange(0, len(wf.Nodes)-1).Draw(t, "from")
		wf.Edges = append(wf.Edges, edge(fmt.Sprintf("n%d", last), "n0"))
		r := rubric.ValidateStructure(wf)
		if r.Valid || r.Acyclic {
			t.Fatalf("expected cycle to be rejected, got %+v", r)
		}
		if len(r.Cycle) < 2 || r.Cycle[0] != r.Cycle[len(r.Cycle)-1] {
			t.Fatalf("cycle path must be closed: %v", r.Cycle)
		}
	})
}

func TestProperty_ChecklistBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var wf *workflow.Workflow
		if rapid.Bool().Draw(t, "hasWorkflow") {
			wf = dagGen(t)
		}
		var exec *workflow.ExecutionSnapshot
		if rapid.Bool().Draw(t, "hasExec") {
			exec = &workflow.ExecutionSnapshot{
				Status:     rapid.SampledFrom([]workflow.ExecutionStatus{workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusTimeout}).Draw(t, "status"),
				DurationMs: rapid.Int64Range(0, 200_000).Draw(t, "duration"),
			}
			if rapid.Bool().Draw(t, "output") {
				exec.Outputs = map[string]interface{}{"x": 1}
			}
		}
		th := rubric.DefaultThresholds()
		th.SuccessThreshold = rapid.IntRange(1, 12).Draw(t, "threshold")
		ev := rubric.Evaluate(rubric.Input{
			Workflow:            wf,
			Execution:           exec,
			ExplainabilityScore: rapid.Float64Range(0, 1).Draw(t, "expl"),
			IntentScore:         rapid.Float64Range(0, 1).Draw(t, "intent"),
		}, th)

		if ev.TrueCount < 0 || ev.TrueCount > trial.ChecklistSize {
			t.Fatalf("true count out of range: %d", ev.TrueCount)
		}
		if ev.TrueCount != ev.Checklist.TrueCount() {
			t.Fatalf("true count mismatch")
		}
		if ev.Success != (ev.TrueCount >= th.SuccessThreshold) {
			t.Fatalf("success %v inconsistent with %d/%d", ev.Success, ev.TrueCount, th.SuccessThreshold)
		}
		in := rubric.Input{Workflow: wf, Execution: exec, ExplainabilityScore: 0.5, IntentScore: 0.5}
		if rubric.Evaluate(in, th).Checklist != rubric.Evaluate(in, th).Checklist {
			t.Fatal("evaluation is not deterministic")
		}
	})
}

func BenchmarkEvaluate(b *testing.B) {
	wf := chainABC()
	exec := completedSnapshot()
	th := rubric.DefaultThresholds()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rubric.Evaluate(rubric.Input{Workflow: wf, Execution: exec, ExplainabilityScore: 0.8, IntentScore: 0.8}, th)
	}
}
