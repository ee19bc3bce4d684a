// Package rubric scores a trial: structural validation of the generated
// workflow plus the 12-point success checklist. Everything here is pure and
// deterministic.
package rubric

import (
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// Thresholds are the tunable cut-offs of the checklist.
type Thresholds struct {
	SuccessThreshold        int
	MinNodes                int
	ExplainabilityThreshold float64
	IntentThreshold         float64
	// TimeLimit bounds the reported execution duration. Zero disables the
	// duration comparison; a timeout status still fails the item.
	TimeLimit time.Duration
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuccessThreshold:        trial.DefaultSuccessThreshold,
		MinNodes:                2,
		ExplainabilityThreshold: 0.6,
		IntentThreshold:         0.6,
		TimeLimit:               60 * time.Second,
	}
}

// WithDefaults fills every non-positive cut-off from DefaultThresholds.
// TimeLimit is left alone since zero disables the duration comparison.
func (t Thresholds) WithDefaults() Thresholds {
	def := DefaultThresholds()
	if t.SuccessThreshold <= 0 {
		t.SuccessThreshold = def.SuccessThreshold
	}
	if t.MinNodes <= 0 {
		t.MinNodes = def.MinNodes
	}
	if t.ExplainabilityThreshold <= 0 {
		t.ExplainabilityThreshold = def.ExplainabilityThreshold
	}
	if t.IntentThreshold <= 0 {
		t.IntentThreshold = def.IntentThreshold
	}
	return t
}

// Input is everything the checklist looks at.
type Input struct {
	Workflow            *workflow.Workflow
	Execution           *workflow.ExecutionSnapshot
	ExplainabilityScore float64
	IntentScore         float64
}

// Evaluation is the scored checklist.
type Evaluation struct {
	Checklist trial.SuccessChecklist `json:"checklist"`
	Structure StructureReport        `json:"structure"`
	TrueCount int                    `json:"true_count"`
	Score     float64                `json:"score"`
	Success   bool                   `json:"success"`
}

// Evaluate computes the checklist for in. A nil workflow yields an all-false
// checklist. Unset cut-offs take their defaults.
func Evaluate(in Input, th Thresholds) Evaluation {
	th = th.WithDefaults()
	if in.Workflow == nil {
		return Evaluation{Structure: ValidateStructure(nil)}
	}

	report := ValidateStructure(in.Workflow)
	nodeCount := len(in.Workflow.Nodes)
	exec := in.Execution

	c := trial.SuccessChecklist{
		StructureValid:       report.Valid,
		NoCycles:             report.Acyclic,
		NoOrphanNodes:        report.NoOrphans,
		EdgesConsistent:      report.EdgesConsistent,
		MinimumNodes:         nodeCount >= th.MinNodes,
		ExplainabilityMet:    in.ExplainabilityScore >= th.ExplainabilityThreshold,
		IntentAligned:        in.IntentScore >= th.IntentThreshold,
		ToolSelectionOptimal: ToolSelectionOptimal(in.Workflow),
	}
	if exec != nil {
		c.ExecutionCompleted = exec.Status == workflow.StatusCompleted
		c.NoRuntimeErrors = !hasRuntimeErrors(exec)
		c.OutputProduced = len(exec.Outputs) > 0
		c.WithinTimeLimit = exec.Status != workflow.StatusTimeout &&
			(th.TimeLimit <= 0 || exec.DurationMs <= th.TimeLimit.Milliseconds())
	}

	n := c.TrueCount()
	return Evaluation{
		Checklist: c,
		Structure: report,
		TrueCount: n,
		Score:     float64(n) / trial.ChecklistSize,
		Success:   n >= th.SuccessThreshold,
	}
}

func hasRuntimeErrors(exec *workflow.ExecutionSnapshot) bool {
	if len(exec.Errors) > 0 {
		return true
	}
	for _, nr := range exec.NodeResults {
		if nr.Error != "" || nr.Status == workflow.StatusFailed {
			return true
		}
	}
	return false
}

// ToolSelectionOptimal reports whether the workflow draws on at least
// min(2, node count) distinct top-level tool categories. An empty workflow
// fails.
func ToolSelectionOptimal(wf *workflow.Workflow) bool {
	if wf == nil || len(wf.Nodes) == 0 {
		return false
	}
	categories := make(map[string]struct{})
	for _, n := range wf.Nodes {
		categories[n.Category()] = struct{}{}
	}
	need := 2
	if len(wf.Nodes) < need {
		need = len(wf.Nodes)
	}
	return len(categories) >= need
}
