package trial

// ChecklistSize is the fixed number of rubric items.
const ChecklistSize = 12

// DefaultSuccessThreshold is the number of items that must hold for a trial
// to count as a success.
const DefaultSuccessThreshold = 10

// SuccessChecklist is the 12-point rubric evaluated for every trial.
type SuccessChecklist struct {
	// Structure.
	StructureValid  bool `json:"structure_valid"`
	NoCycles        bool `json:"no_cycles"`
	NoOrphanNodes   bool `json:"no_orphan_nodes"`
	EdgesConsistent bool `json:"edges_consistent"`
	MinimumNodes    bool `json:"minimum_nodes"`
	// Execution.
	ExecutionCompleted bool `json:"execution_completed"`
	NoRuntimeErrors    bool `json:"no_runtime_errors"`
	OutputProduced     bool `json:"output_produced"`
	WithinTimeLimit    bool `json:"within_time_limit"`
	// Quality.
	ExplainabilityMet    bool `json:"explainability_met"`
	IntentAligned        bool `json:"intent_aligned"`
	ToolSelectionOptimal bool `json:"tool_selection_optimal"`
}

// ChecklistItem is a named rubric entry.
type ChecklistItem struct {
	Name   string
	Passed bool
}

// Items returns the rubric entries in a fixed order.
func (c SuccessChecklist) Items() [ChecklistSize]ChecklistItem {
	return [ChecklistSize]ChecklistItem{
		{"structure_valid", c.StructureValid},
		{"no_cycles", c.NoCycles},
		{"no_orphan_nodes", c.NoOrphanNodes},
		{"edges_consistent", c.EdgesConsistent},
		{"minimum_nodes", c.MinimumNodes},
		{"execution_completed", c.ExecutionCompleted},
		{"no_runtime_errors", c.NoRuntimeErrors},
		{"output_produced", c.OutputProduced},
		{"within_time_limit", c.WithinTimeLimit},
		{"explainability_met", c.ExplainabilityMet},
		{"intent_aligned", c.IntentAligned},
		{"tool_selection_optimal", c.ToolSelectionOptimal},
	}
}

// TrueCount returns how many items hold.
func (c SuccessChecklist) TrueCount() int {
	n := 0
	for _, item := range c.Items() {
		if item.Passed {
			n++
		}
	}
	return n
}

// Score is TrueCount normalized to [0, 1].
func (c SuccessChecklist) Score() float64 {
	return float64(c.TrueCount()) / ChecklistSize
}

// Passed reports whether at least DefaultSuccessThreshold items hold.
func (c SuccessChecklist) Passed() bool {
	return c.PassedWith(DefaultSuccessThreshold)
}

// PassedWith reports whether at least threshold items hold.
func (c SuccessChecklist) PassedWith(threshold int) bool {
	return c.TrueCount() >= threshold
}

// FailedItems returns the names of the items that did not hold.
func (c SuccessChecklist) FailedItems() []string {
	var out []string
	for _, item := range c.Items() {
		if !item.Passed {
			out = append(out, item.Name)
		}
	}
	return out
}
