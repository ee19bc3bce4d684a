package learning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

const (
	defaultMaxPatterns = 200
	defaultHistorySize = 1000
	growthWindow       = 50
)

// Error types assigned by the supervisor.
const (
	ErrorTypeGeneration   = "generation_failed"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeInternal     = "internal_error"
	ErrorTypeNotFound     = "not_found"
	ErrorTypePermission   = "permission"
	ErrorTypeInvalidInput = "invalid_input"
	ErrorTypeNetwork      = "network"
	ErrorTypeRuntime      = "runtime"
	rubricPrefix          = "rubric_"
)

var suggestions = map[string]string{
	ErrorTypeGeneration:   "Simplify the prompt or switch to a decompose or few_shot strategy.",
	ErrorTypeTimeout:      "Reduce node count or split long-running steps.",
	ErrorTypeInternal:     "Inspect the trial log; the fault occurred outside generation and execution.",
	ErrorTypeNotFound:     "Check file paths and referenced resources before execution.",
	ErrorTypePermission:   "Verify credentials and access rights for the node.",
	ErrorTypeInvalidInput: "Validate node parameters and upstream output formats.",
	ErrorTypeNetwork:      "Add retries or check connectivity of remote endpoints.",
	ErrorTypeRuntime:      "Review node configuration and upstream data.",
}

var rubricSuggestions = map[string]string{
	"structure_valid":        "Ensure every edge references an existing node.",
	"no_cycles":              "Remove back edges; workflows must be acyclic.",
	"no_orphan_nodes":        "Connect every node or drop unused ones.",
	"edges_consistent":       "Ensure every edge references an existing node.",
	"minimum_nodes":          "Generate at least an input and a processing step.",
	"execution_completed":    "Investigate the failing node and its inputs.",
	"no_runtime_errors":      "Investigate the failing node and its inputs.",
	"output_produced":        "Add an output or export node at the end of the graph.",
	"within_time_limit":      "Reduce node count or split long-running steps.",
	"explainability_met":     "Label nodes and describe the workflow purpose.",
	"intent_aligned":         "Map each prompt requirement to a node.",
	"tool_selection_optimal": "Use nodes from more than one tool category.",
}

// SuggestionFor returns the remediation hint for an error type.
func SuggestionFor(errorType string) string {
	if strings.HasPrefix(errorType, rubricPrefix) {
		if s, ok := rubricSuggestions[strings.TrimPrefix(errorType, rubricPrefix)]; ok {
			return s
		}
	}
	if s, ok := suggestions[errorType]; ok {
		return s
	}
	return suggestions[ErrorTypeRuntime]
}

// PatternSupervisor mines failures into patterns keyed "errorType:nodeType".
type PatternSupervisor struct {
	mu            sync.Mutex
	patterns      map[string]*trial.BugPattern
	history       []bool
	totalLearned  int
	totalFailures int
	maxPatterns   int
	now           func() time.Time
	log           simlog.Logger
}

var _ collab.Supervisor = (*PatternSupervisor)(nil)

// SupervisorOption configures a PatternSupervisor.
type SupervisorOption func(*PatternSupervisor)

// WithMaxPatterns caps the number of retained patterns.
func WithMaxPatterns(n int) SupervisorOption {
	return func(s *PatternSupervisor) {
		if n > 0 {
			s.maxPatterns = n
		}
	}
}

// WithSupervisorClock overrides the clock used for pattern timestamps.
func WithSupervisorClock(now func() time.Time) SupervisorOption {
	return func(s *PatternSupervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPatternSupervisor returns an empty supervisor.
func NewPatternSupervisor(log simlog.Logger, opts ...SupervisorOption) *PatternSupervisor {
	s := &PatternSupervisor{
		patterns:    make(map[string]*trial.BugPattern),
		maxPatterns: defaultMaxPatterns,
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Learn records the result and, for failures, counts each distinct
// error/node pair it exhibits.
func (s *PatternSupervisor) Learn(result trial.LoopResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalLearned++
	s.history = append(s.history, result.Success)
	if len(s.history) > defaultHistorySize {
		s.history = s.history[len(s.history)-defaultHistorySize:]
	}
	if result.Success {
		return
	}
	s.totalFailures++

	now := s.now().UTC()
	for _, f := range classify(result) {
		key := patternKey(f.errorType, f.nodeType)
		p, ok := s.patterns[key]
		if !ok {
			p = &trial.BugPattern{
				Key:        key,
				ErrorType:  f.errorType,
				NodeType:   f.nodeType,
				Suggestion: SuggestionFor(f.errorType),
				FirstSeen:  now,
			}
			s.patterns[key] = p
		}
		p.Count++
		p.LastSeen = now
		if f.example != "" {
			p.Example = truncate(f.example, 200)
		}
	}
	s.evictLocked()
}

type failure struct {
	errorType string
	nodeType  string
	example   string
}

// classify extracts the distinct failures exhibited by a result.
func classify(r trial.LoopResult) []failure {
	switch r.Outcome {
	case trial.OutcomeGenerationFailed:
		return []failure{{errorType: ErrorTypeGeneration, example: r.ErrorMessage}}
	case trial.OutcomeInternalError:
		return []failure{{errorType: ErrorTypeInternal, example: r.ErrorMessage}}
	case trial.OutcomeTimeout:
		return []failure{{errorType: ErrorTypeTimeout, example: r.ErrorMessage}}
	}

	seen := make(map[string]bool)
	var out []failure
	add := func(f failure) {
		k := patternKey(f.errorType, f.nodeType)
		if !seen[k] {
			seen[k] = true
			out = append(out, f)
		}
	}

	nodeTypes := make(map[string]string)
	if r.Workflow != nil {
		for _, n := range r.Workflow.Nodes {
			nodeTypes[n.ID] = n.Type
		}
	}
	if r.Execution != nil {
		for _, e := range r.Execution.Errors {
			add(failure{errorType: classifyMessage(e.Message), nodeType: nodeTypes[e.NodeID], example: e.Message})
		}
		for _, nr := range r.Execution.NodeResults {
			if nr.Error != "" {
				add(failure{errorType: classifyMessage(nr.Error), nodeType: nodeTypes[nr.NodeID], example: nr.Error})
			}
		}
	}
	if len(out) == 0 {
		for _, item := range r.Checklist.FailedItems() {
			add(failure{errorType: rubricPrefix + item})
		}
	}
	if len(out) == 0 {
		add(failure{errorType: ErrorTypeRuntime, example: r.ErrorMessage})
	}
	return out
}

func classifyMessage(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "timeout", "timed out", "deadline"):
		return ErrorTypeTimeout
	case containsAny(m, "not found", "no such", "missing", "404"):
		return ErrorTypeNotFound
	case containsAny(m, "permission", "denied", "unauthorized", "forbidden", "401", "403"):
		return ErrorTypePermission
	case containsAny(m, "invalid", "parse", "malformed", "unsupported", "expected"):
		return ErrorTypeInvalidInput
	case containsAny(m, "connection", "network", "dns", "refused", "unreachable", "eof"):
		return ErrorTypeNetwork
	default:
		return ErrorTypeRuntime
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func patternKey(errorType, nodeType string) string {
	if nodeType == "" {
		nodeType = "*"
	}
	return errorType + ":" + nodeType
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// evictLocked drops the least frequent, least recent patterns above the cap.
func (s *PatternSupervisor) evictLocked() {
	if len(s.patterns) <= s.maxPatterns {
		return
	}
	all := s.sortedLocked()
	for _, p := range all[s.maxPatterns:] {
		delete(s.patterns, p.Key)
	}
}

func (s *PatternSupervisor) sortedLocked() []trial.BugPattern {
	out := make([]trial.BugPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// GetTopBugPatterns returns up to n patterns, most frequent first. n <= 0
// returns all of them.
func (s *PatternSupervisor) GetTopBugPatterns(n int) []trial.BugPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked()
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// GetGrowthMetrics compares the success rate of the earliest and latest
// windows of the learned history.
func (s *PatternSupervisor) GetGrowthMetrics() trial.GrowthMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := trial.GrowthMetrics{
		TotalLearned:     s.totalLearned,
		TotalFailures:    s.totalFailures,
		DistinctPatterns: len(s.patterns),
	}
	w := len(s.history) / 2
	if w > growthWindow {
		w = growthWindow
	}
	if w == 0 {
		return m
	}
	m.EarlySuccessRate = rate(s.history[:w])
	m.RecentSuccessRate = rate(s.history[len(s.history)-w:])
	m.ImprovementRate = m.RecentSuccessRate - m.EarlySuccessRate
	return m
}

func rate(xs []bool) float64 {
	n := 0
	for _, ok := range xs {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(xs))
}

type supervisorState struct {
	Patterns      []trial.BugPattern `json:"patterns"`
	History       []bool             `json:"history,omitempty"`
	TotalLearned  int                `json:"total_learned"`
	TotalFailures int                `json:"total_failures"`
}

// Export serializes the full supervisor state.
func (s *PatternSupervisor) Export() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := supervisorState{
		Patterns:      s.sortedLocked(),
		History:       append([]bool(nil), s.history...),
		TotalLearned:  s.totalLearned,
		TotalFailures: s.totalFailures,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("export supervisor state: %w", err)
	}
	return data, nil
}

// Import replaces the state with one produced by Export. An empty document
// is a no-op.
func (s *PatternSupervisor) Import(state json.RawMessage) error {
	if len(state) == 0 || string(state) == "null" {
		return nil
	}
	var st supervisorState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("import supervisor state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]*trial.BugPattern, len(st.Patterns))
	for i := range st.Patterns {
		p := st.Patterns[i]
		if p.Key == "" {
			p.Key = patternKey(p.ErrorType, p.NodeType)
		}
		s.patterns[p.Key] = &p
	}
	s.history = st.History
	s.totalLearned = st.TotalLearned
	s.totalFailures = st.TotalFailures
	s.evictLocked()
	return nil
}

// AddBugPattern merges a pattern: counts add up and the seen window widens.
func (s *PatternSupervisor) AddBugPattern(pattern trial.BugPattern) {
	if pattern.Key == "" {
		if pattern.ErrorType == "" {
			return
		}
		pattern.Key = patternKey(pattern.ErrorType, pattern.NodeType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.patterns[pattern.Key]
	if !ok {
		if pattern.Count <= 0 {
			pattern.Count = 1
		}
		if pattern.Suggestion == "" {
			pattern.Suggestion = SuggestionFor(pattern.ErrorType)
		}
		if pattern.LastSeen.IsZero() {
			pattern.LastSeen = s.now().UTC()
		}
		if pattern.FirstSeen.IsZero() {
			pattern.FirstSeen = pattern.LastSeen
		}
		s.patterns[pattern.Key] = &pattern
		s.evictLocked()
		return
	}
	existing.Count += max(pattern.Count, 1)
	if !pattern.FirstSeen.IsZero() && pattern.FirstSeen.Before(existing.FirstSeen) {
		existing.FirstSeen = pattern.FirstSeen
	}
	if pattern.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = pattern.LastSeen
		if pattern.Example != "" {
			existing.Example = pattern.Example
		}
	}
}

// Clear forgets everything.
func (s *PatternSupervisor) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]*trial.BugPattern)
	s.history = nil
	s.totalLearned = 0
	s.totalFailures = 0
}
