// Package trial defines the records produced and consumed by one
// generate, execute, score and learn cycle: the result, its checklist, the
// learning state it was taken in, and the persisted experience.
package trial

import (
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// Strategy is a named generation approach chosen by the policy.
type Strategy string

const (
	StrategyDirect             Strategy = "direct"
	StrategyTemplateBased      Strategy = "template_based"
	StrategyChainOfThought     Strategy = "chain_of_thought"
	StrategyFewShot            Strategy = "few_shot"
	StrategyDecompose          Strategy = "decompose"
	StrategyRetrievalAugmented Strategy = "retrieval_augmented"
)

// AllStrategies lists the built-in strategies in a stable order.
func AllStrategies() []Strategy {
	return []Strategy{
		StrategyDirect,
		StrategyTemplateBased,
		StrategyChainOfThought,
		StrategyFewShot,
		StrategyDecompose,
		StrategyRetrievalAugmented,
	}
}

// Outcome tags which path a trial took. Each kind determines which of the
// LoopResult payload fields are populated:
//
//	completed          workflow + execution (status completed)
//	execution_failed   workflow + execution (status failed/cancelled)
//	timeout            workflow + synthetic timeout execution
//	generation_failed  no workflow, no execution, fixed penalty reward
//	internal_error     whatever was produced before the fault
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeExecutionFailed  Outcome = "execution_failed"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeInternalError    Outcome = "internal_error"
)

// Scores are the three auxiliary quality scores attached to a result.
type Scores struct {
	Explainability  float64 `json:"explainability"`
	RubricPassRate  float64 `json:"rubric_pass_rate"`
	IntentAlignment float64 `json:"intent_alignment"`
}

// LoopResult is one trial's outcome. It is never mutated once returned by the
// trial executor.
type LoopResult struct {
	ID              string                      `json:"id"`
	Prompt          string                      `json:"prompt"`
	TemplateID      string                      `json:"template_id,omitempty"`
	Category        string                      `json:"category,omitempty"`
	SessionID       string                      `json:"session_id,omitempty"`
	Workflow        *workflow.Workflow          `json:"workflow,omitempty"`
	Execution       *workflow.ExecutionSnapshot `json:"execution,omitempty"`
	Outcome         Outcome                     `json:"outcome"`
	Success         bool                        `json:"success"`
	Checklist       SuccessChecklist            `json:"checklist"`
	Reward          float64                     `json:"reward"`
	Scores          Scores                      `json:"scores"`
	ExecutionTimeMs int64                       `json:"execution_time_ms"`
	NodeCount       int                         `json:"node_count"`
	Strategy        Strategy                    `json:"strategy"`
	ErrorMessage    string                      `json:"error_message,omitempty"`
	Attempt         int                         `json:"attempt,omitempty"`
	Timestamp       time.Time                   `json:"timestamp"`
}

// PromptFeatures is the feature record extracted from prompt text.
type PromptFeatures struct {
	Length            int     `json:"length"`
	Complexity        float64 `json:"complexity"`
	HasMultiStep      bool    `json:"has_multi_step"`
	HasConditional    bool    `json:"has_conditional"`
	RequiresRetrieval bool    `json:"requires_retrieval"`
	RequiresVision    bool    `json:"requires_vision"`
	IsMultiTurn       bool    `json:"is_multi_turn"`
	DomainCategory    string  `json:"domain_category"`
	KeywordCount      int     `json:"keyword_count"`
	IntentClarity     float64 `json:"intent_clarity"`
}

// StrategyStats summarizes how one strategy has performed.
type StrategyStats struct {
	Uses        int     `json:"uses"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	AvgReward   float64 `json:"avg_reward"`
}

// LearningState is the snapshot handed to the policy before it picks a
// strategy, and stored with the experience afterwards.
type LearningState struct {
	Features           PromptFeatures             `json:"features"`
	RecentRewards      []float64                  `json:"recent_rewards,omitempty"`
	RecentAvgReward    float64                    `json:"recent_avg_reward"`
	SuccessRate        float64                    `json:"success_rate"`
	Attempt            int                        `json:"attempt"`
	StrategyWeights    map[Strategy]float64       `json:"strategy_weights,omitempty"`
	StrategyStats      map[Strategy]StrategyStats `json:"strategy_stats,omitempty"`
	KnownErrorPatterns []string                   `json:"known_error_patterns,omitempty"`
}

// Experience is one persisted (state, strategy, reward, outcome) record.
type Experience struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	State     LearningState `json:"state"`
	Strategy  Strategy      `json:"strategy"`
	Reward    float64       `json:"reward"`
	Success   bool          `json:"success"`
	Result    LoopResult    `json:"result"`
}

// NewExperience pairs a result with the state it was produced in.
func NewExperience(state LearningState, result LoopResult) Experience {
	return Experience{
		ID:        result.ID,
		Timestamp: result.Timestamp,
		State:     state,
		Strategy:  result.Strategy,
		Reward:    result.Reward,
		Success:   result.Success,
		Result:    result,
	}
}

// BugPattern is a recurring failure mined by the supervisor.
type BugPattern struct {
	Key        string    `json:"key"`
	ErrorType  string    `json:"error_type"`
	NodeType   string    `json:"node_type,omitempty"`
	Count      int       `json:"count"`
	Example    string    `json:"example,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// GrowthMetrics reports how the supervisor's view of the run has evolved.
type GrowthMetrics struct {
	TotalLearned      int     `json:"total_learned"`
	TotalFailures     int     `json:"total_failures"`
	DistinctPatterns  int     `json:"distinct_patterns"`
	EarlySuccessRate  float64 `json:"early_success_rate"`
	RecentSuccessRate float64 `json:"recent_success_rate"`
	ImprovementRate   float64 `json:"improvement_rate"`
}
