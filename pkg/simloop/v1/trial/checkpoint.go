package trial

import (
	"encoding/json"
	"errors"
	"time"
)

// MetricsSnapshot is the computed summary stored with each checkpoint.
type MetricsSnapshot struct {
	Window             int                        `json:"window"`
	SuccessRate        float64                    `json:"success_rate"`
	AvgReward          float64                    `json:"avg_reward"`
	AvgExecutionTimeMs float64                    `json:"avg_execution_time_ms"`
	AvgNodeCount       float64                    `json:"avg_node_count"`
	StrategyUsage      map[Strategy]StrategyStats `json:"strategy_usage,omitempty"`
	TopFailurePatterns []BugPattern               `json:"top_failure_patterns,omitempty"`
}

// Checkpoint is a durable snapshot of orchestrator progress and learned
// state. Checkpoints form an append-only log; the latest is the restore point.
type Checkpoint struct {
	ID                string               `json:"id"`
	Timestamp         time.Time            `json:"timestamp"`
	Reason            string               `json:"reason,omitempty"`
	SuccessCount      int                  `json:"success_count"`
	TotalAttempts     int                  `json:"total_attempts"`
	CurrentBatch      int                  `json:"current_batch"`
	PolicyWeights     map[Strategy]float64 `json:"policy_weights,omitempty"`
	SupervisorState   json.RawMessage      `json:"supervisor_state,omitempty"`
	ExperienceLogSize int                  `json:"experience_log_size"`
	Metrics           MetricsSnapshot      `json:"metrics"`
}

// Validate checks the invariants every stored checkpoint must satisfy.
func (c Checkpoint) Validate() error {
	if c.ID == "" {
		return errors.New("checkpoint id is required")
	}
	if c.Timestamp.IsZero() {
		return errors.New("checkpoint timestamp is required")
	}
	if c.SuccessCount < 0 || c.TotalAttempts < 0 {
		return errors.New("checkpoint counters cannot be negative")
	}
	if c.SuccessCount > c.TotalAttempts {
		return errors.New("checkpoint success count exceeds total attempts")
	}
	return nil
}

// ExperienceStats aggregates a set of experiences.
type ExperienceStats struct {
	Total              int                        `json:"total"`
	Successes          int                        `json:"successes"`
	Failures           int                        `json:"failures"`
	SuccessRate        float64                    `json:"success_rate"`
	AvgReward          float64                    `json:"avg_reward"`
	AvgExecutionTimeMs float64                    `json:"avg_execution_time_ms"`
	AvgNodeCount       float64                    `json:"avg_node_count"`
	ByStrategy         map[Strategy]StrategyStats `json:"by_strategy,omitempty"`
	ByOutcome          map[Outcome]int            `json:"by_outcome,omitempty"`
	Oldest             *time.Time                 `json:"oldest,omitempty"`
	Newest             *time.Time                 `json:"newest,omitempty"`
}

// ComputeStats aggregates exps. It is pure and safe on an empty slice.
func ComputeStats(exps []Experience) ExperienceStats {
	stats := ExperienceStats{
		ByStrategy: make(map[Strategy]StrategyStats),
		ByOutcome:  make(map[Outcome]int),
	}
	if len(exps) == 0 {
		return stats
	}

	var rewardSum, timeSum, nodeSum float64
	rewardByStrategy := make(map[Strategy]float64)
	for i := range exps {
		e := &exps[i]
		stats.Total++
		if e.Success {
			stats.Successes++
		}
		rewardSum += e.Reward
		timeSum += float64(e.Result.ExecutionTimeMs)
		nodeSum += float64(e.Result.NodeCount)
		if e.Result.Outcome != "" {
			stats.ByOutcome[e.Result.Outcome]++
		}

		s := stats.ByStrategy[e.Strategy]
		s.Uses++
		if e.Success {
			s.Successes++
		}
		stats.ByStrategy[e.Strategy] = s
		rewardByStrategy[e.Strategy] += e.Reward

		ts := e.Timestamp
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			stats.Oldest = &ts
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			newest := ts
			stats.Newest = &newest
		}
	}

	n := float64(stats.Total)
	stats.Failures = stats.Total - stats.Successes
	stats.SuccessRate = float64(stats.Successes) / n
	stats.AvgReward = rewardSum / n
	stats.AvgExecutionTimeMs = timeSum / n
	stats.AvgNodeCount = nodeSum / n
	for name, s := range stats.ByStrategy {
		s.SuccessRate = float64(s.Successes) / float64(s.Uses)
		s.AvgReward = rewardByStrategy[name] / float64(s.Uses)
		stats.ByStrategy[name] = s
	}
	return stats
}

// ComputeSnapshot builds the checkpoint metrics from a window of recent
// experiences and the supervisor's current top failure patterns.
func ComputeSnapshot(recent []Experience, patterns []BugPattern) MetricsSnapshot {
	stats := ComputeStats(recent)
	return MetricsSnapshot{
		Window:             stats.Total,
		SuccessRate:        stats.SuccessRate,
		AvgReward:          stats.AvgReward,
		AvgExecutionTimeMs: stats.AvgExecutionTimeMs,
		AvgNodeCount:       stats.AvgNodeCount,
		StrategyUsage:      stats.ByStrategy,
		TopFailurePatterns: patterns,
	}
}
