// Package collab declares the collaborators the orchestrator consumes but does
// not implement itself: the workflow generator, the execution engine, the
// persistence layer, and the learning components. Default implementations
// live under internal/; embedders may supply their own.
package collab

import (
	"context"
	"encoding/json"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"
)

// Generation is the output of a Generator call. Workflow may be nil when the
// generator produced nothing usable without failing outright.
type Generation struct {
	Workflow            *workflow.Workflow
	ExplainabilityScore float64
	IntentScore         float64
}

// Generator turns a prompt into a candidate workflow using a strategy.
// Returning an error is a non-fatal generation failure.
type Generator interface {
	Generate(ctx context.Context, prompt string, strategy trial.Strategy) (*Generation, error)
}

// ExecutionEngine runs a workflow. Implementations should honor ctx
// cancellation; the trial executor races the call against its own deadline
// either way.
type ExecutionEngine interface {
	Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error)
}

// ExperienceStore persists experiences. Add and Delete must be safe to call
// concurrently with reads.
type ExperienceStore interface {
	Add(ctx context.Context, exp trial.Experience) error
	// GetRecent returns up to n experiences, newest first.
	GetRecent(ctx context.Context, n int) ([]trial.Experience, error)
	// Export returns every stored experience, oldest first.
	Export(ctx context.Context) ([]trial.Experience, error)
	// Delete removes one experience. A missing id yields errors.ErrNotFound.
	Delete(ctx context.Context, id string) error
	GetStats(ctx context.Context) (trial.ExperienceStats, error)
	// Restore reloads any state the store keeps outside its backend.
	Restore(ctx context.Context) error
	// Clear removes every experience.
	Clear(ctx context.Context) error
}

// CheckpointLogger is the append-only checkpoint log.
type CheckpointLogger interface {
	Init(ctx context.Context) error
	LogCheckpoint(ctx context.Context, cp trial.Checkpoint) error
	// GetLastCheckpoint returns nil, nil when the log is empty.
	GetLastCheckpoint(ctx context.Context) (*trial.Checkpoint, error)
	// GetAllCheckpoints returns the log, oldest first.
	GetAllCheckpoints(ctx context.Context) ([]trial.Checkpoint, error)
	Clear(ctx context.Context) error
}

// Policy chooses strategies and learns from rewards.
type Policy interface {
	SelectStrategy(state trial.LearningState) trial.Strategy
	UpdateWeights(strategy trial.Strategy, reward float64, success bool)
	BatchUpdate(batch []trial.Experience)
	GetWeights() map[trial.Strategy]float64
	Import(weights map[trial.Strategy]float64) error
	Reset()
}

// Supervisor mines failure patterns from results.
type Supervisor interface {
	Learn(result trial.LoopResult)
	GetTopBugPatterns(n int) []trial.BugPattern
	GetGrowthMetrics() trial.GrowthMetrics
	Export() (json.RawMessage, error)
	Import(state json.RawMessage) error
	AddBugPattern(pattern trial.BugPattern)
	Clear()
}

// MultiTurnHandler opens conversation sessions for two-turn scenarios.
type MultiTurnHandler interface {
	StartSession(ctx context.Context) (string, error)
}

// RewardFunc computes the scalar reward for a completed result.
type RewardFunc func(result trial.LoopResult) float64
