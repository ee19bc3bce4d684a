// Package storetest is a conformance suite run against every ExperienceStore
// and CheckpointLogger backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// Experience builds a populated experience whose timestamp is base + i
// seconds.
func Experience(i int, strategy trial.Strategy, success bool, reward float64) trial.Experience {
	id := fmt.Sprintf("exp-%03d", i)
	ts := base.Add(time.Duration(i) * time.Second)
	outcome := trial.OutcomeCompleted
	if !success {
		outcome = trial.OutcomeExecutionFailed
	}
	res := trial.LoopResult{
		ID:              id,
		Prompt:          "3개의 파일을 요약해줘",
		Outcome:         outcome,
		Success:         success,
		Reward:          reward,
		Strategy:        strategy,
		NodeCount:       2,
		ExecutionTimeMs: int64(100 * (i + 1)),
		Timestamp:       ts,
		Workflow: &workflow.Workflow{
			Nodes: []workflow.Node{
				{ID: "a", Type: "io.file-read", Params: map[string]interface{}{"path": "x.txt"}},
				{ID: "b", Type: "llm.chat"},
			},
			Edges: []workflow.Edge{{Source: "a", Target: "b"}},
		},
		Execution: &workflow.ExecutionSnapshot{
			Status:     workflow.StatusCompleted,
			Outputs:    map[string]interface{}{"b": "summary"},
			Errors:     []workflow.ExecutionError{},
			DurationMs: 42,
		},
	}
	if !success {
		res.ErrorMessage = "b: upstream returned invalid json"
	}
	state := trial.LearningState{
		Features:        trial.PromptFeatures{Length: 13, DomainCategory: "document", IntentClarity: 0.7},
		RecentRewards:   []float64{0.5},
		Attempt:         i,
		StrategyWeights: map[trial.Strategy]float64{strategy: 0.25},
	}
	return trial.NewExperience(state, res)
}

// Checkpoint builds a valid checkpoint.
func Checkpoint(i, successes, attempts int) trial.Checkpoint {
	return trial.Checkpoint{
		ID:                fmt.Sprintf("cp-%03d", i),
		Timestamp:         base.Add(time.Duration(i) * time.Minute),
		Reason:            "interval",
		SuccessCount:      successes,
		TotalAttempts:     attempts,
		CurrentBatch:      attempts / 5,
		PolicyWeights:     map[trial.Strategy]float64{trial.StrategyFewShot: 0.4},
		SupervisorState:   json.RawMessage(`{"patterns":[],"total_learned":3,"total_failures":1}`),
		ExperienceLogSize: attempts,
		Metrics:           trial.MetricsSnapshot{Window: attempts, SuccessRate: 0.5, AvgReward: 0.1},
	}
}

// RunExperienceStore exercises an ExperienceStore. newStore must return an
// empty store.
func RunExperienceStore(t *testing.T, newStore func(t *testing.T) collab.ExperienceStore) {
	ctx := context.Background()

	t.Run("AddRecentExport", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Add(ctx, Experience(i, trial.StrategyFewShot, i%2 == 0, float64(i))))
		}

		recent, err := s.GetRecent(ctx, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, []string{"exp-004", "exp-003", "exp-002"}, ids(recent))

		all, err := s.Export(ctx)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "exp-000", all[0].ID)
		assert.Equal(t, "exp-004", all[4].ID)

		want := Experience(4, trial.StrategyFewShot, true, 4)
		got := all[4]
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, want.Result.Workflow, got.Result.Workflow)
		assert.Equal(t, want.State.StrategyWeights, got.State.StrategyWeights)
		assert.Equal(t, want.Reward, got.Reward)
		assert.Equal(t, want.Result.Outcome, got.Result.Outcome)

		over, err := s.GetRecent(ctx, 50)
		require.NoError(t, err)
		assert.Len(t, over, 5)
	})

	t.Run("DeleteAndNotFound", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, Experience(1, trial.StrategyDirect, true, 1)))
		require.NoError(t, s.Add(ctx, Experience(2, trial.StrategyDirect, false, -1)))

		require.NoError(t, s.Delete(ctx, "exp-001"))
		err := s.Delete(ctx, "exp-001")
		require.Error(t, err)
		assert.True(t, errors.Is(err, simerrors.ErrNotFound))

		all, err := s.Export(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"exp-002"}, ids(all))
	})

	t.Run("ReAddReplaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, Experience(1, trial.StrategyDirect, false, -1)))
		require.NoError(t, s.Add(ctx, Experience(1, trial.StrategyDirect, true, 1)))
		all, err := s.Export(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].Success)
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, Experience(0, trial.StrategyDirect, true, 1)))
		require.NoError(t, s.Add(ctx, Experience(1, trial.StrategyFewShot, false, -1)))
		require.NoError(t, s.Add(ctx, Experience(2, trial.StrategyFewShot, true, 0.5)))

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Successes)
		assert.InDelta(t, 0.5/3, stats.AvgReward, 1e-9)
		assert.Equal(t, 2, stats.ByStrategy[trial.StrategyFewShot].Uses)
		assert.Equal(t, 1, stats.ByOutcome[trial.OutcomeExecutionFailed])
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Add(ctx, trial.Experience{}))
	})

	t.Run("ClearRestore", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, Experience(0, trial.StrategyDirect, true, 1)))
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Restore(ctx))
		all, err := s.Export(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ConcurrentAddRead", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					assert.NoError(t, s.Add(ctx, Experience(w*100+i, trial.StrategyDirect, true, 1)))
					_, err := s.GetRecent(ctx, 5)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()
		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 40, stats.Total)
	})
}

// RunCheckpointLogger exercises a CheckpointLogger. newLogger must return an
// empty, uninitialized log.
func RunCheckpointLogger(t *testing.T, newLogger func(t *testing.T) collab.CheckpointLogger) {
	ctx := context.Background()

	t.Run("EmptyLog", func(t *testing.T) {
		l := newLogger(t)
		require.NoError(t, l.Init(ctx))
		last, err := l.GetLastCheckpoint(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)
		all, err := l.GetAllCheckpoints(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("AppendOrder", func(t *testing.T) {
		l := newLogger(t)
		require.NoError(t, l.Init(ctx))
		require.NoError(t, l.LogCheckpoint(ctx, Checkpoint(1, 1, 5)))
		require.NoError(t, l.LogCheckpoint(ctx, Checkpoint(2, 3, 10)))

		last, err := l.GetLastCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "cp-002", last.ID)
		assert.Equal(t, 3, last.SuccessCount)
		assert.Equal(t, 10, last.TotalAttempts)
		assert.Equal(t, 0.4, last.PolicyWeights[trial.StrategyFewShot])
		assert.JSONEq(t, string(Checkpoint(2, 3, 10).SupervisorState), string(last.SupervisorState))

		all, err := l.GetAllCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "cp-001", all[0].ID)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		l := newLogger(t)
		require.NoError(t, l.Init(ctx))
		assert.Error(t, l.LogCheckpoint(ctx, Checkpoint(1, 6, 5)))
	})

	t.Run("Clear", func(t *testing.T) {
		l := newLogger(t)
		require.NoError(t, l.Init(ctx))
		require.NoError(t, l.LogCheckpoint(ctx, Checkpoint(1, 1, 1)))
		require.NoError(t, l.Clear(ctx))
		last, err := l.GetLastCheckpoint(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)
	})
}

func ids(exps []trial.Experience) []string {
	out := make([]string, len(exps))
	for i, e := range exps {
		out[i] = e.ID
	}
	return out
}
