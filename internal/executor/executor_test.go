package executor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/executor"
	"github.com/gxo-labs/simloop/internal/learning"
	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/prompt"
	"github.com/gxo-labs/simloop/internal/rubric"
	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"
)

func goodWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "read", Type: "io.file-read"},
			{ID: "sum", Type: "llm.chat"},
			{ID: "out", Type: "io.file-write"},
		},
		Edges: []workflow.Edge{{Source: "read", Target: "sum"}, {Source: "sum", Target: "out"}},
	}
}

type genFunc func(ctx context.Context, prompt string, s trial.Strategy) (*collab.Generation, error)

func (f genFunc) Generate(ctx context.Context, prompt string, s trial.Strategy) (*collab.Generation, error) {
	return f(ctx, prompt, s)
}

type engineFunc func(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error)

func (f engineFunc) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
	return f(ctx, wf)
}

func staticGenerator(wf *workflow.Workflow) collab.Generator {
	return genFunc(func(context.Context, string, trial.Strategy) (*collab.Generation, error) {
		return &collab.Generation{Workflow: wf, ExplainabilityScore: 0.9, IntentScore: 0.8}, nil
	})
}

func completedEngine() collab.ExecutionEngine {
	return engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		return &workflow.ExecutionSnapshot{
			Status:     workflow.StatusCompleted,
			Outputs:    map[string]interface{}{"out": "ok"},
			DurationMs: 12,
		}, nil
	})
}

type harness struct {
	exec   *executor.Executor
	store  *store.MemoryExperienceStore
	policy *learning.BanditPolicy
	sup    *learning.PatternSupervisor
}

func newHarness(t *testing.T, gen collab.Generator, eng collab.ExecutionEngine, mutate func(*executor.Config, *executor.Deps)) harness {
	t.Helper()
	log := logger.NewDiscardLogger()
	pcfg := learning.DefaultBanditConfig()
	pcfg.Epsilon = 0
	h := harness{
		store:  store.NewMemoryExperienceStore(0),
		policy: learning.NewBanditPolicy(pcfg, log),
		sup:    learning.NewPatternSupervisor(log),
	}
	deps := executor.Deps{Generator: gen, Engine: eng, Store: h.store, Policy: h.policy, Supervisor: h.sup}
	cfg := executor.DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	x, err := executor.New(deps, cfg, log)
	require.NoError(t, err)
	h.exec = x
	return h
}

func request() executor.Request {
	return executor.Request{
		Selection:     prompt.Selection{Prompt: "5개의 PDF 보고서를 읽고 요약해서 마크다운으로 저장해줘", TemplateID: "t1", Category: "document"},
		Attempt:       1,
		SuccessCount:  0,
		TotalAttempts: 0,
	}
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, staticGenerator(goodWorkflow()), completedEngine(), nil)
	res := h.exec.Execute(context.Background(), request())

	assert.Equal(t, trial.OutcomeCompleted, res.Outcome)
	assert.True(t, res.Success)
	assert.Equal(t, 12, res.Checklist.TrueCount())
	assert.Equal(t, 3, res.NodeCount)
	assert.Equal(t, "t1", res.TemplateID)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, res.ErrorMessage)
	assert.InDelta(t, 1.5, res.Reward, 1e-9)
	assert.InDelta(t, 1.0, res.Scores.RubricPassRate, 1e-9)
	assert.Equal(t, 0.9, res.Scores.Explainability)

	recent, err := h.store.GetRecent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.ID, recent[0].ID)
	assert.Equal(t, res.Strategy, recent[0].Strategy)
	assert.Greater(t, h.policy.GetWeights()[res.Strategy], 0.0)
	assert.Equal(t, 1, h.sup.GetGrowthMetrics().TotalLearned)
}

func TestExecute_PartialConfigKeepsRubricDefaults(t *testing.T) {
	gen := genFunc(func(context.Context, string, trial.Strategy) (*collab.Generation, error) {
		return &collab.Generation{Workflow: &workflow.Workflow{Nodes: []workflow.Node{{ID: "only", Type: "io.file-read"}}}}, nil
	})
	h := newHarness(t, gen, completedEngine(), func(c *executor.Config, _ *executor.Deps) {
		*c = executor.Config{Timeout: 2 * time.Second}
	})

	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeCompleted, res.Outcome)
	assert.False(t, res.Checklist.MinimumNodes)
	assert.False(t, res.Checklist.ExplainabilityMet)
	assert.False(t, res.Checklist.IntentAligned)
	assert.False(t, res.Success)
}

func TestExecute_TimeLimitFollowsTimeout(t *testing.T) {
	eng := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		return &workflow.ExecutionSnapshot{
			Status:     workflow.StatusCompleted,
			Outputs:    map[string]interface{}{"out": "ok"},
			DurationMs: 90_000,
		}, nil
	})
	h := newHarness(t, staticGenerator(goodWorkflow()), eng, func(c *executor.Config, _ *executor.Deps) {
		c.Timeout = 120 * time.Second
		c.Thresholds.TimeLimit = time.Second
	})

	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeCompleted, res.Outcome)
	assert.True(t, res.Checklist.WithinTimeLimit)
	assert.True(t, res.Success)
}

func TestExecute_GenerationFailure(t *testing.T) {
	gen := genFunc(func(context.Context, string, trial.Strategy) (*collab.Generation, error) {
		return nil, errors.New("model refused")
	})
	var engineCalls atomic.Int32
	eng := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		engineCalls.Add(1)
		return nil, nil
	})
	h := newHarness(t, gen, eng, func(c *executor.Config, _ *executor.Deps) { c.GenerationFailurePenalty = -0.75 })

	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeGenerationFailed, res.Outcome)
	assert.False(t, res.Success)
	assert.Zero(t, res.Checklist.TrueCount())
	assert.Equal(t, -0.75, res.Reward)
	assert.Contains(t, res.ErrorMessage, "model refused")
	assert.Nil(t, res.Workflow)
	assert.Nil(t, res.Execution)
	assert.Zero(t, engineCalls.Load())

	top := h.sup.GetTopBugPatterns(1)
	require.Len(t, top, 1)
	assert.Equal(t, learning.ErrorTypeGeneration, top[0].ErrorType)
	assert.Equal(t, 1, h.store.Len())
}

func TestExecute_NilWorkflowIsGenerationFailure(t *testing.T) {
	h := newHarness(t, staticGenerator(nil), completedEngine(), nil)
	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeGenerationFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "no workflow")
}

func TestExecute_TimeoutProducesSyntheticSnapshot(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	eng := engineFunc(func(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return &workflow.ExecutionSnapshot{Status: workflow.StatusCompleted}, nil
	})
	h := newHarness(t, staticGenerator(goodWorkflow()), eng, func(c *executor.Config, _ *executor.Deps) {
		c.Timeout = 30 * time.Millisecond
	})

	start := time.Now()
	res := h.exec.Execute(context.Background(), request())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, trial.OutcomeTimeout, res.Outcome)
	assert.False(t, res.Success)
	assert.False(t, res.Checklist.WithinTimeLimit)
	require.NotNil(t, res.Execution)
	assert.Equal(t, workflow.StatusTimeout, res.Execution.Status)
	assert.Empty(t, res.Execution.Outputs)
	require.Len(t, res.Execution.Errors, 1)
	assert.Contains(t, res.Execution.Errors[0].Message, "timeout")
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestExecute_EngineErrorAndFailedStatus(t *testing.T) {
	eng := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		return nil, errors.New("engine unreachable: connection refused")
	})
	h := newHarness(t, staticGenerator(goodWorkflow()), eng, nil)
	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeExecutionFailed, res.Outcome)
	assert.Equal(t, workflow.StatusFailed, res.Execution.Status)
	assert.False(t, res.Checklist.ExecutionCompleted)
	assert.Contains(t, res.ErrorMessage, "connection refused")

	failing := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		return &workflow.ExecutionSnapshot{
			Status: workflow.StatusFailed,
			Errors: []workflow.ExecutionError{{NodeID: "sum", Message: "invalid json from model"}},
		}, nil
	})
	h = newHarness(t, staticGenerator(goodWorkflow()), failing, nil)
	res = h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeExecutionFailed, res.Outcome)
	assert.Equal(t, "sum: invalid json from model", res.ErrorMessage)
	top := h.sup.GetTopBugPatterns(1)
	require.Len(t, top, 1)
	assert.Equal(t, "invalid_input:llm.chat", top[0].Key)
}

func TestExecute_PanicsBecomeInternalError(t *testing.T) {
	gen := genFunc(func(context.Context, string, trial.Strategy) (*collab.Generation, error) {
		panic("boom")
	})
	h := newHarness(t, gen, completedEngine(), nil)
	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeInternalError, res.Outcome)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "boom")
	assert.Equal(t, -1.0, res.Reward)

	enginePanic := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		panic("engine exploded")
	})
	h = newHarness(t, staticGenerator(goodWorkflow()), enginePanic, nil)
	res = h.exec.Execute(context.Background(), request())
	assert.Equal(t, trial.OutcomeExecutionFailed, res.Outcome)
	assert.Contains(t, res.ErrorMessage, "engine exploded")
}

func TestExecute_CancelledContextStillPersists(t *testing.T) {
	eng := engineFunc(func(ctx context.Context, _ *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, staticGenerator(goodWorkflow()), eng, func(c *executor.Config, _ *executor.Deps) { c.Timeout = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := h.exec.Execute(ctx, request())
	assert.False(t, res.Success)
	assert.Equal(t, trial.OutcomeExecutionFailed, res.Outcome)
	assert.Equal(t, 1, h.store.Len())
}

func TestExecute_CustomRewardAndSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, staticGenerator(goodWorkflow()), completedEngine(), func(_ *executor.Config, d *executor.Deps) {
		d.Reward = func(trial.LoopResult) float64 { return 42 }
		d.Tracer = tp.Tracer("test")
	})
	res := h.exec.Execute(context.Background(), request())
	assert.Equal(t, 42.0, res.Reward)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "simloop.trial", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("simloop.outcome", "completed"))
}

func TestExecute_LearningStateFromCollaborators(t *testing.T) {
	var seen trial.LearningState
	h := newHarness(t, staticGenerator(goodWorkflow()), completedEngine(), nil)
	h.sup.AddBugPattern(trial.BugPattern{ErrorType: "timeout", Count: 4})
	for i := 0; i < 3; i++ {
		h.exec.Execute(context.Background(), request())
	}

	capture := &capturePolicy{Policy: h.policy, seen: &seen}
	x, err := executor.New(executor.Deps{
		Generator: staticGenerator(goodWorkflow()), Engine: completedEngine(),
		Store: h.store, Policy: capture, Supervisor: h.sup,
	}, executor.DefaultConfig(), logger.NewDiscardLogger())
	require.NoError(t, err)

	req := request()
	req.Attempt, req.SuccessCount, req.TotalAttempts = 4, 3, 3
	x.Execute(context.Background(), req)

	assert.Equal(t, 4, seen.Attempt)
	assert.Equal(t, 1.0, seen.SuccessRate)
	assert.Len(t, seen.RecentRewards, 3)
	assert.InDelta(t, 1.5, seen.RecentAvgReward, 1e-9)
	assert.Contains(t, seen.KnownErrorPatterns, "timeout:*")
	assert.NotEmpty(t, seen.StrategyStats)
	assert.Equal(t, "document", seen.Features.DomainCategory)
}

type capturePolicy struct {
	collab.Policy
	seen *trial.LearningState
}

func (c *capturePolicy) SelectStrategy(state trial.LearningState) trial.Strategy {
	*c.seen = state
	return c.Policy.SelectStrategy(state)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := executor.New(executor.Deps{}, executor.DefaultConfig(), logger.NewDiscardLogger())
	assert.Error(t, err)
}

func TestProperty_SuccessMatchesThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := rapid.SampledFrom([]workflow.ExecutionStatus{workflow.StatusCompleted, workflow.StatusFailed}).Draw(t, "status")
		withOutput := rapid.Bool().Draw(t, "output")
		explain := rapid.Float64Range(0, 1).Draw(t, "explain")
		intent := rapid.Float64Range(0, 1).Draw(t, "intent")

		gen := genFunc(func(context.Context, string, trial.Strategy) (*collab.Generation, error) {
			return &collab.Generation{Workflow: goodWorkflow(), ExplainabilityScore: explain, IntentScore: intent}, nil
		})
		eng := engineFunc(func(context.Context, *workflow.Workflow) (*workflow.ExecutionSnapshot, error) {
			snap := &workflow.ExecutionSnapshot{Status: status, Outputs: map[string]interface{}{}}
			if withOutput {
				snap.Outputs["out"] = 1
			}
			return snap, nil
		})
		log := logger.NewDiscardLogger()
		x, err := executor.New(executor.Deps{
			Generator: gen, Engine: eng, Store: store.NewMemoryExperienceStore(0),
			Policy: learning.NewBanditPolicy(learning.DefaultBanditConfig(), log), Supervisor: learning.NewPatternSupervisor(log),
		}, executor.DefaultConfig(), log)
		if err != nil {
			t.Fatal(err)
		}
		res := x.Execute(context.Background(), request())
		n := res.Checklist.TrueCount()
		if n < 0 || n > trial.ChecklistSize {
			t.Fatalf("true count %d out of range", n)
		}
		if res.Success != (n >= rubric.DefaultThresholds().SuccessThreshold) {
			t.Fatalf("success=%t with %d items", res.Success, n)
		}
	})
}
