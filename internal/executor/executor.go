// Package executor runs one trial: generate a workflow, execute it against a
// deadline, score it with the rubric, then persist and learn from the
// result. Failures never escape as errors; they are encoded in the returned
// LoopResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gxo-labs/simloop/internal/prompt"
	"github.com/gxo-labs/simloop/internal/rubric"
	"github.com/gxo-labs/simloop/internal/tracing"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config tunes a trial.
type Config struct {
	// Thresholds are the rubric cut-offs. Zero fields take their defaults
	// and TimeLimit always follows Timeout.
	Thresholds rubric.Thresholds
	// Timeout bounds the execution engine call and the reported duration.
	Timeout time.Duration
	// GenerationFailurePenalty is the fixed reward of a generation failure.
	GenerationFailurePenalty float64
	// RecentWindow is how many recent experiences feed the learning state.
	RecentWindow int
	// KnownPatterns is how many supervisor patterns feed the learning state.
	KnownPatterns int
}

// DefaultConfig returns the stock trial settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:               rubric.DefaultThresholds(),
		Timeout:                  60 * time.Second,
		GenerationFailurePenalty: -1,
		RecentWindow:             20,
		KnownPatterns:            5,
	}
}

// Deps are the collaborators a trial consumes. Generator, Engine, Store,
// Policy and Supervisor are required.
type Deps struct {
	Generator  collab.Generator
	Engine     collab.ExecutionEngine
	Store      collab.ExperienceStore
	Policy     collab.Policy
	Supervisor collab.Supervisor
	Reward     collab.RewardFunc
	Tracer     trace.Tracer
}

// Request carries what the main loop knows when it starts a trial.
type Request struct {
	Selection     prompt.Selection
	Attempt       int
	SuccessCount  int
	TotalAttempts int
}

// Executor runs trials. It holds no per-trial state and is safe for
// concurrent use, though the main loop runs trials one at a time.
type Executor struct {
	deps Deps
	cfg  Config
	log  simlog.Logger
	now  func() time.Time
}

// New validates deps and returns an Executor.
func New(deps Deps, cfg Config, log simlog.Logger) (*Executor, error) {
	switch {
	case deps.Generator == nil:
		return nil, simerrors.NewConfigError("trial executor requires a generator", nil)
	case deps.Engine == nil:
		return nil, simerrors.NewConfigError("trial executor requires an execution engine", nil)
	case deps.Store == nil:
		return nil, simerrors.NewConfigError("trial executor requires an experience store", nil)
	case deps.Policy == nil:
		return nil, simerrors.NewConfigError("trial executor requires a policy", nil)
	case deps.Supervisor == nil:
		return nil, simerrors.NewConfigError("trial executor requires a supervisor", nil)
	}
	if deps.Reward == nil {
		deps.Reward = DefaultReward
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("simloop")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	cfg.Thresholds = cfg.Thresholds.WithDefaults()
	cfg.Thresholds.TimeLimit = cfg.Timeout
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConfig().RecentWindow
	}
	if cfg.KnownPatterns <= 0 {
		cfg.KnownPatterns = DefaultConfig().KnownPatterns
	}
	return &Executor{deps: deps, cfg: cfg, log: log, now: time.Now}, nil
}

// Execute runs one trial and always returns a LoopResult. The experience is
// persisted and the supervisor and policy learn from it before returning.
func (x *Executor) Execute(ctx context.Context, req Request) trial.LoopResult {
	ctx, span := x.deps.Tracer.Start(ctx, "simloop.trial", trace.WithAttributes(
		attribute.Int("simloop.attempt", req.Attempt),
		attribute.String("simloop.template_id", req.Selection.TemplateID),
	))
	defer span.End()

	result, state := x.run(ctx, req)
	x.learn(ctx, state, result)

	span.SetAttributes(
		attribute.String("simloop.trial_id", result.ID),
		attribute.String("simloop.strategy", string(result.Strategy)),
		attribute.String("simloop.outcome", string(result.Outcome)),
		attribute.Bool("simloop.success", result.Success),
		attribute.Float64("simloop.reward", result.Reward),
	)
	if !result.Success && result.ErrorMessage != "" {
		tracing.RecordErrorWithContext(span, errors.New(result.ErrorMessage), tracing.DefaultRedactedKeywords)
	}
	return result
}

func (x *Executor) run(ctx context.Context, req Request) (result trial.LoopResult, state trial.LearningState) {
	result = trial.LoopResult{
		ID:         uuid.NewString(),
		Prompt:     req.Selection.Prompt,
		TemplateID: req.Selection.TemplateID,
		Category:   req.Selection.Category,
		SessionID:  req.Selection.SessionID,
		Attempt:    req.Attempt,
		Timestamp:  x.now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			err := simerrors.NewTrialError(result.ID, string(trial.OutcomeInternalError), string(result.Strategy), fmt.Errorf("panic: %v", r))
			x.log.Errorf("Recovered panic in trial: %v\n%s", err, debug.Stack())
			result.Outcome = trial.OutcomeInternalError
			result.Success = false
			result.Checklist = trial.SuccessChecklist{}
			result.Scores.RubricPassRate = 0
			result.ErrorMessage = err.Error()
			result.Reward = x.safeReward(result)
		}
	}()

	state = x.buildState(ctx, req)
	result.Strategy = x.deps.Policy.SelectStrategy(state)

	gen, err := x.deps.Generator.Generate(ctx, req.Selection.Prompt, result.Strategy)
	if err == nil && (gen == nil || gen.Workflow == nil) {
		err = errors.New("generator returned no workflow")
	}
	if err != nil {
		terr := simerrors.NewTrialError(result.ID, string(trial.OutcomeGenerationFailed), string(result.Strategy), err)
		x.log.Warnf("Generation failed: %v", terr)
		result.Outcome = trial.OutcomeGenerationFailed
		result.ErrorMessage = tracing.RedactSecretsInString(fmt.Sprintf("generation failed: %v", err), tracing.DefaultRedactedKeywords)
		result.Reward = x.cfg.GenerationFailurePenalty
		return result, state
	}

	wf := gen.Workflow
	result.Workflow = wf
	result.NodeCount = len(wf.Nodes)
	result.Scores.Explainability = gen.ExplainabilityScore
	result.Scores.IntentAlignment = gen.IntentScore

	started := x.now()
	snapshot, outcome := x.executeWithTimeout(ctx, wf)
	result.ExecutionTimeMs = x.now().Sub(started).Milliseconds()
	result.Execution = snapshot
	result.Outcome = outcome

	ev := rubric.Evaluate(rubric.Input{
		Workflow:            wf,
		Execution:           snapshot,
		ExplainabilityScore: gen.ExplainabilityScore,
		IntentScore:         gen.IntentScore,
	}, x.cfg.Thresholds)
	result.Checklist = ev.Checklist
	result.Success = ev.Success
	result.Scores.RubricPassRate = ev.Score
	if !result.Success {
		result.ErrorMessage = failureMessage(snapshot, ev)
	}
	result.Reward = x.safeReward(result)
	return result, state
}

type execResult struct {
	snapshot *workflow.ExecutionSnapshot
	err      error
}

// executeWithTimeout races the engine against the configured timeout. The
// engine call runs in its own goroutine with a context cancelled on return;
// if the engine ignores it, the goroutine finishes into a buffered channel
// and is dropped.
func (x *Executor) executeWithTimeout(ctx context.Context, wf *workflow.Workflow) (*workflow.ExecutionSnapshot, trial.Outcome) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan execResult, 1)
	started := x.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("execution engine panic: %v", r)}
			}
		}()
		snap, err := x.deps.Engine.Execute(execCtx, wf.Clone())
		done <- execResult{snapshot: snap, err: err}
	}()

	timer := time.NewTimer(x.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		elapsed := x.now().Sub(started).Milliseconds()
		if res.err != nil {
			return failedSnapshot(res.err.Error(), elapsed), trial.OutcomeExecutionFailed
		}
		if res.snapshot == nil {
			return failedSnapshot("execution engine returned no snapshot", elapsed), trial.OutcomeExecutionFailed
		}
		switch res.snapshot.Status {
		case workflow.StatusCompleted:
			return res.snapshot, trial.OutcomeCompleted
		case workflow.StatusTimeout:
			return res.snapshot, trial.OutcomeTimeout
		default:
			return res.snapshot, trial.OutcomeExecutionFailed
		}
	case <-timer.C:
		return workflow.TimeoutSnapshot(x.cfg.Timeout.Milliseconds(),
			fmt.Sprintf("execution exceeded timeout of %s", x.cfg.Timeout)), trial.OutcomeTimeout
	case <-ctx.Done():
		snap := failedSnapshot(fmt.Sprintf("execution cancelled: %v", ctx.Err()), x.now().Sub(started).Milliseconds())
		snap.Status = workflow.StatusCancelled
		return snap, trial.OutcomeExecutionFailed
	}
}

func failedSnapshot(msg string, elapsedMs int64) *workflow.ExecutionSnapshot {
	return &workflow.ExecutionSnapshot{
		Status:     workflow.StatusFailed,
		Outputs:    map[string]interface{}{},
		Errors:     []workflow.ExecutionError{{Message: msg}},
		DurationMs: elapsedMs,
	}
}

// failureMessage explains a non-successful trial, preferring runtime errors
// over the list of failed checklist items.
func failureMessage(snap *workflow.ExecutionSnapshot, ev rubric.Evaluation) string {
	var msgs []string
	if snap != nil {
		for _, e := range snap.Errors {
			if e.NodeID != "" {
				msgs = append(msgs, fmt.Sprintf("%s: %s", e.NodeID, e.Message))
			} else {
				msgs = append(msgs, e.Message)
			}
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, fmt.Sprintf("rubric failed (%d/%d): %s",
			ev.TrueCount, trial.ChecklistSize, strings.Join(ev.Checklist.FailedItems(), ", ")))
	}
	return tracing.RedactSecretsInString(strings.Join(msgs, "; "), tracing.DefaultRedactedKeywords)
}

func (x *Executor) safeReward(result trial.LoopResult) (reward float64) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Errorf("Reward function panicked: %v", r)
			reward = DefaultReward(result)
		}
	}()
	return x.deps.Reward(result)
}

// buildState assembles the learning state from prompt features and the
// collaborators. Read failures degrade to an emptier state.
func (x *Executor) buildState(ctx context.Context, req Request) trial.LearningState {
	features := prompt.AnalyzePromptFeatures(req.Selection.Prompt)
	if req.Selection.MultiTurn {
		features.IsMultiTurn = true
	}
	state := trial.LearningState{
		Features:        features,
		Attempt:         req.Attempt,
		StrategyWeights: x.deps.Policy.GetWeights(),
	}
	if req.TotalAttempts > 0 {
		state.SuccessRate = float64(req.SuccessCount) / float64(req.TotalAttempts)
	}

	recent, err := x.deps.Store.GetRecent(ctx, x.cfg.RecentWindow)
	if err != nil {
		x.log.Warnf("Failed to read recent experiences for learning state: %v", err)
	}
	if len(recent) > 0 {
		stats := trial.ComputeStats(recent)
		state.StrategyStats = stats.ByStrategy
		state.RecentAvgReward = stats.AvgReward
		state.RecentRewards = make([]float64, len(recent))
		for i, e := range recent {
			state.RecentRewards[i] = e.Reward
		}
	}
	for _, p := range x.deps.Supervisor.GetTopBugPatterns(x.cfg.KnownPatterns) {
		state.KnownErrorPatterns = append(state.KnownErrorPatterns, p.Key)
	}
	return state
}

// learn persists the experience and updates the supervisor and policy. It
// uses a context that survives cancellation of the trial so an emergency
// stop still records the result.
func (x *Executor) learn(ctx context.Context, state trial.LearningState, result trial.LoopResult) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Errorf("Recovered panic while learning from trial %s: %v", result.ID, r)
		}
	}()
	persistCtx := context.WithoutCancel(ctx)
	if err := x.deps.Store.Add(persistCtx, trial.NewExperience(state, result)); err != nil {
		x.log.Errorf("Failed to persist experience %s: %v", result.ID, err)
	}
	x.deps.Supervisor.Learn(result)
	if result.Strategy != "" {
		x.deps.Policy.UpdateWeights(result.Strategy, result.Reward, result.Success)
	}
}
