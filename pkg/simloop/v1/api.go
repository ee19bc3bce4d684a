package v1

import (
	"context"
	"time"

	"github.com/gxo-labs/simloop/internal/guardrail"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/metrics"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/tracing"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

// OrchestratorV1 defines the public interface of the simulation loop.
type OrchestratorV1 interface {
	// Run drives trials until the target success count is reached, Stop is
	// called or ctx is done. It restores the latest checkpoint first and
	// always writes a final one.
	Run(ctx context.Context) (*RunReport, error)

	// Pause, Resume and Stop set flags read by the loop between trials.
	Pause()
	Resume()
	Stop()
	// EmergencyStop stops the loop, cancels the in-flight trial and puts
	// the guardrail into cooldown.
	EmergencyStop(reason string)

	// Status returns a snapshot of the loop state.
	Status() Status
	// CreateCheckpoint appends a checkpoint of the current state.
	CreateCheckpoint(ctx context.Context, reason string) (*trial.Checkpoint, error)

	// Guardrail returns the admission controller in use.
	Guardrail() *guardrail.Guardrail
	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring collaborators programmatically. They
	// fail while the loop is running.
	SetGenerator(gen collab.Generator) error
	SetExecutionEngine(engine collab.ExecutionEngine) error
	SetExperienceStore(store collab.ExperienceStore) error
	SetCheckpointLogger(logger collab.CheckpointLogger) error
	SetPolicy(policy collab.Policy) error
	SetSupervisor(supervisor collab.Supervisor) error
	SetMultiTurnHandler(handler collab.MultiTurnHandler) error
	SetRewardFunc(fn collab.RewardFunc) error
	SetGuardrail(g *guardrail.Guardrail) error
	SetEventBus(bus events.Bus) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetProgressCallback(cb ProgressCallback) error
	SetLoopCompleteCallback(cb LoopCompleteCallback) error
}

// Option is a function type used to configure the orchestrator at creation.
type Option func(OrchestratorV1) error

// State is the coarse state of the loop.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Status is a point-in-time view of the loop.
type Status struct {
	State            State                `json:"state"`
	Running          bool                 `json:"running"`
	Paused           bool                 `json:"paused"`
	Cooldown         bool                 `json:"cooldown"`
	StopRequested    bool                 `json:"stop_requested"`
	SuccessCount     int                  `json:"success_count"`
	TotalAttempts    int                  `json:"total_attempts"`
	CurrentBatch     int                  `json:"current_batch"`
	TargetSuccesses  int                  `json:"target_successes"`
	SuccessRate      float64              `json:"success_rate"`
	StartTime        *time.Time           `json:"start_time,omitempty"`
	LastCheckpointID string               `json:"last_checkpoint_id,omitempty"`
	Warnings         []string             `json:"warnings,omitempty"`
	Errors           []string             `json:"errors,omitempty"`
	Guardrail        guardrail.UsageStats `json:"guardrail"`
}

// Progress is passed to the progress callback after every trial.
type Progress struct {
	SuccessCount    int     `json:"success_count"`
	TotalAttempts   int     `json:"total_attempts"`
	TargetSuccesses int     `json:"target_successes"`
	SuccessRate     float64 `json:"success_rate"`
}

// ProgressCallback observes counters after each trial. It runs on the loop
// goroutine and must return quickly.
type ProgressCallback func(Progress)

// LoopCompleteCallback observes each finished trial. It runs on the loop
// goroutine and must return quickly.
type LoopCompleteCallback func(trial.LoopResult)

// Run end reasons.
const (
	EndTargetReached = "target_reached"
	EndStopped       = "stopped"
	EndCancelled     = "cancelled"
	EndFailed        = "failed"
)

// RunReport summarizes one Run call.
type RunReport struct {
	Reason           string        `json:"reason"`
	SuccessCount     int           `json:"success_count"`
	TotalAttempts    int           `json:"total_attempts"`
	CurrentBatch     int           `json:"current_batch"`
	TrialsThisRun    int           `json:"trials_this_run"`
	Restored         bool          `json:"restored"`
	LastCheckpointID string        `json:"last_checkpoint_id,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// WithGenerator is an orchestrator option to provide the workflow generator.
func WithGenerator(gen collab.Generator) Option {
	return func(o OrchestratorV1) error {
		if gen == nil {
			return simerrors.NewConfigError("generator cannot be nil", nil)
		}
		return o.SetGenerator(gen)
	}
}

// WithExecutionEngine is an orchestrator option to provide the execution engine.
func WithExecutionEngine(engine collab.ExecutionEngine) Option {
	return func(o OrchestratorV1) error {
		if engine == nil {
			return simerrors.NewConfigError("execution engine cannot be nil", nil)
		}
		return o.SetExecutionEngine(engine)
	}
}

// WithExperienceStore is an orchestrator option to provide the experience store.
func WithExperienceStore(store collab.ExperienceStore) Option {
	return func(o OrchestratorV1) error {
		if store == nil {
			return simerrors.NewConfigError("experience store cannot be nil", nil)
		}
		return o.SetExperienceStore(store)
	}
}

// WithCheckpointLogger is an orchestrator option to provide the checkpoint log.
func WithCheckpointLogger(logger collab.CheckpointLogger) Option {
	return func(o OrchestratorV1) error {
		if logger == nil {
			return simerrors.NewConfigError("checkpoint logger cannot be nil", nil)
		}
		return o.SetCheckpointLogger(logger)
	}
}

// WithPolicy is an orchestrator option to provide the strategy policy.
func WithPolicy(policy collab.Policy) Option {
	return func(o OrchestratorV1) error {
		if policy == nil {
			return simerrors.NewConfigError("policy cannot be nil", nil)
		}
		return o.SetPolicy(policy)
	}
}

// WithSupervisor is an orchestrator option to provide the failure supervisor.
func WithSupervisor(supervisor collab.Supervisor) Option {
	return func(o OrchestratorV1) error {
		if supervisor == nil {
			return simerrors.NewConfigError("supervisor cannot be nil", nil)
		}
		return o.SetSupervisor(supervisor)
	}
}

// WithMultiTurnHandler is an orchestrator option to provide the session
// handler for two-turn scenarios.
func WithMultiTurnHandler(handler collab.MultiTurnHandler) Option {
	return func(o OrchestratorV1) error {
		if handler == nil {
			return simerrors.NewConfigError("multi-turn handler cannot be nil", nil)
		}
		return o.SetMultiTurnHandler(handler)
	}
}

// WithRewardFunc is an orchestrator option to replace the reward function.
func WithRewardFunc(fn collab.RewardFunc) Option {
	return func(o OrchestratorV1) error {
		if fn == nil {
			return simerrors.NewConfigError("reward function cannot be nil", nil)
		}
		return o.SetRewardFunc(fn)
	}
}

// WithGuardrail is an orchestrator option to provide the admission controller.
func WithGuardrail(g *guardrail.Guardrail) Option {
	return func(o OrchestratorV1) error {
		if g == nil {
			return simerrors.NewConfigError("guardrail cannot be nil", nil)
		}
		return o.SetGuardrail(g)
	}
}

// WithEventBus is an orchestrator option to provide a custom event bus.
func WithEventBus(bus events.Bus) Option {
	return func(o OrchestratorV1) error {
		if bus == nil {
			return simerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return o.SetEventBus(bus)
	}
}

// WithMetricsRegistryProvider is an orchestrator option to provide a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) Option {
	return func(o OrchestratorV1) error {
		if provider == nil {
			return simerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return o.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an orchestrator option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) Option {
	return func(o OrchestratorV1) error {
		if provider == nil {
			return simerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return o.SetTracerProvider(provider)
	}
}

// WithProgressCallback is an orchestrator option to observe counters after each trial.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(o OrchestratorV1) error {
		return o.SetProgressCallback(cb)
	}
}

// WithLoopCompleteCallback is an orchestrator option to observe each finished trial.
func WithLoopCompleteCallback(cb LoopCompleteCallback) Option {
	return func(o OrchestratorV1) error {
		return o.SetLoopCompleteCallback(cb)
	}
}
