package orchestrator

import (
	"time"

	"github.com/gxo-labs/simloop/internal/config"
	"github.com/gxo-labs/simloop/internal/executor"
	"github.com/gxo-labs/simloop/internal/retry"
	"github.com/gxo-labs/simloop/internal/rubric"
)

// Config controls the main loop.
type Config struct {
	TargetSuccesses int
	// CheckpointInterval and BatchSize count attempts. Zero disables the
	// periodic action.
	CheckpointInterval int
	BatchSize          int
	// DeniedBackoff is the sleep after an admission denial.
	DeniedBackoff time.Duration
	// PausePollInterval is how often a paused loop checks its flags.
	PausePollInterval    time.Duration
	MultiTurnProbability float64
	// Seed makes prompt selection and the default collaborators
	// reproducible. Zero seeds from the clock.
	Seed int64
	// MetricsWindow is how many recent experiences a checkpoint summarizes.
	MetricsWindow int
	// MaxMessages caps the retained warnings and errors.
	MaxMessages     int
	Trial           executor.Config
	CheckpointRetry retry.Config
}

// DefaultConfig returns the stock loop settings.
func DefaultConfig() Config {
	return Config{
		TargetSuccesses:      100,
		CheckpointInterval:   10,
		BatchSize:            20,
		DeniedBackoff:        30 * time.Second,
		PausePollInterval:    time.Second,
		MultiTurnProbability: 0.1,
		MetricsWindow:        50,
		MaxMessages:          100,
		Trial:                executor.DefaultConfig(),
		CheckpointRetry: retry.Config{
			Attempts:      3,
			Delay:         200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Jitter:        0.1,
			Name:          "checkpoint",
		},
	}
}

// ConfigFromSimulation maps the simulation section of a config file.
func ConfigFromSimulation(sim config.SimulationConfig) Config {
	cfg := DefaultConfig()
	cfg.TargetSuccesses = sim.GetTargetSuccesses()
	cfg.CheckpointInterval = sim.GetCheckpointInterval()
	cfg.BatchSize = sim.GetBatchSize()
	cfg.DeniedBackoff = sim.GetDeniedBackoff()
	cfg.PausePollInterval = sim.GetPausePollInterval()
	cfg.MultiTurnProbability = sim.GetMultiTurnProbability()
	cfg.Seed = sim.Seed

	cfg.Trial.Timeout = sim.GetTrialTimeout()
	cfg.Trial.GenerationFailurePenalty = sim.GetGenerationFailurePenalty()
	cfg.Trial.Thresholds = rubric.Thresholds{
		SuccessThreshold:        sim.GetSuccessThreshold(),
		MinNodes:                sim.GetMinNodes(),
		ExplainabilityThreshold: sim.GetExplainabilityThreshold(),
		IntentThreshold:         sim.GetIntentThreshold(),
	}
	return cfg
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.TargetSuccesses <= 0 {
		c.TargetSuccesses = def.TargetSuccesses
	}
	if c.CheckpointInterval < 0 {
		c.CheckpointInterval = 0
	}
	if c.BatchSize < 0 {
		c.BatchSize = 0
	}
	if c.DeniedBackoff <= 0 {
		c.DeniedBackoff = def.DeniedBackoff
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = def.PausePollInterval
	}
	if c.MultiTurnProbability < 0 || c.MultiTurnProbability > 1 {
		c.MultiTurnProbability = def.MultiTurnProbability
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = def.MetricsWindow
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.Trial == (executor.Config{}) {
		c.Trial = def.Trial
	}
	if c.CheckpointRetry.Attempts <= 0 {
		c.CheckpointRetry = def.CheckpointRetry
	}
	return c
}
