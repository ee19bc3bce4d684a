// Package orchestrator implements the simulation main loop: a resumable
// state machine that admits trials through the guardrail, runs them one at a
// time, checkpoints progress and triggers batch learning.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/internal/events"
	"github.com/gxo-labs/simloop/internal/execution"
	"github.com/gxo-labs/simloop/internal/executor"
	"github.com/gxo-labs/simloop/internal/generator"
	"github.com/gxo-labs/simloop/internal/guardrail"
	"github.com/gxo-labs/simloop/internal/learning"
	"github.com/gxo-labs/simloop/internal/metrics"
	"github.com/gxo-labs/simloop/internal/prompt"
	"github.com/gxo-labs/simloop/internal/retry"
	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/internal/tracing"
	simloop "github.com/gxo-labs/simloop/pkg/simloop/v1"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	simmetrics "github.com/gxo-labs/simloop/pkg/simloop/v1/metrics"
	simtracing "github.com/gxo-labs/simloop/pkg/simloop/v1/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/gxo-labs/simloop/internal/orchestrator"

// ErrAlreadyRunning is returned by Run while another Run is active, and by
// setters while the loop runs.
var ErrAlreadyRunning = errors.New("orchestrator is already running")

// Orchestrator is the main loop. One instance drives one logical worker;
// trials never overlap.
type Orchestrator struct {
	log simlog.Logger
	cfg Config

	generator       collab.Generator
	engine          collab.ExecutionEngine
	store           collab.ExperienceStore
	checkpoints     collab.CheckpointLogger
	policy          collab.Policy
	supervisor      collab.Supervisor
	multiTurn       collab.MultiTurnHandler
	reward          collab.RewardFunc
	guardrail       *guardrail.Guardrail
	eventBus        simevents.Bus
	metricsProvider simmetrics.RegistryProvider
	tracerProvider  simtracing.TracerProvider
	onProgress      simloop.ProgressCallback
	onLoopComplete  simloop.LoopCompleteCallback

	prompts  *prompt.Engine
	executor *executor.Executor
	retry    *retry.Helper
	warnLog  rate.Sometimes

	mu               sync.Mutex
	initialized      bool
	running          bool
	paused           bool
	cooldown         bool
	stopRequested    bool
	successCount     int
	totalAttempts    int
	currentBatch     int
	startTime        time.Time
	lastCheckpointID string
	warnings         []string
	errs             []string
	cancelTrial      context.CancelFunc

	trialsCounter      *prometheus.CounterVec
	trialDuration      prometheus.Histogram
	rewardHistogram    prometheus.Histogram
	successGauge       prometheus.Gauge
	attemptGauge       prometheus.Gauge
	checkpointsCounter *prometheus.CounterVec
	batchesCounter     prometheus.Counter
	runningGauge       prometheus.Gauge
}

// NewOrchestrator creates an orchestrator. Collaborators not supplied via
// options fall back to the offline defaults: catalog generator, dry-run
// engine, in-memory stores, epsilon-greedy policy and pattern supervisor.
func NewOrchestrator(log simlog.Logger, cfg Config, opts ...simloop.Option) (*Orchestrator, error) {
	if log == nil {
		return nil, simerrors.NewConfigError("logger cannot be nil", nil)
	}
	o := &Orchestrator{
		log:     log,
		cfg:     cfg.normalized(),
		retry:   retry.NewHelper(log),
		warnLog: rate.Sometimes{Interval: time.Minute},
	}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, simerrors.NewConfigError("failed to apply orchestrator option", err)
		}
	}

	if o.generator == nil {
		log.Warnf("No generator provided, using default offline catalog generator.")
		o.generator = generator.NewCatalog(generator.CatalogConfig{Seed: o.cfg.Seed, Noise: 0.1}, log)
	}
	if o.engine == nil {
		log.Warnf("No execution engine provided, using default dry-run engine.")
		o.engine = execution.NewDryRun(execution.DryRunConfig{Seed: o.cfg.Seed}, log)
	}
	if o.store == nil {
		log.Warnf("No experience store provided, using default in-memory store. Experiences will not persist.")
		o.store = store.NewMemoryExperienceStore(0)
	}
	if o.checkpoints == nil {
		log.Warnf("No checkpoint logger provided, using default in-memory log. Checkpoints will not persist.")
		o.checkpoints = store.NewMemoryCheckpointLogger()
	}
	if o.policy == nil {
		bc := learning.DefaultBanditConfig()
		bc.Seed = o.cfg.Seed
		o.policy = learning.NewBanditPolicy(bc, log)
	}
	if o.supervisor == nil {
		o.supervisor = learning.NewPatternSupervisor(log)
	}
	if o.guardrail == nil {
		o.guardrail = guardrail.New(guardrail.DefaultConfig(), log)
	}
	if o.eventBus == nil {
		log.Debugf("No event bus provided, using NoOpEventBus.")
		o.eventBus = events.NewNoOpEventBus()
	}
	if o.metricsProvider == nil {
		log.Debugf("No metrics provider provided, using default Prometheus provider.")
		o.metricsProvider = metrics.NewPrometheusRegistryProvider()
	}
	if o.tracerProvider == nil {
		log.Debugf("No tracer provider provided, using NoOpTracerProvider.")
		tp, err := tracing.NewNoOpProvider()
		if err != nil {
			return nil, simerrors.NewConfigError("failed to create default no-op tracer provider", err)
		}
		o.tracerProvider = tp
	}

	o.initMetrics()
	o.initialized = true
	log.Debugf("Orchestrator initialized: target=%d checkpoint_interval=%d batch_size=%d",
		o.cfg.TargetSuccesses, o.cfg.CheckpointInterval, o.cfg.BatchSize)
	return o, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered so several orchestrators can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, log simlog.Logger) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		log.Warnf("Failed to register orchestrator metric collector: %v", err)
	}
	return c
}

func (o *Orchestrator) initMetrics() {
	reg := o.metricsProvider.Registry()

	o.trialsCounter = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "simloop_trials_total", Help: "Trials run, by outcome kind and success."},
		[]string{"outcome", "success"},
	), o.log)
	o.trialDuration = register(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "simloop_trial_duration_seconds", Help: "Wall time of a full trial in seconds.", Buckets: prometheus.DefBuckets},
	), o.log)
	o.rewardHistogram = register(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "simloop_trial_reward", Help: "Reward assigned to each trial.", Buckets: prometheus.LinearBuckets(-1.5, 0.25, 13)},
	), o.log)
	o.successGauge = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "simloop_success_count", Help: "Successful trials so far, including restored progress."},
	), o.log)
	o.attemptGauge = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "simloop_total_attempts", Help: "Attempted trials so far, including restored progress."},
	), o.log)
	o.checkpointsCounter = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "simloop_checkpoints_total", Help: "Checkpoints written, by reason."},
		[]string{"reason"},
	), o.log)
	o.batchesCounter = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{Name: "simloop_batches_total", Help: "Batch learning passes run."},
	), o.log)
	o.runningGauge = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "simloop_running", Help: "1 while the main loop runs."},
	), o.log)

	if err := o.guardrail.RegisterMetrics(reg); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			o.log.Debugf("Guardrail metric collectors already registered.")
		} else {
			o.log.Warnf("Failed to register guardrail metric collectors: %v", err)
		}
	}
	o.log.Debugf("Prometheus metrics initialized and registered.")
}

// Guardrail returns the admission controller in use.
func (o *Orchestrator) Guardrail() *guardrail.Guardrail { return o.guardrail }

func (o *Orchestrator) MetricsRegistryProvider() simmetrics.RegistryProvider {
	return o.metricsProvider
}
func (o *Orchestrator) TracerProvider() simtracing.TracerProvider { return o.tracerProvider }

// Config returns the normalized loop configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// ExperienceStore, CheckpointLogger, Policy and Supervisor expose the
// collaborators shared with the data management API.
func (o *Orchestrator) ExperienceStore() collab.ExperienceStore   { return o.store }
func (o *Orchestrator) CheckpointLogger() collab.CheckpointLogger { return o.checkpoints }
func (o *Orchestrator) Policy() collab.Policy                     { return o.policy }
func (o *Orchestrator) Supervisor() collab.Supervisor             { return o.supervisor }

// set assigns a collaborator unless the loop is running.
func (o *Orchestrator) set(assign func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	assign()
	return nil
}

func (o *Orchestrator) SetGenerator(gen collab.Generator) error {
	return o.set(func() { o.generator = gen })
}

func (o *Orchestrator) SetExecutionEngine(engine collab.ExecutionEngine) error {
	return o.set(func() { o.engine = engine })
}

func (o *Orchestrator) SetExperienceStore(s collab.ExperienceStore) error {
	return o.set(func() { o.store = s })
}

func (o *Orchestrator) SetCheckpointLogger(l collab.CheckpointLogger) error {
	return o.set(func() { o.checkpoints = l })
}

func (o *Orchestrator) SetPolicy(policy collab.Policy) error {
	return o.set(func() { o.policy = policy })
}

func (o *Orchestrator) SetSupervisor(supervisor collab.Supervisor) error {
	return o.set(func() { o.supervisor = supervisor })
}

func (o *Orchestrator) SetMultiTurnHandler(handler collab.MultiTurnHandler) error {
	return o.set(func() { o.multiTurn = handler })
}

func (o *Orchestrator) SetRewardFunc(fn collab.RewardFunc) error {
	return o.set(func() { o.reward = fn })
}

func (o *Orchestrator) SetGuardrail(g *guardrail.Guardrail) error {
	if g == nil {
		return simerrors.NewConfigError("guardrail cannot be nil", nil)
	}
	return o.set(func() {
		o.guardrail = g
		if o.initialized {
			o.initMetrics()
		}
	})
}

func (o *Orchestrator) SetEventBus(bus simevents.Bus) error {
	if bus == nil {
		return simerrors.NewConfigError("event bus cannot be nil", nil)
	}
	return o.set(func() { o.eventBus = bus })
}

func (o *Orchestrator) SetMetricsRegistryProvider(provider simmetrics.RegistryProvider) error {
	if provider == nil {
		return simerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	return o.set(func() {
		o.metricsProvider = provider
		if o.initialized {
			o.initMetrics()
		}
	})
}

func (o *Orchestrator) SetTracerProvider(provider simtracing.TracerProvider) error {
	if provider == nil {
		return simerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	return o.set(func() { o.tracerProvider = provider })
}

func (o *Orchestrator) SetProgressCallback(cb simloop.ProgressCallback) error {
	return o.set(func() { o.onProgress = cb })
}

func (o *Orchestrator) SetLoopCompleteCallback(cb simloop.LoopCompleteCallback) error {
	return o.set(func() { o.onLoopComplete = cb })
}

// prepare builds the prompt engine and trial executor from the current
// collaborators. Called at the start of every Run.
func (o *Orchestrator) prepare() error {
	promptOpts := []prompt.Option{prompt.WithMultiTurnProbability(o.cfg.MultiTurnProbability)}
	if o.cfg.Seed != 0 {
		promptOpts = append(promptOpts, prompt.WithSeed(o.cfg.Seed))
	}
	if o.multiTurn != nil {
		promptOpts = append(promptOpts, prompt.WithMultiTurnHandler(o.multiTurn))
	}
	o.prompts = prompt.NewEngine(o.log, promptOpts...)

	x, err := executor.New(executor.Deps{
		Generator:  o.generator,
		Engine:     o.engine,
		Store:      o.store,
		Policy:     o.policy,
		Supervisor: o.supervisor,
		Reward:     o.reward,
		Tracer:     o.tracerProvider.GetTracer(tracerName),
	}, o.cfg.Trial, o.log)
	if err != nil {
		return err
	}
	o.executor = x
	return nil
}

var _ simloop.OrchestratorV1 = (*Orchestrator)(nil)
