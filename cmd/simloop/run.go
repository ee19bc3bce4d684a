package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gxo-labs/simloop/internal/config"
	"github.com/gxo-labs/simloop/internal/datamgmt"
	"github.com/gxo-labs/simloop/internal/events"
	"github.com/gxo-labs/simloop/internal/execution"
	"github.com/gxo-labs/simloop/internal/generator"
	"github.com/gxo-labs/simloop/internal/guardrail"
	"github.com/gxo-labs/simloop/internal/metrics"
	"github.com/gxo-labs/simloop/internal/orchestrator"
	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/internal/server"
	"github.com/gxo-labs/simloop/internal/store/backend"
	"github.com/gxo-labs/simloop/internal/tracing"
	simloop "github.com/gxo-labs/simloop/pkg/simloop/v1"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	simsecrets "github.com/gxo-labs/simloop/pkg/simloop/v1/secrets"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

type runFlags struct {
	target int
	serve  bool
	watch  bool
	seed   int64
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation loop until the target success count is reached",
		Long: `Runs trials against the configured generator and execution engine,
learning from every outcome. The loop resumes from the latest checkpoint,
writes periodic checkpoints and a final one when it ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), opts, flags, cmd)
		},
	}
	f := cmd.Flags()
	f.IntVar(&flags.target, "target", 0, "Success count that ends the run; overrides the config")
	f.BoolVar(&flags.serve, "serve", false, "Serve the admin API even when the config leaves it disabled")
	f.BoolVar(&flags.watch, "watch", true, "Reload guardrail ceilings when the config file changes")
	f.Int64Var(&flags.seed, "seed", 0, "Random seed; overrides the config")
	return cmd
}

func runSimulation(parent context.Context, opts *rootOptions, flags runFlags, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}
	log := newLogger(opts, cfg, cmd.ErrOrStderr())
	log.Infof("simloop v%s starting", version)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var (
		receivedSignal os.Signal
		sigMu          sync.Mutex
		sigWG          sync.WaitGroup
	)
	sigWG.Add(1)
	go func() {
		defer sigWG.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Finishing the current trial and writing a final checkpoint...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()
	defer sigWG.Wait()
	defer cancel()

	tracerProvider, err := newTracerProvider(ctx, cfg, log)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tracerProvider.OtelProvider())
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}()

	secretsProvider := secrets.NewEnvProvider()
	tracker := secrets.NewSecretTracker()

	backends, err := backend.Open(ctx, cfg.Storage, secretsProvider, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warnf("Error closing storage: %v", err)
		}
	}()

	orchCfg := orchestrator.ConfigFromSimulation(cfg.Simulation)
	if flags.target > 0 {
		orchCfg.TargetSuccesses = flags.target
	}
	if flags.seed != 0 {
		orchCfg.Seed = flags.seed
	}

	gen, err := buildGenerator(ctx, cfg.Generator, orchCfg.Seed, secretsProvider, tracker, log)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}
	engine, err := buildEngine(cfg.Execution, orchCfg.Seed, log)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}

	grd := guardrail.New(cfg.Guardrail.ToGuardrailConfig(), log)
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	metricsBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	hubBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	defer metricsBus.Close()
	defer hubBus.Close()

	orch, err := orchestrator.NewOrchestrator(log, orchCfg,
		simloop.WithGenerator(gen),
		simloop.WithExecutionEngine(engine),
		simloop.WithExperienceStore(backends.Experiences),
		simloop.WithCheckpointLogger(backends.Checkpoints),
		simloop.WithGuardrail(grd),
		simloop.WithEventBus(events.NewFanoutBus(metricsBus, hubBus)),
		simloop.WithMetricsRegistryProvider(metricsProvider),
		simloop.WithTracerProvider(tracerProvider),
		simloop.WithProgressCallback(func(p simloop.Progress) {
			log.Debugf("Progress: %d/%d successes after %d attempts", p.SuccessCount, p.TargetSuccesses, p.TotalAttempts)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	listener := events.NewMetricsEventListener(metricsBus, metricsProvider.Registry(), log)
	g.Go(func() error {
		listener.Start(bgCtx)
		return nil
	})

	if flags.watch && cfg.FilePath != "" {
		watcher, err := config.NewWatcher(cfg.FilePath, 0, func(next *config.Config) {
			if err := grd.UpdateConfig(next.Guardrail.ToGuardrailConfig()); err != nil {
				log.Warnf("Ignoring reloaded guardrail policy: %v", err)
			}
		}, log)
		if err != nil {
			log.Warnf("Config hot reload disabled: %v", err)
		} else {
			g.Go(func() error { return watcher.Run(bgCtx) })
		}
	}

	if cfg.Server.Enabled || flags.serve {
		srv, hub, err := buildServer(ctx, cfg, orch, metricsProvider, tracerProvider, secretsProvider, tracker, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			hub.Run(bgCtx, hubBus.GetChannel())
			return nil
		})
		g.Go(func() error { return srv.Run(bgCtx) })
	}

	var report *simloop.RunReport
	g.Go(func() error {
		defer stopBackground()
		var runErr error
		report, runErr = orch.Run(gctx)
		return runErr
	})
	runErr := g.Wait()

	printRunReport(log, report, runErr)

	sigMu.Lock()
	sig := receivedSignal
	sigMu.Unlock()
	return exitFor(report, runErr, sig, tracker)
}

func newTracerProvider(ctx context.Context, cfg *config.Config, log simlog.Logger) (*tracing.OtelTracerProvider, error) {
	if !cfg.Tracing.Enabled {
		return tracing.NewNoOpProvider()
	}
	tp, err := tracing.NewProviderFromEnv(ctx, log)
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		return tracing.NewNoOpProvider()
	}
	return tp, nil
}

func buildGenerator(ctx context.Context, gc config.GeneratorConfig, seed int64, sp simsecrets.Provider, tracker *secrets.SecretTracker, log simlog.Logger) (collab.Generator, error) {
	switch gc.GetKind() {
	case config.GeneratorCatalog:
		return generator.NewCatalog(generator.CatalogConfig{Seed: seed, Noise: 0.1}, log), nil
	case config.GeneratorOpenAI:
		key, err := secrets.Resolve(ctx, sp, tracker, gc.GetAPIKeyEnv())
		if err != nil {
			return nil, err
		}
		return generator.NewOpenAI(generator.OpenAIConfig{
			Model:       gc.GetModel(),
			BaseURL:     gc.BaseURL,
			APIKey:      key,
			Temperature: gc.GetTemperature(),
			MaxTokens:   gc.GetMaxTokens(),
			Timeout:     gc.GetTimeout(),
		}, tracker, log)
	default:
		return nil, fmt.Errorf("unknown generator kind %q", gc.Kind)
	}
}

func buildEngine(ec config.ExecutionConfig, seed int64, log simlog.Logger) (collab.ExecutionEngine, error) {
	switch ec.GetKind() {
	case config.EngineDryRun:
		return execution.NewDryRun(execution.DryRunConfig{
			FailureRate: ec.FailureRate,
			TimeScale:   ec.GetTimeScale(),
			Seed:        seed,
		}, log), nil
	case config.EngineHTTP:
		return execution.NewHTTP(execution.HTTPConfig{
			URL:      ec.URL,
			Timeout:  ec.GetTimeout(),
			Attempts: 3,
			Delay:    500 * time.Millisecond,
		}, log)
	default:
		return nil, fmt.Errorf("unknown execution engine kind %q", ec.Kind)
	}
}

func buildServer(
	ctx context.Context,
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	mp *metrics.PrometheusRegistryProvider,
	tp *tracing.OtelTracerProvider,
	sp simsecrets.Provider,
	tracker *secrets.SecretTracker,
	log simlog.Logger,
) (*server.Server, *server.Hub, error) {
	var jwtSecret string
	if env := cfg.Server.JWTSecretEnv; env != "" {
		s, err := secrets.Resolve(ctx, sp, tracker, env)
		if err != nil {
			return nil, nil, err
		}
		jwtSecret = s
	}

	data, err := datamgmt.New(datamgmt.Deps{
		Store:       orch.ExperienceStore(),
		Checkpoints: orch.CheckpointLogger(),
		Policy:      orch.Policy(),
		Supervisor:  orch.Supervisor(),
		Config:      func() interface{} { return cfg },
	}, log)
	if err != nil {
		return nil, nil, err
	}

	hub := server.NewHub(log)
	srv, err := server.New(server.Deps{
		Controller: orch,
		Data:       data,
		Hub:        hub,
		Metrics:    mp.Handler(),
	}, server.Config{
		Address:        cfg.Server.GetAddress(),
		JWTSecret:      jwtSecret,
		RateLimit:      cfg.Server.GetRateLimit(),
		RateBurst:      cfg.Server.GetRateBurst(),
		TracerProvider: tp.OtelProvider(),
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return srv, hub, nil
}

func printRunReport(log simlog.Logger, report *simloop.RunReport, runErr error) {
	if report == nil {
		log.Warnf("Simulation finished without a report")
		return
	}
	rate := 0.0
	if report.TotalAttempts > 0 {
		rate = float64(report.SuccessCount) / float64(report.TotalAttempts) * 100
	}
	summary := fmt.Sprintf("Reason=%s Successes=%d Attempts=%d (%.1f%%) TrialsThisRun=%d Restored=%t Duration=%v",
		report.Reason, report.SuccessCount, report.TotalAttempts, rate, report.TrialsThisRun,
		report.Restored, report.Duration.Truncate(time.Millisecond))
	if runErr != nil {
		log.Errorf("Simulation failed. %s", summary)
		return
	}
	log.Infof("Simulation finished. %s", summary)
	if report.LastCheckpointID != "" {
		log.Infof("Last checkpoint: %s", report.LastCheckpointID)
	}
}

func exitFor(report *simloop.RunReport, runErr error, sig os.Signal, tracker *secrets.SecretTracker) error {
	if runErr != nil {
		return &exitError{code: ExitFailure, err: tracker.RedactError(runErr)}
	}
	if report != nil && report.Reason == simloop.EndCancelled && sig != nil {
		switch sig {
		case syscall.SIGINT:
			return &exitError{code: ExitSigInt}
		case syscall.SIGTERM:
			return &exitError{code: ExitSigTerm}
		}
	}
	return nil
}
