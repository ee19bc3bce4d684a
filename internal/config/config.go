package config

import (
	"time"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Generator and execution engine kinds.
const (
	GeneratorCatalog = "catalog"
	GeneratorOpenAI  = "openai"
	EngineDryRun     = "dryrun"
	EngineHTTP       = "http"
)

// Config is the top-level structure of a simloop YAML configuration file.
type Config struct {
	SchemaVersion string           `yaml:"schemaVersion"`
	Simulation    SimulationConfig `yaml:"simulation,omitempty"`
	Guardrail     GuardrailPolicy  `yaml:"guardrail,omitempty"`
	Storage       StorageConfig    `yaml:"storage,omitempty"`
	Generator     GeneratorConfig  `yaml:"generator,omitempty"`
	Execution     ExecutionConfig  `yaml:"execution,omitempty"`
	Server        ServerConfig     `yaml:"server,omitempty"`
	Logging       LoggingConfig    `yaml:"logging,omitempty"`
	Tracing       TracingConfig    `yaml:"tracing,omitempty"`

	// FilePath records where the config was loaded from. It is not parsed
	// from YAML.
	FilePath string `yaml:"-"`
}

// SimulationConfig controls the main loop and the success rubric.
type SimulationConfig struct {
	TargetSuccesses          int      `yaml:"target_successes,omitempty"`
	TrialTimeout             string   `yaml:"trial_timeout,omitempty"`
	CheckpointInterval       int      `yaml:"checkpoint_interval,omitempty"`
	BatchSize                int      `yaml:"batch_size,omitempty"`
	SuccessThreshold         int      `yaml:"success_threshold,omitempty"`
	MinNodes                 int      `yaml:"min_nodes,omitempty"`
	ExplainabilityThreshold  *float64 `yaml:"explainability_threshold,omitempty"`
	IntentThreshold          *float64 `yaml:"intent_threshold,omitempty"`
	DeniedBackoff            string   `yaml:"denied_backoff,omitempty"`
	PausePollInterval        string   `yaml:"pause_poll_interval,omitempty"`
	MultiTurnProbability     *float64 `yaml:"multi_turn_probability,omitempty"`
	GenerationFailurePenalty *float64 `yaml:"generation_failure_penalty,omitempty"`
	Seed                     int64    `yaml:"seed,omitempty"`
}

// StorageConfig selects the experience and checkpoint backends.
type StorageConfig struct {
	Experiences    string `yaml:"experiences,omitempty"`
	Checkpoints    string `yaml:"checkpoints,omitempty"`
	SQLDSN         string `yaml:"sql_dsn,omitempty"`
	BadgerPath     string `yaml:"badger_path,omitempty"`
	BadgerInMemory bool   `yaml:"badger_in_memory,omitempty"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	RedisDB        int    `yaml:"redis_db,omitempty"`
	RedisKeyPrefix string `yaml:"redis_key_prefix,omitempty"`
	// RedisPasswordEnv names the environment variable holding the Redis
	// password.
	RedisPasswordEnv string `yaml:"redis_password_env,omitempty"`
}

// GeneratorConfig selects and configures the workflow generator.
type GeneratorConfig struct {
	Kind        string   `yaml:"kind,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
}

// ExecutionConfig selects and configures the execution engine.
type ExecutionConfig struct {
	Kind        string  `yaml:"kind,omitempty"`
	URL         string  `yaml:"url,omitempty"`
	Timeout     string  `yaml:"timeout,omitempty"`
	FailureRate float64 `yaml:"failure_rate,omitempty"`
	TimeScale   float64 `yaml:"time_scale,omitempty"`
}

// ServerConfig configures the administrative HTTP API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
	// JWTSecretEnv names the environment variable holding the HS256 secret.
	// Authentication is disabled when empty.
	JWTSecretEnv string  `yaml:"jwt_secret_env,omitempty"`
	RateLimit    float64 `yaml:"rate_limit,omitempty"`
	RateBurst    int     `yaml:"rate_burst,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TracingConfig enables the OTLP exporter configured from OTEL_* variables.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{SchemaVersion: "v1.0.0"}
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func floatOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// GetTargetSuccesses returns the success count that ends the run (default 100).
func (s SimulationConfig) GetTargetSuccesses() int { return intOr(s.TargetSuccesses, 100) }

// GetTrialTimeout returns the per-trial execution timeout (default 60s).
func (s SimulationConfig) GetTrialTimeout() time.Duration {
	return durationOr(s.TrialTimeout, 60*time.Second)
}

// GetCheckpointInterval returns the attempts between checkpoints (default 10).
func (s SimulationConfig) GetCheckpointInterval() int { return intOr(s.CheckpointInterval, 10) }

// GetBatchSize returns the attempts between batch learning passes (default 20).
func (s SimulationConfig) GetBatchSize() int { return intOr(s.BatchSize, 20) }

// GetSuccessThreshold returns the checklist items required for success
// (default 10).
func (s SimulationConfig) GetSuccessThreshold() int { return intOr(s.SuccessThreshold, 10) }

// GetMinNodes returns the minimum node count rubric item (default 2).
func (s SimulationConfig) GetMinNodes() int { return intOr(s.MinNodes, 2) }

func (s SimulationConfig) GetExplainabilityThreshold() float64 {
	return floatOr(s.ExplainabilityThreshold, 0.6)
}

func (s SimulationConfig) GetIntentThreshold() float64 { return floatOr(s.IntentThreshold, 0.6) }

// GetDeniedBackoff returns the sleep after an admission denial (default 30s).
func (s SimulationConfig) GetDeniedBackoff() time.Duration {
	return durationOr(s.DeniedBackoff, 30*time.Second)
}

// GetPausePollInterval returns the paused-state poll period (default 1s).
func (s SimulationConfig) GetPausePollInterval() time.Duration {
	return durationOr(s.PausePollInterval, time.Second)
}

func (s SimulationConfig) GetMultiTurnProbability() float64 {
	return floatOr(s.MultiTurnProbability, 0.1)
}

func (s SimulationConfig) GetGenerationFailurePenalty() float64 {
	return floatOr(s.GenerationFailurePenalty, -1.0)
}

func (s StorageConfig) GetExperiences() string { return stringOr(s.Experiences, BackendMemory) }
func (s StorageConfig) GetCheckpoints() string { return stringOr(s.Checkpoints, BackendMemory) }
func (s StorageConfig) GetRedisKeyPrefix() string {
	return stringOr(s.RedisKeyPrefix, "simloop:")
}

func (g GeneratorConfig) GetKind() string      { return stringOr(g.Kind, GeneratorCatalog) }
func (g GeneratorConfig) GetModel() string     { return stringOr(g.Model, "gpt-4o-mini") }
func (g GeneratorConfig) GetAPIKeyEnv() string { return stringOr(g.APIKeyEnv, "OPENAI_API_KEY") }
func (g GeneratorConfig) GetTemperature() float32 {
	return float32(floatOr(g.Temperature, 0.2))
}
func (g GeneratorConfig) GetMaxTokens() int { return intOr(g.MaxTokens, 2048) }
func (g GeneratorConfig) GetTimeout() time.Duration {
	return durationOr(g.Timeout, 90*time.Second)
}

func (e ExecutionConfig) GetKind() string { return stringOr(e.Kind, EngineDryRun) }
func (e ExecutionConfig) GetTimeout() time.Duration {
	return durationOr(e.Timeout, 2*time.Minute)
}

// GetTimeScale returns the dry-run latency multiplier (default 0, instant).
func (e ExecutionConfig) GetTimeScale() float64 {
	if e.TimeScale < 0 {
		return 0
	}
	return e.TimeScale
}

func (s ServerConfig) GetAddress() string { return stringOr(s.Address, "127.0.0.1:8080") }
func (s ServerConfig) GetRateLimit() float64 {
	if s.RateLimit <= 0 {
		return 20
	}
	return s.RateLimit
}
func (s ServerConfig) GetRateBurst() int { return intOr(s.RateBurst, 40) }

func (l LoggingConfig) GetLevel() string  { return stringOr(l.Level, "info") }
func (l LoggingConfig) GetFormat() string { return stringOr(l.Format, "text") }
