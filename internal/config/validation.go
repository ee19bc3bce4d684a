package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
)

var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateConfigStructure checks the cross-field rules the JSON schema
// cannot express and returns every violation found.
func ValidateConfigStructure(c *Config) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, simerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}
	checkDuration := func(field, value string) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			add("invalid duration for '%s': %v", field, err)
		} else if d <= 0 {
			add("'%s' must be positive", field)
		}
	}
	checkEnvName := func(field, value string) {
		if value != "" && !envNameRegex.MatchString(value) {
			add("'%s' ('%s') is not a valid environment variable name", field, value)
		}
	}

	sim := c.Simulation
	checkDuration("simulation.trial_timeout", sim.TrialTimeout)
	checkDuration("simulation.denied_backoff", sim.DeniedBackoff)
	checkDuration("simulation.pause_poll_interval", sim.PausePollInterval)
	if sim.SuccessThreshold < 0 || sim.SuccessThreshold > 12 {
		add("'simulation.success_threshold' must be within 1..12, got %d", sim.SuccessThreshold)
	}
	if sim.TargetSuccesses < 0 || sim.CheckpointInterval < 0 || sim.BatchSize < 0 {
		add("simulation counters cannot be negative")
	}

	if c.Guardrail.Cooldown != "" {
		if d, err := time.ParseDuration(c.Guardrail.Cooldown); err != nil {
			add("invalid duration for 'guardrail.cooldown': %v", err)
		} else if d < 0 {
			add("'guardrail.cooldown' cannot be negative")
		}
	}
	if err := c.Guardrail.ToGuardrailConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	st := c.Storage
	switch st.GetExperiences() {
	case BackendMemory, BackendSQL, BackendBadger:
	default:
		add("unsupported 'storage.experiences' backend '%s'", st.Experiences)
	}
	switch st.GetCheckpoints() {
	case BackendMemory, BackendSQL, BackendBadger, BackendRedis:
	default:
		add("unsupported 'storage.checkpoints' backend '%s'", st.Checkpoints)
	}
	uses := func(backend string) bool {
		return st.GetExperiences() == backend || st.GetCheckpoints() == backend
	}
	if uses(BackendSQL) && st.SQLDSN == "" {
		add("'storage.sql_dsn' is required for the sql backend")
	}
	if uses(BackendBadger) && st.BadgerPath == "" && !st.BadgerInMemory {
		add("'storage.badger_path' is required unless 'storage.badger_in_memory' is set")
	}
	if uses(BackendRedis) && st.RedisAddr == "" {
		add("'storage.redis_addr' is required for the redis backend")
	}
	checkEnvName("storage.redis_password_env", st.RedisPasswordEnv)

	gen := c.Generator
	switch gen.GetKind() {
	case GeneratorCatalog:
	case GeneratorOpenAI:
		if gen.BaseURL != "" {
			if u, err := url.Parse(gen.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				add("'generator.base_url' ('%s') is not an absolute URL", gen.BaseURL)
			}
		}
	default:
		add("unsupported 'generator.kind' '%s'", gen.Kind)
	}
	checkEnvName("generator.api_key_env", gen.APIKeyEnv)
	checkDuration("generator.timeout", gen.Timeout)

	exe := c.Execution
	switch exe.GetKind() {
	case EngineDryRun:
	case EngineHTTP:
		if exe.URL == "" {
			add("'execution.url' is required for the http engine")
		} else if u, err := url.Parse(exe.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("'execution.url' ('%s') is not an absolute URL", exe.URL)
		}
	default:
		add("unsupported 'execution.kind' '%s'", exe.Kind)
	}
	checkDuration("execution.timeout", exe.Timeout)
	if exe.FailureRate < 0 || exe.FailureRate > 1 {
		add("'execution.failure_rate' must be within 0..1")
	}

	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.GetAddress()); err != nil {
			add("'server.address' ('%s') is not host:port: %v", c.Server.Address, err)
		}
	}
	checkEnvName("server.jwt_secret_env", c.Server.JWTSecretEnv)

	return errs
}
