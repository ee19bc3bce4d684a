package config

import (
	"time"

	"github.com/gxo-labs/simloop/internal/guardrail"
)

// GuardrailPolicy is the YAML form of the admission control ceilings. Unset
// fields take the guardrail defaults; an explicit zero ceiling disables it.
type GuardrailPolicy struct {
	MaxCallsPerMinute          *int     `yaml:"max_calls_per_minute,omitempty"`
	MaxCallsPerHour            *int     `yaml:"max_calls_per_hour,omitempty"`
	MaxCallsPerDay             *int     `yaml:"max_calls_per_day,omitempty"`
	MaxCostPerHour             *float64 `yaml:"max_cost_per_hour,omitempty"`
	MaxCostPerDay              *float64 `yaml:"max_cost_per_day,omitempty"`
	PauseOnConsecutiveFailures *int     `yaml:"pause_on_consecutive_failures,omitempty"`
	Cooldown                   string   `yaml:"cooldown,omitempty"`
	WarningThresholdPercent    *float64 `yaml:"warning_threshold_percent,omitempty"`
	EstimatedCostPerCall       *float64 `yaml:"estimated_cost_per_call,omitempty"`
}

// ToGuardrailConfig overlays the policy on guardrail.DefaultConfig.
func (p GuardrailPolicy) ToGuardrailConfig() guardrail.Config {
	cfg := guardrail.DefaultConfig()
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&cfg.MaxCallsPerMinute, p.MaxCallsPerMinute)
	setInt(&cfg.MaxCallsPerHour, p.MaxCallsPerHour)
	setInt(&cfg.MaxCallsPerDay, p.MaxCallsPerDay)
	setFloat(&cfg.MaxCostPerHour, p.MaxCostPerHour)
	setFloat(&cfg.MaxCostPerDay, p.MaxCostPerDay)
	setInt(&cfg.PauseOnConsecutiveFailures, p.PauseOnConsecutiveFailures)
	setFloat(&cfg.WarningThresholdPercent, p.WarningThresholdPercent)
	setFloat(&cfg.EstimatedCostPerCall, p.EstimatedCostPerCall)
	if p.Cooldown != "" {
		if d, err := time.ParseDuration(p.Cooldown); err == nil && d >= 0 {
			cfg.Cooldown = d
		}
	}
	return cfg
}
