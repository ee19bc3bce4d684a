package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gxo-labs/simloop/internal/datamgmt"
	"github.com/gxo-labs/simloop/internal/guardrail"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "duration" accepts any positive Go duration string.
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	// "strategy" accepts the built-in strategy names.
	_ = v.RegisterValidation("strategy", func(fl validator.FieldLevel) bool {
		s := trial.Strategy(fl.Field().String())
		for _, known := range trial.AllStrategies() {
			if s == known {
				return true
			}
		}
		return false
	})
	return v
}

// validationMessage flattens validator errors into one line per field.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

type emergencyStopRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

type checkpointRequest struct {
	Reason string `json:"reason" validate:"max=64"`
}

// guardrailUpdate overlays the set fields on the current guardrail config.
type guardrailUpdate struct {
	MaxCallsPerMinute          *int     `json:"max_calls_per_minute" validate:"omitempty,gte=0"`
	MaxCallsPerHour            *int     `json:"max_calls_per_hour" validate:"omitempty,gte=0"`
	MaxCallsPerDay             *int     `json:"max_calls_per_day" validate:"omitempty,gte=0"`
	MaxCostPerHour             *float64 `json:"max_cost_per_hour" validate:"omitempty,gte=0"`
	MaxCostPerDay              *float64 `json:"max_cost_per_day" validate:"omitempty,gte=0"`
	PauseOnConsecutiveFailures *int     `json:"pause_on_consecutive_failures" validate:"omitempty,gte=0"`
	Cooldown                   *string  `json:"cooldown" validate:"omitempty,duration"`
	WarningThresholdPercent    *float64 `json:"warning_threshold_percent" validate:"omitempty,gte=0,lte=100"`
	EstimatedCostPerCall       *float64 `json:"estimated_cost_per_call" validate:"omitempty,gte=0"`
}

func (u guardrailUpdate) apply(cfg guardrail.Config) guardrail.Config {
	if u.MaxCallsPerMinute != nil {
		cfg.MaxCallsPerMinute = *u.MaxCallsPerMinute
	}
	if u.MaxCallsPerHour != nil {
		cfg.MaxCallsPerHour = *u.MaxCallsPerHour
	}
	if u.MaxCallsPerDay != nil {
		cfg.MaxCallsPerDay = *u.MaxCallsPerDay
	}
	if u.MaxCostPerHour != nil {
		cfg.MaxCostPerHour = *u.MaxCostPerHour
	}
	if u.MaxCostPerDay != nil {
		cfg.MaxCostPerDay = *u.MaxCostPerDay
	}
	if u.PauseOnConsecutiveFailures != nil {
		cfg.PauseOnConsecutiveFailures = *u.PauseOnConsecutiveFailures
	}
	if u.Cooldown != nil {
		if d, err := time.ParseDuration(*u.Cooldown); err == nil {
			cfg.Cooldown = d
		}
	}
	if u.WarningThresholdPercent != nil {
		cfg.WarningThresholdPercent = *u.WarningThresholdPercent
	}
	if u.EstimatedCostPerCall != nil {
		cfg.EstimatedCostPerCall = *u.EstimatedCostPerCall
	}
	return cfg
}

type cooldownRequest struct {
	// Duration defaults to the configured cooldown.
	Duration string `json:"duration" validate:"omitempty,duration"`
}

type guardrailView struct {
	Config     guardrailConfigView  `json:"config"`
	Stats      guardrail.UsageStats `json:"stats"`
	InCooldown bool                 `json:"in_cooldown"`
	Warnings   []string             `json:"warnings"`
}

// guardrailConfigView renders the cooldown as a duration string.
type guardrailConfigView struct {
	MaxCallsPerMinute          int     `json:"max_calls_per_minute"`
	MaxCallsPerHour            int     `json:"max_calls_per_hour"`
	MaxCallsPerDay             int     `json:"max_calls_per_day"`
	MaxCostPerHour             float64 `json:"max_cost_per_hour"`
	MaxCostPerDay              float64 `json:"max_cost_per_day"`
	PauseOnConsecutiveFailures int     `json:"pause_on_consecutive_failures"`
	Cooldown                   string  `json:"cooldown"`
	WarningThresholdPercent    float64 `json:"warning_threshold_percent"`
	EstimatedCostPerCall       float64 `json:"estimated_cost_per_call"`
}

func newGuardrailView(g *guardrail.Guardrail) guardrailView {
	cfg := g.Config()
	warnings := g.Warnings()
	if warnings == nil {
		warnings = []string{}
	}
	return guardrailView{
		Config: guardrailConfigView{
			MaxCallsPerMinute:          cfg.MaxCallsPerMinute,
			MaxCallsPerHour:            cfg.MaxCallsPerHour,
			MaxCallsPerDay:             cfg.MaxCallsPerDay,
			MaxCostPerHour:             cfg.MaxCostPerHour,
			MaxCostPerDay:              cfg.MaxCostPerDay,
			PauseOnConsecutiveFailures: cfg.PauseOnConsecutiveFailures,
			Cooldown:                   cfg.Cooldown.String(),
			WarningThresholdPercent:    cfg.WarningThresholdPercent,
			EstimatedCostPerCall:       cfg.EstimatedCostPerCall,
		},
		Stats:      g.Stats(),
		InCooldown: g.InCooldown(),
		Warnings:   warnings,
	}
}

// experienceQuery is bound from the query string of GET /v1/experiences.
type experienceQuery struct {
	Success    *bool    `form:"success"`
	Strategies []string `form:"strategy" validate:"omitempty,dive,strategy"`
	MinReward  *float64 `form:"min_reward"`
	MaxReward  *float64 `form:"max_reward"`
	Since      string   `form:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Until      string   `form:"until" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	SortBy     string   `form:"sort" validate:"omitempty,oneof=timestamp reward execution_time node_count"`
	Order      string   `form:"order" validate:"omitempty,oneof=asc desc"`
	Offset     int      `form:"offset" validate:"gte=0"`
	Limit      int      `form:"limit" validate:"gte=0,lte=1000"`
}

func (q experienceQuery) toQuery() datamgmt.Query {
	out := datamgmt.Query{
		Success:   q.Success,
		MinReward: q.MinReward,
		MaxReward: q.MaxReward,
		SortBy:    datamgmt.SortField(q.SortBy),
		Ascending: q.Order == "asc",
		Offset:    q.Offset,
		Limit:     q.Limit,
	}
	for _, s := range q.Strategies {
		out.Strategies = append(out.Strategies, trial.Strategy(s))
	}
	if t, err := time.Parse(time.RFC3339, q.Since); err == nil {
		out.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Until); err == nil {
		out.Until = &t
	}
	return out
}

type pruneRequest struct {
	OlderThan   string   `json:"older_than" validate:"omitempty,duration"`
	BelowReward *float64 `json:"below_reward"`
	FailedOnly  bool     `json:"failed_only"`
}

func (p pruneRequest) toCriteria() datamgmt.PruneCriteria {
	c := datamgmt.PruneCriteria{BelowReward: p.BelowReward, FailedOnly: p.FailedOnly}
	if d, err := time.ParseDuration(p.OlderThan); err == nil {
		c.OlderThan = d
	}
	return c
}
