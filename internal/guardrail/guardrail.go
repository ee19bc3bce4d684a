// Package guardrail implements admission control for the simulation loop:
// rolling call ceilings per minute, hour and day, hourly and daily cost
// budgets, and a cooldown window triggered by consecutive failures.
//
// All state lives in memory and is mutated only through Guardrail methods.
// The minute and hour windows are reset by ticks, either driven by Start or
// by an external scheduler calling TickMinute and TickHour. Daily counters
// only reset through ResetDaily or Reset.
package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
)

// Denial kinds reported in Decision.Kind.
const (
	KindCooldown   = "cooldown"
	KindMinute     = "minute_limit"
	KindHour       = "hour_limit"
	KindDay        = "day_limit"
	KindHourlyCost = "hourly_cost"
	KindDailyCost  = "daily_cost"
)

// Config holds the ceilings. A ceiling of zero or less is unlimited.
type Config struct {
	MaxCallsPerMinute          int           `json:"max_calls_per_minute"`
	MaxCallsPerHour            int           `json:"max_calls_per_hour"`
	MaxCallsPerDay             int           `json:"max_calls_per_day"`
	MaxCostPerHour             float64       `json:"max_cost_per_hour"`
	MaxCostPerDay              float64       `json:"max_cost_per_day"`
	PauseOnConsecutiveFailures int           `json:"pause_on_consecutive_failures"`
	Cooldown                   time.Duration `json:"cooldown"`
	WarningThresholdPercent    float64       `json:"warning_threshold_percent"`
	EstimatedCostPerCall       float64       `json:"estimated_cost_per_call"`
}

// DefaultConfig returns conservative ceilings suitable for a paid LLM API.
func DefaultConfig() Config {
	return Config{
		MaxCallsPerMinute:          10,
		MaxCallsPerHour:            200,
		MaxCallsPerDay:             2000,
		MaxCostPerHour:             5,
		MaxCostPerDay:              50,
		PauseOnConsecutiveFailures: 5,
		Cooldown:                   5 * time.Minute,
		WarningThresholdPercent:    80,
		EstimatedCostPerCall:       0.01,
	}
}

// Validate rejects negative values and a warning threshold outside 0..100.
func (c Config) Validate() error {
	switch {
	case c.MaxCostPerHour < 0 || c.MaxCostPerDay < 0:
		return simerrors.NewValidationError("guardrail cost ceilings cannot be negative", nil)
	case c.Cooldown < 0:
		return simerrors.NewValidationError("guardrail cooldown cannot be negative", nil)
	case c.WarningThresholdPercent < 0 || c.WarningThresholdPercent > 100:
		return simerrors.NewValidationError(fmt.Sprintf("guardrail warning threshold must be within 0..100, got %v", c.WarningThresholdPercent), nil)
	case c.EstimatedCostPerCall < 0:
		return simerrors.NewValidationError("guardrail estimated cost per call cannot be negative", nil)
	case c.PauseOnConsecutiveFailures < 0:
		return simerrors.NewValidationError("guardrail consecutive failure threshold cannot be negative", nil)
	}
	return nil
}

// UsageStats is a snapshot of the rolling counters.
type UsageStats struct {
	CallsThisMinute     int        `json:"calls_this_minute"`
	CallsThisHour       int        `json:"calls_this_hour"`
	CallsToday          int        `json:"calls_today"`
	CostThisHour        float64    `json:"cost_this_hour"`
	CostToday           float64    `json:"cost_today"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCallTime        *time.Time `json:"last_call_time,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	IsRateLimited       bool       `json:"is_rate_limited"`
}

// Decision is the answer to CanProceed. Kind and Reason are empty when
// Allowed is true.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into an AdmissionDeniedError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return simerrors.NewAdmissionDeniedError(d.Kind, d.Reason)
}

// Option configures a Guardrail at construction.
type Option func(*Guardrail)

// WithClock replaces time.Now, e.g. with a fake clock in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guardrail) {
		if now != nil {
			g.now = now
		}
	}
}

// WithTickIntervals overrides the minute and hour tick periods used by Start.
func WithTickIntervals(minute, hour time.Duration) Option {
	return func(g *Guardrail) {
		if minute > 0 {
			g.minuteInterval = minute
		}
		if hour > 0 {
			g.hourInterval = hour
		}
	}
}

// Guardrail is the admission controller. It is safe for concurrent use.
type Guardrail struct {
	log simlog.Logger
	now func() time.Time

	mu    sync.Mutex
	cfg   Config
	stats UsageStats

	minuteInterval time.Duration
	hourInterval   time.Duration
	timerMu        sync.Mutex
	cancelTimers   context.CancelFunc
	timersDone     sync.WaitGroup
}

// New creates a Guardrail. Invalid configs are replaced by DefaultConfig
// with a warning; use UpdateConfig to get the validation error instead.
func New(cfg Config, log simlog.Logger, opts ...Option) *Guardrail {
	g := &Guardrail{
		log:            log,
		now:            time.Now,
		minuteInterval: time.Minute,
		hourInterval:   time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("Invalid guardrail config, using defaults: %v", err)
		cfg = DefaultConfig()
	}
	g.cfg = cfg
	return g
}

// CanProceed evaluates, in order: active cooldown, per-minute, per-hour and
// per-day call ceilings, then hourly and daily cost ceilings. The first
// violation is returned. An expired cooldown is cleared here.
func (g *Guardrail) CanProceed() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until := g.stats.CooldownUntil; until != nil {
		if now.Before(*until) {
			return Decision{
				Kind:   KindCooldown,
				Reason: fmt.Sprintf("cooldown active until %s (%s remaining)", until.Format(time.RFC3339), until.Sub(now).Truncate(time.Second)),
			}
		}
		g.stats.CooldownUntil = nil
		g.log.Infof("Guardrail cooldown expired")
	}

	c, s := g.cfg, g.stats
	var d Decision
	switch {
	case c.MaxCallsPerMinute > 0 && s.CallsThisMinute >= c.MaxCallsPerMinute:
		d = Decision{Kind: KindMinute, Reason: fmt.Sprintf("per-minute call limit reached (%d/%d)", s.CallsThisMinute, c.MaxCallsPerMinute)}
	case c.MaxCallsPerHour > 0 && s.CallsThisHour >= c.MaxCallsPerHour:
		d = Decision{Kind: KindHour, Reason: fmt.Sprintf("hourly call limit reached (%d/%d)", s.CallsThisHour, c.MaxCallsPerHour)}
	case c.MaxCallsPerDay > 0 && s.CallsToday >= c.MaxCallsPerDay:
		d = Decision{Kind: KindDay, Reason: fmt.Sprintf("daily call limit reached (%d/%d)", s.CallsToday, c.MaxCallsPerDay)}
	case c.MaxCostPerHour > 0 && s.CostThisHour >= c.MaxCostPerHour:
		d = Decision{Kind: KindHourlyCost, Reason: fmt.Sprintf("hourly cost limit reached ($%.2f/$%.2f)", s.CostThisHour, c.MaxCostPerHour)}
	case c.MaxCostPerDay > 0 && s.CostToday >= c.MaxCostPerDay:
		d = Decision{Kind: KindDailyCost, Reason: fmt.Sprintf("daily cost limit reached ($%.2f/$%.2f)", s.CostToday, c.MaxCostPerDay)}
	default:
		d = Decision{Allowed: true}
	}
	g.stats.IsRateLimited = !d.Allowed
	return d
}

// RecordCall records one call charged at the configured estimated cost.
func (g *Guardrail) RecordCall(success bool) {
	g.mu.Lock()
	cost := g.cfg.EstimatedCostPerCall
	g.mu.Unlock()
	g.RecordCallWithCost(success, cost)
}

// RecordCallWithCost records one call with an explicit cost. Reaching the
// consecutive-failure threshold activates a cooldown and restarts the count.
func (g *Guardrail) RecordCallWithCost(success bool, cost float64) {
	if cost < 0 {
		cost = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.stats.CallsThisMinute++
	g.stats.CallsThisHour++
	g.stats.CallsToday++
	g.stats.CostThisHour += cost
	g.stats.CostToday += cost
	g.stats.LastCallTime = &now

	if success {
		g.stats.ConsecutiveFailures = 0
		return
	}
	g.stats.ConsecutiveFailures++
	if threshold := g.cfg.PauseOnConsecutiveFailures; threshold > 0 && g.stats.ConsecutiveFailures >= threshold {
		g.log.Warnf("Guardrail: %d consecutive failures, cooling down for %s", g.stats.ConsecutiveFailures, g.cfg.Cooldown)
		g.activateCooldownLocked(now, g.cfg.Cooldown)
		g.stats.ConsecutiveFailures = 0
	}
}

// Warnings describes every counter at or above the warning percentage of its
// ceiling. It returns nil when nothing is close to a limit.
func (g *Guardrail) Warnings() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	pct := g.cfg.WarningThresholdPercent
	if pct <= 0 {
		return nil
	}
	var out []string
	check := func(label string, used, limit float64, money bool) {
		if limit <= 0 {
			return
		}
		ratio := used / limit * 100
		if ratio < pct {
			return
		}
		if money {
			out = append(out, fmt.Sprintf("%s at %.0f%% of limit ($%.2f/$%.2f)", label, ratio, used, limit))
			return
		}
		out = append(out, fmt.Sprintf("%s at %.0f%% of limit (%.0f/%.0f)", label, ratio, used, limit))
	}
	c, s := g.cfg, g.stats
	check("per-minute calls", float64(s.CallsThisMinute), float64(c.MaxCallsPerMinute), false)
	check("hourly calls", float64(s.CallsThisHour), float64(c.MaxCallsPerHour), false)
	check("daily calls", float64(s.CallsToday), float64(c.MaxCallsPerDay), false)
	check("hourly cost", s.CostThisHour, c.MaxCostPerHour, true)
	check("daily cost", s.CostToday, c.MaxCostPerDay, true)
	return out
}

// TickMinute resets the per-minute window.
func (g *Guardrail) TickMinute() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.CallsThisMinute = 0
	g.stats.IsRateLimited = false
}

// TickHour resets the hourly call and cost windows.
func (g *Guardrail) TickHour() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.CallsThisHour = 0
	g.stats.CostThisHour = 0
	g.stats.IsRateLimited = false
}

// ResetDaily clears the daily call and cost counters.
func (g *Guardrail) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.CallsToday = 0
	g.stats.CostToday = 0
	g.stats.IsRateLimited = false
}

// Reset clears every counter and any cooldown. Config is kept.
func (g *Guardrail) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = UsageStats{}
}

// ActivateCooldown starts a cooldown of d, or of the configured duration
// when d <= 0. An existing cooldown that ends later is kept.
func (g *Guardrail) ActivateCooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d <= 0 {
		d = g.cfg.Cooldown
	}
	g.activateCooldownLocked(g.now(), d)
}

func (g *Guardrail) activateCooldownLocked(now time.Time, d time.Duration) {
	until := now.Add(d)
	if cur := g.stats.CooldownUntil; cur != nil && cur.After(until) {
		return
	}
	g.stats.CooldownUntil = &until
}

// ClearCooldown ends any active cooldown and resets the failure streak.
func (g *Guardrail) ClearCooldown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.CooldownUntil = nil
	g.stats.ConsecutiveFailures = 0
}

// InCooldown reports whether a cooldown is currently active.
func (g *Guardrail) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats.CooldownUntil != nil && g.now().Before(*g.stats.CooldownUntil)
}

// Stats returns a copy of the current counters.
func (g *Guardrail) Stats() UsageStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	if s.LastCallTime != nil {
		t := *s.LastCallTime
		s.LastCallTime = &t
	}
	if s.CooldownUntil != nil {
		t := *s.CooldownUntil
		s.CooldownUntil = &t
	}
	return s
}

// Config returns the current ceilings.
func (g *Guardrail) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// UpdateConfig replaces the ceilings. Counters are preserved.
func (g *Guardrail) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.log.Infof("Guardrail config updated: minute=%d hour=%d day=%d cost/hour=%.2f cost/day=%.2f",
		cfg.MaxCallsPerMinute, cfg.MaxCallsPerHour, cfg.MaxCallsPerDay, cfg.MaxCostPerHour, cfg.MaxCostPerDay)
	return nil
}

// Start launches the minute and hour tick timers. Calling Start while the
// timers run is a no-op. The timers stop when ctx is done or Stop is called.
func (g *Guardrail) Start(ctx context.Context) {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.cancelTimers != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancelTimers = cancel
	g.timersDone.Add(2)
	go g.tickLoop(ctx, g.minuteInterval, g.TickMinute)
	go g.tickLoop(ctx, g.hourInterval, g.TickHour)
}

// Stop halts the tick timers and waits for them to exit.
func (g *Guardrail) Stop() {
	g.timerMu.Lock()
	cancel := g.cancelTimers
	g.cancelTimers = nil
	g.timerMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.timersDone.Wait()
}

func (g *Guardrail) tickLoop(ctx context.Context, interval time.Duration, tick func()) {
	defer g.timersDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
