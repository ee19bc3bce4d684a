package guardrail_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/guardrail"
	"github.com/gxo-labs/simloop/internal/logger"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func unlimited() guardrail.Config {
	return guardrail.Config{Cooldown: time.Minute, WarningThresholdPercent: 80}
}

func newGuardrail(cfg guardrail.Config, clock *fakeClock) *guardrail.Guardrail {
	return guardrail.New(cfg, logger.NewDiscardLogger(), guardrail.WithClock(clock.Now))
}

func TestMinuteLimitAndTick(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCallsPerMinute = 3
	g := newGuardrail(cfg, newFakeClock())

	for i := 0; i < 3; i++ {
		require.True(t, g.CanProceed().Allowed)
		g.RecordCall(true)
	}
	d := g.CanProceed()
	assert.False(t, d.Allowed)
	assert.Equal(t, guardrail.KindMinute, d.Kind)
	assert.Contains(t, d.Reason, "minute")
	assert.True(t, g.Stats().IsRateLimited)

	g.TickMinute()
	assert.True(t, g.CanProceed().Allowed)
	assert.False(t, g.Stats().IsRateLimited)
}

func TestHourlyLimitScenario(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCallsPerHour = 5
	g := newGuardrail(cfg, newFakeClock())

	for i := 0; i < 5; i++ {
		g.RecordCall(true)
	}
	d := g.CanProceed()
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hourly")

	g.TickMinute()
	assert.False(t, g.CanProceed().Allowed, "minute tick must not reset the hour window")
	g.TickHour()
	assert.True(t, g.CanProceed().Allowed)
}

func TestEvaluationOrder(t *testing.T) {
	cfg := guardrail.Config{
		MaxCallsPerMinute: 1,
		MaxCallsPerHour:   1,
		MaxCallsPerDay:    1,
		MaxCostPerHour:    0.5,
		MaxCostPerDay:     0.5,
		Cooldown:          time.Minute,
	}
	clock := newFakeClock()
	g := newGuardrail(cfg, clock)
	g.RecordCallWithCost(true, 1)

	assert.Equal(t, guardrail.KindMinute, g.CanProceed().Kind)
	g.TickMinute()
	assert.Equal(t, guardrail.KindHour, g.CanProceed().Kind)
	g.TickHour()
	assert.Equal(t, guardrail.KindDay, g.CanProceed().Kind)

	g.ActivateCooldown(0)
	assert.Equal(t, guardrail.KindCooldown, g.CanProceed().Kind)
	g.ClearCooldown()

	g.ResetDaily()
	g.RecordCallWithCost(true, 1)
	g.TickMinute()
	g.ResetDaily()
	// only the hour window is still full
	assert.Equal(t, guardrail.KindHour, g.CanProceed().Kind)
	g.TickHour()
	assert.True(t, g.CanProceed().Allowed)
}

func TestCostLimits(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCostPerHour = 1
	cfg.MaxCostPerDay = 2
	g := newGuardrail(cfg, newFakeClock())

	g.RecordCallWithCost(true, 1)
	d := g.CanProceed()
	assert.Equal(t, guardrail.KindHourlyCost, d.Kind)
	assert.Contains(t, d.Reason, "hourly cost")

	g.TickHour()
	g.RecordCallWithCost(true, 1)
	g.TickHour()
	d = g.CanProceed()
	assert.Equal(t, guardrail.KindDailyCost, d.Kind)

	err := d.Err()
	require.Error(t, err)
	assert.True(t, simerrors.IsAdmissionDenied(err))
	assert.NoError(t, guardrail.Decision{Allowed: true}.Err())
}

func TestRecordCallUsesEstimatedCost(t *testing.T) {
	cfg := unlimited()
	cfg.EstimatedCostPerCall = 0.25
	g := newGuardrail(cfg, newFakeClock())
	g.RecordCall(true)
	g.RecordCall(false)

	s := g.Stats()
	assert.Equal(t, 2, s.CallsToday)
	assert.InDelta(t, 0.5, s.CostToday, 1e-9)
	assert.InDelta(t, 0.5, s.CostThisHour, 1e-9)
	assert.Equal(t, 1, s.ConsecutiveFailures)
	require.NotNil(t, s.LastCallTime)
}

func TestConsecutiveFailuresTriggerCooldown(t *testing.T) {
	cfg := unlimited()
	cfg.PauseOnConsecutiveFailures = 3
	cfg.Cooldown = 10 * time.Minute
	clock := newFakeClock()
	g := newGuardrail(cfg, clock)

	g.RecordCall(false)
	g.RecordCall(false)
	g.RecordCall(true)
	g.RecordCall(false)
	g.RecordCall(false)
	assert.True(t, g.CanProceed().Allowed, "a success resets the failure streak")

	g.RecordCall(false)
	d := g.CanProceed()
	assert.False(t, d.Allowed)
	assert.Equal(t, guardrail.KindCooldown, d.Kind)
	assert.Contains(t, d.Reason, "cooldown")
	assert.True(t, g.InCooldown())

	clock.Advance(9 * time.Minute)
	assert.False(t, g.CanProceed().Allowed)
	clock.Advance(time.Minute)
	assert.True(t, g.CanProceed().Allowed)
	assert.Nil(t, g.Stats().CooldownUntil)
}

func TestClearCooldown(t *testing.T) {
	cfg := unlimited()
	cfg.PauseOnConsecutiveFailures = 2
	g := newGuardrail(cfg, newFakeClock())
	g.RecordCall(false)
	g.RecordCall(false)
	require.False(t, g.CanProceed().Allowed)

	g.ClearCooldown()
	g.ClearCooldown()
	assert.True(t, g.CanProceed().Allowed)
	assert.Equal(t, 0, g.Stats().ConsecutiveFailures)
}

func TestActivateCooldownKeepsLongerWindow(t *testing.T) {
	clock := newFakeClock()
	g := newGuardrail(unlimited(), clock)
	g.ActivateCooldown(time.Hour)
	g.ActivateCooldown(time.Minute)
	until := g.Stats().CooldownUntil
	require.NotNil(t, until)
	assert.Equal(t, clock.Now().Add(time.Hour), *until)
}

func TestWarnings(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCallsPerMinute = 10
	cfg.MaxCostPerDay = 1
	g := newGuardrail(cfg, newFakeClock())

	for i := 0; i < 7; i++ {
		g.RecordCallWithCost(true, 0.1)
	}
	assert.Empty(t, g.Warnings())

	g.RecordCallWithCost(true, 0.2)
	warnings := g.Warnings()
	require.Len(t, warnings, 2)
	assert.True(t, strings.HasPrefix(warnings[0], "per-minute calls at 80%"))
	assert.True(t, strings.HasPrefix(warnings[1], "daily cost at 90%"))
}

func TestResetClearsEverything(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCallsPerDay = 1
	g := newGuardrail(cfg, newFakeClock())
	g.RecordCall(false)
	g.ActivateCooldown(time.Hour)
	g.Reset()
	assert.Equal(t, guardrail.UsageStats{}, g.Stats())
	assert.True(t, g.CanProceed().Allowed)
	assert.Equal(t, cfg, g.Config())
}

func TestUpdateConfig(t *testing.T) {
	g := newGuardrail(guardrail.DefaultConfig(), newFakeClock())
	bad := guardrail.DefaultConfig()
	bad.WarningThresholdPercent = 150
	assert.Error(t, g.UpdateConfig(bad))

	next := guardrail.DefaultConfig()
	next.MaxCallsPerMinute = 1
	g.RecordCall(true)
	require.NoError(t, g.UpdateConfig(next))
	assert.Equal(t, 1, g.Stats().CallsThisMinute, "counters survive a config update")
	assert.False(t, g.CanProceed().Allowed)
}

func TestNewFallsBackToDefaultsOnInvalidConfig(t *testing.T) {
	g := newGuardrail(guardrail.Config{Cooldown: -time.Second}, newFakeClock())
	assert.Equal(t, guardrail.DefaultConfig(), g.Config())
}

func TestStartStopTicks(t *testing.T) {
	cfg := unlimited()
	cfg.MaxCallsPerMinute = 1
	g := guardrail.New(cfg, logger.NewDiscardLogger(), guardrail.WithTickIntervals(5*time.Millisecond, time.Hour))
	g.RecordCall(true)
	require.False(t, g.CanProceed().Allowed)

	g.Start(context.Background())
	g.Start(context.Background())
	assert.Eventually(t, func() bool { return g.CanProceed().Allowed }, time.Second, 5*time.Millisecond)
	g.Stop()
	g.Stop()

	g.RecordCall(true)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.CanProceed().Allowed, "no ticks after Stop")
}

func TestRegisterMetrics(t *testing.T) {
	g := newGuardrail(unlimited(), newFakeClock())
	reg := prometheus.NewRegistry()
	require.NoError(t, g.RegisterMetrics(reg))
	g.RecordCallWithCost(true, 0.5)
	g.ActivateCooldown(time.Minute)

	count, err := testutil.GatherAndCount(reg, "simloop_guardrail_calls")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Error(t, g.RegisterMetrics(reg), "duplicate registration must fail")
}

func TestMinuteCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		cfg := unlimited()
		cfg.MaxCallsPerMinute = limit
		g := newGuardrail(cfg, newFakeClock())

		for i := 0; i < limit; i++ {
			if !g.CanProceed().Allowed {
				t.Fatalf("denied after %d of %d calls", i, limit)
			}
			g.RecordCall(true)
		}
		d := g.CanProceed()
		if d.Allowed || d.Kind != guardrail.KindMinute {
			t.Fatalf("expected minute denial, got %+v", d)
		}
		g.TickMinute()
		if !g.CanProceed().Allowed {
			t.Fatal("expected admission after minute tick")
		}
	})
}
