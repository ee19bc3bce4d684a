package guardrail

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes the usage counters as gauges on reg.
func (g *Guardrail) RegisterMetrics(reg prometheus.Registerer) error {
	gauge := func(name, help string, labels prometheus.Labels, f func(UsageStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "simloop",
			Subsystem:   "guardrail",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return f(g.Stats()) })
	}
	collectors := []prometheus.Collector{
		gauge("calls", "Calls recorded in the current window.", prometheus.Labels{"window": "minute"},
			func(s UsageStats) float64 { return float64(s.CallsThisMinute) }),
		gauge("calls", "Calls recorded in the current window.", prometheus.Labels{"window": "hour"},
			func(s UsageStats) float64 { return float64(s.CallsThisHour) }),
		gauge("calls", "Calls recorded in the current window.", prometheus.Labels{"window": "day"},
			func(s UsageStats) float64 { return float64(s.CallsToday) }),
		gauge("cost", "Estimated cost spent in the current window.", prometheus.Labels{"window": "hour"},
			func(s UsageStats) float64 { return s.CostThisHour }),
		gauge("cost", "Estimated cost spent in the current window.", prometheus.Labels{"window": "day"},
			func(s UsageStats) float64 { return s.CostToday }),
		gauge("consecutive_failures", "Current run of failed calls.", nil,
			func(s UsageStats) float64 { return float64(s.ConsecutiveFailures) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "simloop",
			Subsystem: "guardrail",
			Name:      "cooldown_active",
			Help:      "1 while a cooldown is active.",
		}, func() float64 {
			if g.InCooldown() {
				return 1
			}
			return 0
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
