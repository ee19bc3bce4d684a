package events

import (
	"context"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener consumes a ChannelEventBus and counts events by type
// and, for denials, by guardrail reason kind.
type MetricsEventListener struct {
	bus            *ChannelEventBus
	log            simlog.Logger
	eventCounter   *prometheus.CounterVec
	deniedCounter  *prometheus.CounterVec
	warningCounter prometheus.Counter
}

// NewMetricsEventListener registers its collectors with reg. Panics on nil
// dependencies, like the bus itself.
func NewMetricsEventListener(bus *ChannelEventBus, reg prometheus.Registerer, log simlog.Logger) *MetricsEventListener {
	if bus == nil || reg == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Registerer, and Logger")
	}
	l := &MetricsEventListener{
		bus: bus,
		log: log.With("component", "MetricsEventListener"),
		eventCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "simloop_events_total", Help: "Orchestrator events observed, by type."},
			[]string{"type"},
		),
		deniedCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "simloop_admission_denied_total", Help: "Trial slots refused by the guardrail, by reason kind."},
			[]string{"kind"},
		),
		warningCounter: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "simloop_guardrail_warnings_total", Help: "Soft guardrail warnings surfaced by the loop."},
		),
	}
	for _, c := range []prometheus.Collector{l.eventCounter, l.deniedCounter, l.warningCounter} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				l.log.Warnf("Failed to register event metric collector: %v", err)
			}
		}
	}
	return l
}

// Start consumes events until the bus is closed or ctx is done. Run it in
// its own goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	l.eventCounter.WithLabelValues(string(event.Type)).Inc()
	switch event.Type {
	case events.AdmissionDenied:
		kind, _ := event.Payload["kind"].(string)
		if kind == "" {
			kind = "unknown"
		}
		l.deniedCounter.WithLabelValues(kind).Inc()
	case events.GuardrailWarning:
		l.warningCounter.Inc()
	}
}
