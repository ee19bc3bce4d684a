package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/gxo-labs/simloop/internal/events"
	"github.com/gxo-labs/simloop/internal/logger"
	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	got []simevents.Event
}

func (r *recordingBus) Emit(e simevents.Event) { r.got = append(r.got, e) }

func TestChannelEventBus_DropsWhenFull(t *testing.T) {
	bus := events.NewChannelEventBus(2, logger.NewDiscardLogger())
	for i := 0; i < 5; i++ {
		bus.Emit(simevents.Event{Type: simevents.TrialEnd})
	}
	assert.Equal(t, uint64(3), bus.Dropped())
	assert.Len(t, bus.GetChannel(), 2)

	bus.Close()
	bus.Close()
	bus.Emit(simevents.Event{Type: simevents.TrialEnd})
}

func TestFanoutBus_ForwardsToAll(t *testing.T) {
	a, b := &recordingBus{}, &recordingBus{}
	f := events.NewFanoutBus(a, nil, b)
	f.Emit(simevents.Event{Type: simevents.Paused})
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, simevents.Paused, b.got[0].Type)
}

func TestMetricsEventListener_CountsEvents(t *testing.T) {
	log := logger.NewDiscardLogger()
	bus := events.NewChannelEventBus(10, log)
	reg := prometheus.NewRegistry()
	listener := events.NewMetricsEventListener(bus, reg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		listener.Start(ctx)
		close(done)
	}()

	bus.Emit(simevents.Event{Type: simevents.AdmissionDenied, Payload: map[string]interface{}{"kind": "minute_limit"}})
	bus.Emit(simevents.Event{Type: simevents.AdmissionDenied, Payload: map[string]interface{}{"kind": "minute_limit"}})
	bus.Emit(simevents.Event{Type: simevents.GuardrailWarning})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after bus close")
	}

	count, err := testutil.GatherAndCount(reg, "simloop_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per event type")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var denied float64
	for _, mf := range mfs {
		if mf.GetName() == "simloop_admission_denied_total" {
			denied = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, denied)
}
