package events

import "github.com/gxo-labs/simloop/pkg/simloop/v1/events"

// FanoutBus forwards every event to each of its buses in order. It lets the
// metrics listener and the websocket stream observe the same events.
type FanoutBus struct {
	buses []events.Bus
}

// NewFanoutBus returns a bus emitting to all non-nil buses.
func NewFanoutBus(buses ...events.Bus) *FanoutBus {
	f := &FanoutBus{}
	for _, b := range buses {
		if b != nil {
			f.buses = append(f.buses, b)
		}
	}
	return f
}

func (f *FanoutBus) Emit(event events.Event) {
	for _, b := range f.buses {
		b.Emit(event)
	}
}

var _ events.Bus = (*FanoutBus)(nil)
