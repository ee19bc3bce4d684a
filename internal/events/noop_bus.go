package events

import "github.com/gxo-labs/simloop/pkg/simloop/v1/events"

// NoOpEventBus discards every event. It is the orchestrator's default bus so
// emit sites never need nil checks.
type NoOpEventBus struct{}

func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

func (n *NoOpEventBus) Emit(events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)
