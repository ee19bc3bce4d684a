package events

import (
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
)

// ChannelEventBus implements events.Bus with a buffered channel. Emit never
// blocks the main loop: when the buffer is full the event is dropped and a
// warning is logged.
type ChannelEventBus struct {
	channel chan events.Event
	log     simlog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Uint64
}

// NewChannelEventBus creates a bus with the given buffer (100 when <= 0).
// Panics if log is nil.
func NewChannelEventBus(bufferSize int, log simlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit sends event without blocking. Events emitted after Close are ignored.
func (c *ChannelEventBus) Emit(event events.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.channel <- event:
	default:
		c.dropped.Add(1)
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelEventBus) Dropped() uint64 {
	return c.dropped.Load()
}

// GetChannel exposes the read side for in-process listeners.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the channel, ending listeners ranging over it. Safe to call
// more than once.
func (c *ChannelEventBus) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.channel)
		c.mu.Unlock()
		c.log.Debugf("ChannelEventBus closed")
	})
}

var _ events.Bus = (*ChannelEventBus)(nil)
