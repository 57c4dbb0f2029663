package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/flowmesh"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the default channel buffer per subscriber
	// (default: 256). WithBuffer overrides it per subscription.
	SubscriberBufferSize int
}

// MemBus fans events out to in-process subscribers, each with its own
// buffered channel and optional kind filter. Its Publish method
// satisfies flowmesh.EventHandler, so it plugs straight into
// runtime.Options.EventHandler. Publishing never blocks: a subscriber
// whose buffer is full loses the event, and Dropped counts the losses.
type MemBus struct {
	bufSize int

	mu     sync.RWMutex
	byRun  map[string][]*memSub
	global []*memSub
	closed bool

	dropped atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		bufSize: bufSize,
		byRun:   make(map[string][]*memSub),
	}
}

// Publish fans an event out: run-scoped subscribers see events matching
// their run ID, global subscribers see everything, and each
// subscription's kind filter applies on top. Publishing to a closed bus
// is a no-op.
func (b *MemBus) Publish(event flowmesh.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.byRun[event.RunID] {
		b.deliver(sub, event)
	}
	for _, sub := range b.global {
		b.deliver(sub, event)
	}
}

func (b *MemBus) deliver(sub *memSub, event flowmesh.Event) {
	if !sub.opts.wants(event.Kind) {
		return
	}
	if !sub.offer(event) {
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were lost to full subscriber buffers
// since the bus was created.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber for a specific run.
// Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe(runID string, opts ...SubscribeOption) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(newSubscribeOptions(b.bufSize, opts))
	b.byRun[runID] = append(b.byRun[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
// Returns a Subscription that must be closed when done.
func (b *MemBus) SubscribeAll(opts ...SubscribeOption) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(newSubscribeOptions(b.bufSize, opts))
	b.global = append(b.global, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.byRun {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.global {
		sub.close()
	}
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	opts subscribeOptions

	ch     chan flowmesh.Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(opts subscribeOptions) *memSub {
	return &memSub{
		opts: opts,
		ch:   make(chan flowmesh.Event, opts.buffer),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan flowmesh.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer hands an event to the subscription's channel without blocking.
// It reports false only when a live subscriber's buffer was full; a
// closed subscription swallows the event silently.
func (s *memSub) offer(event flowmesh.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
