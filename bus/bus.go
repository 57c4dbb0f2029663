// Package bus distributes and persists flowmesh workflow events. It
// decouples the execution engine from observers such as loggers, ops
// tooling, and monitoring: the runtime hands events to a bus, and
// subscribers consume them per run or across all runs, optionally
// narrowed to the event kinds they care about.
package bus

import "github.com/petal-labs/flowmesh"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event flowmesh.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string, opts ...SubscribeOption) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll(opts ...SubscribeOption) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan flowmesh.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// SubscribeOption narrows or tunes one subscription.
type SubscribeOption func(*subscribeOptions)

// WithKinds restricts a subscription to the listed event kinds. Without
// it the subscription receives every kind. An ops console watching only
// faults would subscribe with
// WithKinds(flowmesh.EventExecutorFailed, flowmesh.EventExecutorCanceled).
func WithKinds(kinds ...flowmesh.EventKind) SubscribeOption {
	return func(o *subscribeOptions) {
		if o.kinds == nil {
			o.kinds = make(map[flowmesh.EventKind]bool, len(kinds))
		}
		for _, k := range kinds {
			o.kinds[k] = true
		}
	}
}

// WithBuffer overrides the subscription's channel buffer. Slow consumers
// with a small buffer lose events; see MemBus.Dropped.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// subscribeOptions is the resolved form of a subscription's options.
type subscribeOptions struct {
	kinds  map[flowmesh.EventKind]bool
	buffer int
}

func newSubscribeOptions(defaultBuffer int, opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// wants reports whether the subscription's kind filter accepts an event.
// An empty filter accepts everything.
func (o subscribeOptions) wants(kind flowmesh.EventKind) bool {
	return len(o.kinds) == 0 || o.kinds[kind]
}
