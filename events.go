package flowmesh

import (
	"time"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when the runtime starts.
	EventRunStarted EventKind = "run_started"

	// EventRunStopped is emitted when the runtime stops.
	EventRunStopped EventKind = "run_stopped"

	// EventRunIdle is emitted when the scheduler drains to idle.
	EventRunIdle EventKind = "run_idle"

	// EventStepFinished is emitted at each generation boundary, after
	// queued state updates have been published.
	EventStepFinished EventKind = "step_finished"

	// EventExecutorStarted is emitted when a handler invocation begins.
	EventExecutorStarted EventKind = "executor_started"

	// EventExecutorFinished is emitted when a handler commits its effects.
	EventExecutorFinished EventKind = "executor_finished"

	// EventExecutorFailed is emitted when a handler faults; its queued
	// effects were discarded.
	EventExecutorFailed EventKind = "executor_failed"

	// EventExecutorCanceled is emitted when a delivery is canceled
	// before or during handling.
	EventExecutorCanceled EventKind = "executor_canceled"

	// EventMessageSent is emitted for each committed direct send.
	EventMessageSent EventKind = "message_sent"

	// EventMessagePublished is emitted for each committed topic publish.
	EventMessagePublished EventKind = "message_published"

	// EventMessageDropped is emitted when routing produces no deliveries
	// (e.g. an unmatched switch with no default).
	EventMessageDropped EventKind = "message_dropped"

	// EventStatePublished is emitted after queued state updates are
	// written to their backing scopes.
	EventStatePublished EventKind = "state_published"

	// EventCheckpointSaved is emitted after a whole-graph snapshot.
	EventCheckpointSaved EventKind = "checkpoint_saved"

	// EventCheckpointRestored is emitted after a snapshot load completes,
	// including restore hooks.
	EventCheckpointRestored EventKind = "checkpoint_restored"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Executors may also emit their own kinds through HandlerContext.AddEvent;
// the engine forwards those unchanged, in emission order. Events should be
// kept small; large data belongs in state scopes, not event payloads.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID identifies the runtime run that produced the event.
	RunID string

	// Seq is a per-run monotonically increasing sequence number,
	// assigned by the runtime at emission.
	Seq uint64

	// Executor is the executor the event concerns (empty for run-level
	// events).
	Executor ExecutorID

	// MessageID is the envelope the event concerns, if any.
	MessageID string

	// Type is the message type the event concerns, if any.
	Type MessageType

	// Generation is the scheduler generation during which the event
	// occurred.
	Generation int

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration of the work the event reports, where
	// meaningful (handler invocations, runs).
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any
}

// NewEvent creates an event of the given kind stamped with the wall
// clock. The runtime builds its own events through NewEventAt so an
// injected clock flows into their timestamps.
func NewEvent(kind EventKind) Event {
	return NewEventAt(kind, time.Now())
}

// NewEventAt creates an event of the given kind with an explicit
// timestamp.
func NewEventAt(kind EventKind, at time.Time) Event {
	return Event{
		Kind:    kind,
		Time:    at,
		Payload: make(map[string]any),
	}
}

// WithExecutor sets the executor the event concerns.
func (e Event) WithExecutor(id ExecutorID) Event {
	e.Executor = id
	return e
}

// WithMessage sets the envelope identity the event concerns.
func (e Event) WithMessage(id string, msgType MessageType) Event {
	e.MessageID = id
	e.Type = msgType
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler fans an event out to several handlers in order.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler forwards events to a channel, dropping when full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
