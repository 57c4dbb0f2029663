package flowmesh

import (
	"github.com/google/uuid"
)

// ExecutorID identifies an executor instance and its mailbox within a graph.
//
// IDs are either a bare executor type name ("summarizer") or a
// "type/key" pair ("summarizer/eu-west") when multiple instances of the
// same type coexist. The portion before the first slash selects the
// registered factory.
type ExecutorID string

// TopicID identifies a publish/subscribe topic.
type TopicID string

// MessageType tags an envelope payload so executors can dispatch on it
// without reflection. Types are plain strings by convention, e.g.
// "task.request" or "review.completed".
type MessageType string

// Envelope is the routed unit wrapping a message payload with delivery
// metadata. Envelopes are immutable once routed: the engine never mutates
// one in place, it copies it into Delivery values instead.
type Envelope struct {
	// Payload is the message body. The engine treats it as opaque.
	Payload any

	// Type is the payload's message type tag, used for handler dispatch.
	Type MessageType

	// MessageID uniquely identifies this message within a run.
	MessageID string

	// Sender is the executor that emitted the message (empty for
	// messages injected from outside the graph).
	Sender ExecutorID

	// Receiver is the direct-send target. At most one of Receiver and
	// Topic is set before routing.
	Receiver ExecutorID

	// Topic is the publish target. At most one of Receiver and Topic is
	// set before routing.
	Topic TopicID
}

// EnvelopeOption customizes an envelope at construction. The runtime's
// Send and Publish accept options so callers outside the graph can pin
// a message ID or attribute the message to an executor.
type EnvelopeOption func(*Envelope)

// WithMessageID pins the envelope's message ID instead of minting a
// fresh one, so a re-injected message (after a checkpoint restore, say)
// keeps its identity. An empty id leaves the minted one in place.
func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) {
		if id != "" {
			e.MessageID = id
		}
	}
}

// WithSender attributes the envelope to an executor, as if that
// executor had emitted it from inside a handler. On a publish the
// sender is subject to the DeliverToSelf rule.
func WithSender(id ExecutorID) EnvelopeOption {
	return func(e *Envelope) {
		e.Sender = id
	}
}

// NewEnvelope creates an envelope with a fresh message ID and no routing
// metadata. Callers set Sender/Receiver/Topic via the With* helpers or
// by passing options.
func NewEnvelope(payload any, msgType MessageType, opts ...EnvelopeOption) Envelope {
	env := Envelope{
		Payload:   payload,
		Type:      msgType,
		MessageID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env
}

// WithSender returns a copy of the envelope with the sender set.
func (e Envelope) WithSender(id ExecutorID) Envelope {
	e.Sender = id
	return e
}

// WithReceiver returns a copy of the envelope addressed to a direct target.
// It clears any topic so the receiver/topic exclusivity invariant holds.
func (e Envelope) WithReceiver(id ExecutorID) Envelope {
	e.Receiver = id
	e.Topic = ""
	return e
}

// WithTopic returns a copy of the envelope addressed to a topic.
// It clears any receiver so the receiver/topic exclusivity invariant holds.
func (e Envelope) WithTopic(topic TopicID) Envelope {
	e.Topic = topic
	e.Receiver = ""
	return e
}

// Delivery pairs an envelope copy with the executor that should receive it.
// It is the unit the step scheduler queues and runs, decoupling "who gets
// a copy" from "how to run it".
type Delivery struct {
	Envelope Envelope
	Target   ExecutorID
}

// Type returns the executor type portion of the ID: everything before the
// first slash, or the whole ID when no slash is present.
func (id ExecutorID) Type() string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return string(id[:i])
		}
	}
	return string(id)
}
