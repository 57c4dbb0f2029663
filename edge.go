package flowmesh

import (
	"encoding/json"
)

// Edge routes messages emitted by an executor to zero or more targets.
// Routing wraps envelope copies in Delivery values; it never mutates the
// incoming envelope.
//
// Edges are consulted when a handler sends without an explicit target:
// the runtime offers the envelope to every edge whose From matches the
// sender and enqueues the union of the produced deliveries.
type Edge interface {
	// From reports whether this edge routes messages sent by the
	// given executor.
	From(sender ExecutorID) bool

	// Route maps one envelope to its deliveries. An empty result means
	// this edge delivers nothing for the envelope.
	Route(env Envelope) []Delivery

	// Targets enumerates every executor this edge can deliver to,
	// so the runtime can validate routing configuration before any
	// message flows.
	Targets() []ExecutorID
}

// StatefulEdge is implemented by edges that buffer messages between
// firings (fan-in). Their buffers are part of the whole-graph snapshot.
type StatefulEdge interface {
	Edge

	// EdgeID keys this edge's buffer inside a snapshot. IDs must be
	// unique among the stateful edges of one runtime.
	EdgeID() string

	// SnapshotEdge serializes the edge's buffered messages.
	SnapshotEdge() (json.RawMessage, error)

	// RestoreEdge rehydrates the edge's buffers from a snapshot.
	RestoreEdge(data json.RawMessage) error
}

// DirectEdge connects one source to one target. The envelope passes
// through unchanged.
type DirectEdge struct {
	Source ExecutorID
	Target ExecutorID
}

// NewDirectEdge creates a direct edge from source to target.
func NewDirectEdge(source, target ExecutorID) *DirectEdge {
	return &DirectEdge{Source: source, Target: target}
}

// From reports whether the edge's source matches the sender.
func (e *DirectEdge) From(sender ExecutorID) bool {
	return sender == e.Source
}

// Route delivers the envelope to the single target.
func (e *DirectEdge) Route(env Envelope) []Delivery {
	return []Delivery{{Envelope: env.WithReceiver(e.Target), Target: e.Target}}
}

// Targets returns the single declared target.
func (e *DirectEdge) Targets() []ExecutorID {
	return []ExecutorID{e.Target}
}

// Partitioner selects a subset of fan-out targets for a payload. It
// receives the payload and the declared target count and returns the
// indices to deliver to. Out-of-range indices are ignored.
type Partitioner func(payload any, targetCount int) []int

// FanOutEdge broadcasts from one source to N declared targets.
// An optional Partitioner narrows the target set per payload; nil means
// every target receives a copy.
type FanOutEdge struct {
	source      ExecutorID
	targets     []ExecutorID
	partitioner Partitioner
}

// NewFanOutEdge creates a fan-out edge delivering to all targets.
func NewFanOutEdge(source ExecutorID, targets ...ExecutorID) *FanOutEdge {
	return &FanOutEdge{source: source, targets: targets}
}

// WithPartitioner sets the partitioner and returns the edge for chaining.
func (e *FanOutEdge) WithPartitioner(p Partitioner) *FanOutEdge {
	e.partitioner = p
	return e
}

// From reports whether the edge's source matches the sender.
func (e *FanOutEdge) From(sender ExecutorID) bool {
	return sender == e.source
}

// Route delivers envelope copies to the selected targets.
func (e *FanOutEdge) Route(env Envelope) []Delivery {
	indices := make([]int, 0, len(e.targets))
	if e.partitioner == nil {
		for i := range e.targets {
			indices = append(indices, i)
		}
	} else {
		for _, i := range e.partitioner(env.Payload, len(e.targets)) {
			if i >= 0 && i < len(e.targets) {
				indices = append(indices, i)
			}
		}
	}

	deliveries := make([]Delivery, 0, len(indices))
	for _, i := range indices {
		target := e.targets[i]
		deliveries = append(deliveries, Delivery{
			Envelope: env.WithReceiver(target),
			Target:   target,
		})
	}
	return deliveries
}

// Targets returns all declared fan-out targets, partitioned or not.
func (e *FanOutEdge) Targets() []ExecutorID {
	out := make([]ExecutorID, len(e.targets))
	copy(out, e.targets)
	return out
}

// SwitchCase pairs a payload predicate with the target group it selects.
type SwitchCase struct {
	// When decides whether this case applies to a payload.
	When func(payload any) bool

	// Targets receive the message when the case is selected.
	Targets []ExecutorID
}

// SwitchEdge is a fan-out specialization whose targets are grouped by
// case. Cases are evaluated in registration order and the first matching
// predicate wins; later cases are not evaluated even if they would also
// match. When no case matches, the default group is used. With no default
// configured the message is dropped silently, not reported as an error.
type SwitchEdge struct {
	source   ExecutorID
	cases    []SwitchCase
	defaults []ExecutorID
}

// NewSwitchEdge creates a switch edge with ordered cases and an optional
// default target group.
func NewSwitchEdge(source ExecutorID, cases []SwitchCase, defaultTargets ...ExecutorID) *SwitchEdge {
	return &SwitchEdge{
		source:   source,
		cases:    cases,
		defaults: defaultTargets,
	}
}

// From reports whether the edge's source matches the sender.
func (e *SwitchEdge) From(sender ExecutorID) bool {
	return sender == e.source
}

// Route evaluates cases in order and delivers to the first matching
// group, or the default group when nothing matches.
func (e *SwitchEdge) Route(env Envelope) []Delivery {
	targets := e.defaults
	for _, c := range e.cases {
		if c.When != nil && c.When(env.Payload) {
			targets = c.Targets
			break
		}
	}

	deliveries := make([]Delivery, 0, len(targets))
	for _, target := range targets {
		deliveries = append(deliveries, Delivery{
			Envelope: env.WithReceiver(target),
			Target:   target,
		})
	}
	return deliveries
}

// Targets returns the union of all case targets and the default group.
func (e *SwitchEdge) Targets() []ExecutorID {
	seen := make(map[ExecutorID]bool)
	var out []ExecutorID
	add := func(ids []ExecutorID) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, c := range e.cases {
		add(c.Targets)
	}
	add(e.defaults)
	return out
}

// Ensure interface compliance at compile time.
var (
	_ Edge = (*DirectEdge)(nil)
	_ Edge = (*FanOutEdge)(nil)
	_ Edge = (*SwitchEdge)(nil)
)
