package flowmesh

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FanInEdge synchronizes M declared sources into one target. The target
// is delivered to only after every source has contributed one message
// since the edge last fired; the aggregate delivery carries the buffered
// payloads in declared-source order and the per-source buffers then shift
// to the next round. A source that sends twice before the others catch up
// has its second message queued for the following round, never coalesced.
type FanInEdge struct {
	id      string
	sources []ExecutorID
	target  ExecutorID
	outType MessageType

	mu      sync.Mutex
	pending map[ExecutorID][]Envelope
}

// NewFanInEdge creates a fan-in edge. The id keys the edge's buffers in a
// whole-graph snapshot; outType tags the aggregate envelope delivered to
// the target.
func NewFanInEdge(id string, sources []ExecutorID, target ExecutorID, outType MessageType) *FanInEdge {
	return &FanInEdge{
		id:      id,
		sources: sources,
		target:  target,
		outType: outType,
		pending: make(map[ExecutorID][]Envelope),
	}
}

// From reports whether the sender is one of the declared sources.
func (e *FanInEdge) From(sender ExecutorID) bool {
	for _, s := range e.sources {
		if s == sender {
			return true
		}
	}
	return false
}

// Route buffers the envelope under its sender. When every declared source
// has at least one buffered message, it pops one per source and produces
// a single aggregate delivery; otherwise it produces nothing.
func (e *FanInEdge) Route(env Envelope) []Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending[env.Sender] = append(e.pending[env.Sender], env)

	for _, s := range e.sources {
		if len(e.pending[s]) == 0 {
			return nil
		}
	}

	payloads := make([]any, 0, len(e.sources))
	for _, s := range e.sources {
		payloads = append(payloads, e.pending[s][0].Payload)
		e.pending[s] = e.pending[s][1:]
	}

	agg := NewEnvelope(payloads, e.outType).WithReceiver(e.target)
	return []Delivery{{Envelope: agg, Target: e.target}}
}

// Targets returns the single aggregate target.
func (e *FanInEdge) Targets() []ExecutorID {
	return []ExecutorID{e.target}
}

// OutType returns the message type of the aggregate delivery. The target
// must handle this type, not the types of the source messages.
func (e *FanInEdge) OutType() MessageType {
	return e.outType
}

// EdgeID keys this edge's buffers inside a snapshot.
func (e *FanInEdge) EdgeID() string {
	return e.id
}

// bufferedEnvelope is the serialized form of a pending fan-in arrival.
type bufferedEnvelope struct {
	Payload   any         `json:"payload"`
	Type      MessageType `json:"type"`
	MessageID string      `json:"message_id"`
	Sender    ExecutorID  `json:"sender"`
}

// SnapshotEdge serializes the per-source buffers.
func (e *FanInEdge) SnapshotEdge() (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buffers := make(map[ExecutorID][]bufferedEnvelope, len(e.pending))
	for source, envs := range e.pending {
		if len(envs) == 0 {
			continue
		}
		items := make([]bufferedEnvelope, 0, len(envs))
		for _, env := range envs {
			items = append(items, bufferedEnvelope{
				Payload:   env.Payload,
				Type:      env.Type,
				MessageID: env.MessageID,
				Sender:    env.Sender,
			})
		}
		buffers[source] = items
	}

	data, err := json.Marshal(buffers)
	if err != nil {
		return nil, fmt.Errorf("fan-in %s: snapshot buffers: %w", e.id, err)
	}
	return data, nil
}

// RestoreEdge replaces the per-source buffers with the snapshot contents.
func (e *FanInEdge) RestoreEdge(data json.RawMessage) error {
	var buffers map[ExecutorID][]bufferedEnvelope
	if err := json.Unmarshal(data, &buffers); err != nil {
		return fmt.Errorf("fan-in %s: restore buffers: %w", e.id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = make(map[ExecutorID][]Envelope, len(buffers))
	for source, items := range buffers {
		envs := make([]Envelope, 0, len(items))
		for _, item := range items {
			envs = append(envs, Envelope{
				Payload:   item.Payload,
				Type:      item.Type,
				MessageID: item.MessageID,
				Sender:    item.Sender,
			})
		}
		e.pending[source] = envs
	}
	return nil
}

// Ensure interface compliance at compile time.
var _ StatefulEdge = (*FanInEdge)(nil)
