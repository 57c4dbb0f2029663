package bus

import (
	"context"

	"github.com/petal-labs/flowmesh"
)

// EventStore persists events for replay and inspection.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event flowmesh.Event) error

	// List returns events for a run in sequence order, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]flowmesh.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
