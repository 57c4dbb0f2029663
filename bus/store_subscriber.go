package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/flowmesh"
)

// StoreSubscriberConfig configures a StoreSubscriber.
type StoreSubscriberConfig struct {
	// Kinds restricts persistence to the listed event kinds; empty
	// persists everything. Busy deployments typically skip
	// executor_started, which roughly halves write traffic.
	Kinds []flowmesh.EventKind

	// Logger receives append failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// StoreSubscriber writes events to an EventStore. Its Handle method
// satisfies flowmesh.EventHandler, so it can be composed with other
// handlers via flowmesh.MultiEventHandler. A failed append is logged
// and the event lost; persistence never stalls the engine.
type StoreSubscriber struct {
	store  EventStore
	kinds  map[flowmesh.EventKind]bool
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber in front of store.
func NewStoreSubscriber(store EventStore, cfg StoreSubscriberConfig) *StoreSubscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var kinds map[flowmesh.EventKind]bool
	if len(cfg.Kinds) > 0 {
		kinds = make(map[flowmesh.EventKind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			kinds[k] = true
		}
	}
	return &StoreSubscriber{
		store:  store,
		kinds:  kinds,
		logger: logger,
	}
}

// Handle persists a single event, skipping kinds outside the filter.
func (s *StoreSubscriber) Handle(event flowmesh.Event) {
	if s.kinds != nil && !s.kinds[event.Kind] {
		return
	}
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
