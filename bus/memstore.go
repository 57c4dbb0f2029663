package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/flowmesh"
)

// MemStoreConfig configures the in-memory event store.
type MemStoreConfig struct {
	// MaxEventsPerRun caps how many events are retained per run; the
	// oldest are discarded first (0 = unbounded). The in-memory
	// counterpart of SQLiteStoreConfig.RetentionCount, applied on every
	// append instead of on a pruning schedule.
	MaxEventsPerRun int
}

// MemEventStore keeps events per run in memory. It suits tests and
// short-lived processes; history that must outlive the process belongs
// in SQLiteEventStore.
type MemEventStore struct {
	cfg MemStoreConfig

	mu     sync.RWMutex
	runs   map[string][]flowmesh.Event
	order  []string // run IDs in first-append order
	latest map[string]uint64
}

// NewMemEventStore creates an in-memory event store.
func NewMemEventStore(cfg MemStoreConfig) *MemEventStore {
	return &MemEventStore{
		cfg:    cfg,
		runs:   make(map[string][]flowmesh.Event),
		latest: make(map[string]uint64),
	}
}

// Append stores an event, discarding the run's oldest events when the
// retention cap is exceeded.
func (s *MemEventStore) Append(_ context.Context, event flowmesh.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.runs[event.RunID]; !seen {
		s.order = append(s.order, event.RunID)
	}
	events := append(s.runs[event.RunID], event)
	if keep := s.cfg.MaxEventsPerRun; keep > 0 && len(events) > keep {
		events = events[len(events)-keep:]
	}
	s.runs[event.RunID] = events

	if event.Seq > s.latest[event.RunID] {
		s.latest[event.RunID] = event.Seq
	}
	return nil
}

// List returns a run's retained events in append order, optionally
// filtered by afterSeq and capped at limit.
func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]flowmesh.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []flowmesh.Event
	for _, e := range s.runs[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// LatestSeq returns the highest Seq ever appended for a run (0 if no
// events). Retention does not lower it: trimmed history still counts.
func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[runID], nil
}

// RunIDs returns the stored run IDs in first-append order.
func (s *MemEventStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
