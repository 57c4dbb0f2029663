package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info describes one stored snapshot without loading its body.
type Info struct {
	// Name is the caller-chosen snapshot name.
	Name string

	// RunID identifies the run the snapshot came from.
	RunID string

	// Saved is when the snapshot was taken.
	Saved time.Time
}

// Store persists named snapshots.
type Store interface {
	// Save writes a snapshot under a name, replacing any previous
	// snapshot of that name.
	Save(ctx context.Context, name string, snap *Snapshot) error

	// Load returns the snapshot stored under a name.
	// Returns ErrNotFound when the name is unknown.
	Load(ctx context.Context, name string) (*Snapshot, error)

	// List returns the stored snapshots, newest first.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a snapshot. Deleting an unknown name returns
	// ErrNotFound.
	Delete(ctx context.Context, name string) error
}

// MemoryStore is a thread-safe in-memory snapshot store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
	infos map[string]Info
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string][]byte),
		infos: make(map[string]Info),
	}
}

// Save writes a snapshot under a name.
func (s *MemoryStore) Save(_ context.Context, name string, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[name] = data
	s.infos[name] = Info{Name: name, RunID: snap.RunID, Saved: snap.Saved}
	return nil
}

// Load returns the snapshot stored under a name.
func (s *MemoryStore) Load(_ context.Context, name string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[name]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return Decode(data)
}

// List returns the stored snapshots, newest first.
func (s *MemoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Saved.Equal(out[j].Saved) {
			return out[i].Name < out[j].Name
		}
		return out[i].Saved.After(out[j].Saved)
	})
	return out, nil
}

// Delete removes a snapshot.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snaps[name]; !ok {
		return ErrNotFound
	}
	delete(s.snaps, name)
	delete(s.infos, name)
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
