package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ManagerConfig configures a state manager.
type ManagerConfig struct {
	// ScopeFactory creates backing scopes on first access.
	// Defaults to in-memory scopes.
	ScopeFactory ScopeFactory
}

// Manager owns the set of live scopes plus the in-flight queued-update
// map. Queued updates never touch a backing scope until Publish, which
// groups them by scope and issues one batched write per touched scope.
// Reads consult the queue first, so a generation observes its own writes
// before they are published.
type Manager struct {
	factory ScopeFactory

	mu     sync.Mutex
	scopes map[string]Scope
	queued map[Key]Update
	order  []Key // queue insertion order, for deterministic publish
}

// NewManager creates a state manager.
func NewManager(cfg ManagerConfig) *Manager {
	factory := cfg.ScopeFactory
	if factory == nil {
		factory = func(ScopeID) (Scope, error) {
			return NewMemoryScope(), nil
		}
	}
	return &Manager{
		factory: factory,
		scopes:  make(map[string]Scope),
		queued:  make(map[Key]Update),
	}
}

// Queue records an update for a slot. A later update to the same slot in
// the same generation replaces the earlier one.
func (m *Manager) Queue(k Key, u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queued[k]; !exists {
		m.order = append(m.order, k)
	}
	m.queued[k] = u
}

// Queued returns the pending update for a slot, if any.
func (m *Manager) Queued(k Key) (Update, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.queued[k]
	return u, ok
}

// HasQueued reports whether any updates await publishing.
func (m *Manager) HasQueued() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued) > 0
}

// Read returns the visible value for a slot: a pending queued update if
// one exists (a pending delete reads as absent), otherwise the backing
// scope's durable value decoded from JSON.
func (m *Manager) Read(ctx context.Context, k Key) (any, bool, error) {
	m.mu.Lock()
	if u, ok := m.queued[k]; ok {
		m.mu.Unlock()
		if u.Delete {
			return nil, false, nil
		}
		return u.Value, true, nil
	}
	scope, err := m.scopeLocked(k.Scope)
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	raw, ok, err := scope.Read(ctx, k.Name)
	if err != nil || !ok {
		return nil, false, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("state: decode %s/%s: %w", k.Scope.Canonical(), k.Name, err)
	}
	return value, true, nil
}

// Publish writes all queued updates to their backing scopes, one batched
// write per touched scope, then clears the queue. Scopes not touched in
// the generation are untouched by the publish. On failure, the updates of
// the failed scope and of every scope not yet written are re-queued so a
// retry can pick them up; updates already written stay written.
func (m *Manager) Publish(ctx context.Context) error {
	m.mu.Lock()
	if len(m.queued) == 0 {
		m.mu.Unlock()
		return nil
	}

	// Take the queue; failures below re-queue what was not committed.
	taken := m.queued
	takenOrder := m.order
	m.queued = make(map[Key]Update)
	m.order = nil
	m.mu.Unlock()

	// Group by scope, preserving a deterministic scope order.
	groups := make(map[string]map[string]Write)
	members := make(map[string][]Key)
	scopeIDs := make(map[string]ScopeID)
	for _, k := range takenOrder {
		u := taken[k]
		canonical := k.Scope.Canonical()
		batch, ok := groups[canonical]
		if !ok {
			batch = make(map[string]Write)
			groups[canonical] = batch
			scopeIDs[canonical] = k.Scope
		}
		w := Write{Delete: u.Delete}
		if !u.Delete {
			raw, err := json.Marshal(u.Value)
			if err != nil {
				m.requeue(taken, takenOrder, nil)
				return fmt.Errorf("state: encode %s/%s: %w", canonical, k.Name, err)
			}
			w.Value = raw
		}
		batch[k.Name] = w
		members[canonical] = append(members[canonical], k)
	}

	canonicals := make([]string, 0, len(groups))
	for c := range groups {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	written := make(map[string]bool)
	for _, canonical := range canonicals {
		m.mu.Lock()
		scope, err := m.scopeLocked(scopeIDs[canonical])
		m.mu.Unlock()
		if err == nil {
			err = scope.WriteBatch(ctx, groups[canonical])
		}
		if err != nil {
			m.requeue(taken, takenOrder, written)
			return fmt.Errorf("%w: publish %s: %v", ErrScopeBackend, canonical, err)
		}
		written[canonical] = true
	}
	return nil
}

// requeue restores updates whose scope was not successfully written,
// without clobbering updates queued since the publish began.
func (m *Manager) requeue(taken map[Key]Update, takenOrder []Key, written map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range takenOrder {
		if written[k.Scope.Canonical()] {
			continue
		}
		if _, exists := m.queued[k]; exists {
			// A newer update superseded this one; keep the newer.
			continue
		}
		m.queued[k] = taken[k]
		m.order = append(m.order, k)
	}
}

// Snapshot dumps every live scope's contents, keyed by canonical scope
// name. Queued-but-unpublished updates are not part of a snapshot.
func (m *Manager) Snapshot(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.scopes))
	for name := range m.scopes {
		names = append(names, name)
	}
	scopes := make(map[string]Scope, len(m.scopes))
	for name, s := range m.scopes {
		scopes[name] = s
	}
	m.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]map[string]json.RawMessage, len(names))
	for _, name := range names {
		entries, err := scopes[name].All(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %s: %v", ErrScopeBackend, name, err)
		}
		if len(entries) > 0 {
			out[name] = entries
		}
	}
	return out, nil
}

// RestoreSnapshot replaces scope contents with the snapshot's, creating
// scopes as needed. Canonical names follow ScopeID.Canonical.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshot map[string]map[string]json.RawMessage) error {
	for canonical, entries := range snapshot {
		id, err := parseCanonical(canonical)
		if err != nil {
			return err
		}
		m.mu.Lock()
		scope, err := m.scopeLocked(id)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if err := scope.ReplaceAll(ctx, entries); err != nil {
			return fmt.Errorf("%w: restore %s: %v", ErrScopeBackend, canonical, err)
		}
	}
	return nil
}

// scopeLocked returns the scope for an ID, creating it on first access.
// Callers must hold m.mu.
func (m *Manager) scopeLocked(id ScopeID) (Scope, error) {
	canonical := id.Canonical()
	if s, ok := m.scopes[canonical]; ok {
		return s, nil
	}
	s, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrScopeBackend, canonical, err)
	}
	m.scopes[canonical] = s
	return s, nil
}

// parseCanonical inverts ScopeID.Canonical.
func parseCanonical(canonical string) (ScopeID, error) {
	const (
		execPrefix   = "executor/"
		sharedPrefix = "shared/"
	)
	switch {
	case len(canonical) > len(execPrefix) && canonical[:len(execPrefix)] == execPrefix:
		return ScopeID{Executor: canonical[len(execPrefix):]}, nil
	case len(canonical) > len(sharedPrefix) && canonical[:len(sharedPrefix)] == sharedPrefix:
		return ScopeID{Name: canonical[len(sharedPrefix):]}, nil
	default:
		return ScopeID{}, fmt.Errorf("state: malformed scope name %q", canonical)
	}
}

// ReadAs reads a slot and reports a type mismatch immediately when the
// visible value cannot be interpreted as T. Queued values are checked by
// assertion; durable values by JSON decoding into T.
func ReadAs[T any](ctx context.Context, m *Manager, k Key) (T, bool, error) {
	var zero T

	m.mu.Lock()
	u, queued := m.queued[k]
	m.mu.Unlock()

	if queued {
		if u.Delete {
			return zero, false, nil
		}
		typed, ok := u.Value.(T)
		if !ok {
			return zero, false, fmt.Errorf("%w: %s/%s holds %T", ErrTypeMismatch, k.Scope.Canonical(), k.Name, u.Value)
		}
		return typed, true, nil
	}

	m.mu.Lock()
	scope, err := m.scopeLocked(k.Scope)
	m.mu.Unlock()
	if err != nil {
		return zero, false, err
	}

	raw, ok, err := scope.Read(ctx, k.Name)
	if err != nil || !ok {
		return zero, false, err
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return zero, false, fmt.Errorf("%w: %s/%s: %v", ErrTypeMismatch, k.Scope.Canonical(), k.Name, err)
	}
	return typed, true, nil
}
