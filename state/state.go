// Package state provides scoped key/value state for flowmesh executors,
// with transactional (queued) writes published at generation boundaries.
package state

import (
	"context"
	"encoding/json"
	"errors"
)

// State errors
var (
	ErrTypeMismatch = errors.New("state value has a different type than requested")
	ErrScopeBackend = errors.New("state scope backend failure")
)

// ScopeID identifies a state partition. A scope with an empty Name is the
// default scope private to one executor. A named scope is shared: every
// executor addressing the same Name reads and writes the same logical
// partition, regardless of its own ID.
type ScopeID struct {
	Executor string `json:"executor"`
	Name     string `json:"name,omitempty"`
}

// DefaultScope returns the default scope for an executor.
func DefaultScope(executor string) ScopeID {
	return ScopeID{Executor: executor}
}

// SharedScope returns a named scope shared across executors.
func SharedScope(name string) ScopeID {
	return ScopeID{Name: name}
}

// Canonical returns the string that keys the logical partition this
// ScopeID addresses. Default scopes are keyed per executor; named scopes
// collapse onto the shared name.
func (s ScopeID) Canonical() string {
	if s.Name != "" {
		return "shared/" + s.Name
	}
	return "executor/" + s.Executor
}

// Key uniquely identifies one state slot.
type Key struct {
	Scope ScopeID
	Name  string
}

// Update is a queued mutation for one slot: a set carrying a value, or a
// delete.
type Update struct {
	Value  any
	Delete bool
}

// Set returns an update that writes a value.
func Set(value any) Update {
	return Update{Value: value}
}

// Delete returns an update that removes a slot.
func Delete() Update {
	return Update{Delete: true}
}

// Write is the serialized form of an Update inside a batched scope write.
type Write struct {
	// Value is the JSON-encoded value; nil for deletes.
	Value json.RawMessage

	// Delete marks slot removal.
	Delete bool
}

// Scope is the durable store for one logical partition. Implementations
// must apply WriteBatch atomically per call: the generation boundary is
// the engine's commit point and a scope either takes the whole batch or
// none of it.
type Scope interface {
	// Read returns the stored value for a key, or false when absent.
	Read(ctx context.Context, key string) (json.RawMessage, bool, error)

	// WriteBatch applies every write of one generation touching this
	// scope in a single atomic operation.
	WriteBatch(ctx context.Context, writes map[string]Write) error

	// All returns the scope's full contents, for whole-graph snapshots.
	All(ctx context.Context) (map[string]json.RawMessage, error)

	// ReplaceAll discards the scope's contents and installs the given
	// entries verbatim, for whole-graph restores.
	ReplaceAll(ctx context.Context, entries map[string]json.RawMessage) error
}

// ScopeFactory creates the backing Scope for a partition on first access.
type ScopeFactory func(id ScopeID) (Scope, error)
