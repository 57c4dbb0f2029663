package state

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryScope is a thread-safe in-memory scope backend. It is the default
// backend and the one tests use.
type MemoryScope struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// NewMemoryScope creates an empty in-memory scope.
func NewMemoryScope() *MemoryScope {
	return &MemoryScope{
		entries: make(map[string]json.RawMessage),
	}
}

// Read returns the stored value for a key, or false when absent.
func (s *MemoryScope) Read(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, true, nil
}

// WriteBatch applies all writes of one generation atomically.
func (s *MemoryScope) WriteBatch(_ context.Context, writes map[string]Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range writes {
		if w.Delete {
			delete(s.entries, key)
			continue
		}
		value := make(json.RawMessage, len(w.Value))
		copy(value, w.Value)
		s.entries[key] = value
	}
	return nil
}

// All returns the scope's full contents.
func (s *MemoryScope) All(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(s.entries))
	for key, value := range s.entries {
		cp := make(json.RawMessage, len(value))
		copy(cp, value)
		out[key] = cp
	}
	return out, nil
}

// ReplaceAll discards the scope's contents and installs the given entries.
func (s *MemoryScope) ReplaceAll(_ context.Context, entries map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]json.RawMessage, len(entries))
	for key, value := range entries {
		cp := make(json.RawMessage, len(value))
		copy(cp, value)
		s.entries[key] = cp
	}
	return nil
}

// Compile-time interface check.
var _ Scope = (*MemoryScope)(nil)
