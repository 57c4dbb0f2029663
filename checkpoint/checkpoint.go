// Package checkpoint defines the whole-graph snapshot format for flowmesh
// runs and stores for persisting snapshots. The engine treats per-executor
// state as opaque blobs and round-trips them verbatim; a snapshot is a
// single JSON-compatible object so it can live in any byte-oriented store.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store errors
var (
	ErrNotFound = errors.New("checkpoint not found")
)

// snapshotVersion guards against loading snapshots written by an
// incompatible engine.
const snapshotVersion = 1

// ExecutorRecord is one executor's entry in a snapshot.
type ExecutorRecord struct {
	// Type selects the factory that recreates the executor on load.
	Type string `json:"type"`

	// State is the executor's opaque serialized state, if it carries any.
	State json.RawMessage `json:"state,omitempty"`
}

// Snapshot captures everything needed to resume a run: each live
// executor's opaque state, stateful-edge buffers (fan-in), and the full
// contents of every state scope.
type Snapshot struct {
	// Version is the snapshot format version.
	Version int `json:"version"`

	// RunID identifies the run the snapshot was taken from.
	RunID string `json:"run_id,omitempty"`

	// Saved is when the snapshot was taken.
	Saved time.Time `json:"saved"`

	// Executors maps ExecutorID to the executor's record.
	Executors map[string]ExecutorRecord `json:"executors"`

	// Edges maps stateful edge IDs to their serialized buffers.
	Edges map[string]json.RawMessage `json:"edges,omitempty"`

	// State maps canonical scope names to their full contents.
	State map[string]map[string]json.RawMessage `json:"state,omitempty"`
}

// New creates an empty snapshot stamped with the current time.
func New(runID string) *Snapshot {
	return &Snapshot{
		Version:   snapshotVersion,
		RunID:     runID,
		Saved:     time.Now().UTC(),
		Executors: make(map[string]ExecutorRecord),
	}
}

// Encode serializes the snapshot to JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot and verifies its format version.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("checkpoint: unsupported snapshot version %d", s.Version)
	}
	if s.Executors == nil {
		s.Executors = make(map[string]ExecutorRecord)
	}
	return &s, nil
}
