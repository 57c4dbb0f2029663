package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/petal-labs/flowmesh"
	"github.com/petal-labs/flowmesh/checkpoint"
)

// SaveCheckpoint captures the whole graph: one opaque state blob per
// checkpointable executor, the buffers of every stateful edge, and the
// full contents of every live state scope. Updates queued but not yet
// published are not part of a snapshot; save at a generation boundary.
func (r *Runtime) SaveCheckpoint(ctx context.Context) (*checkpoint.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := checkpoint.New(r.runID)
	snap.Saved = r.now()

	for _, id := range r.execOrder {
		rec := checkpoint.ExecutorRecord{Type: id.Type()}
		if cp, ok := r.executors[id].(flowmesh.Checkpointable); ok {
			blob, err := cp.SnapshotState(ctx)
			if err != nil {
				return nil, fmt.Errorf("snapshot executor %s: %w", id, err)
			}
			rec.State = blob
		}
		snap.Executors[string(id)] = rec
	}

	for _, e := range r.edges {
		se, ok := e.(flowmesh.StatefulEdge)
		if !ok {
			continue
		}
		blob, err := se.SnapshotEdge()
		if err != nil {
			return nil, fmt.Errorf("snapshot edge %s: %w", se.EdgeID(), err)
		}
		if snap.Edges == nil {
			snap.Edges = make(map[string]json.RawMessage)
		}
		snap.Edges[se.EdgeID()] = blob
	}

	st, err := r.states.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap.State = st

	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventCheckpointSaved, r.now()).
		WithPayload("executors", len(snap.Executors)))
	r.logger.Info("checkpoint saved", "run_id", r.runID, "executors", len(snap.Executors))
	return snap, nil
}

// LoadCheckpoint rebuilds the graph from a snapshot: executors are
// recreated through their registered factories, their state blobs and
// edge buffers are restored, and scope contents are replaced. Restore
// hooks run after everything is in place, strictly before any delivery.
// Loading fails fast when a recorded executor type has no factory.
func (r *Runtime) LoadCheckpoint(ctx context.Context, snap *checkpoint.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(snap.Executors))
	for name := range snap.Executors {
		names = append(names, name)
	}
	sort.Strings(names)

	// Fail before touching anything when a type cannot be recreated.
	for _, name := range names {
		rec := snap.Executors[name]
		id := flowmesh.ExecutorID(name)
		if rec.Type != id.Type() {
			return fmt.Errorf("snapshot executor %s: recorded type %q does not match id", name, rec.Type)
		}
		if _, live := r.executors[id]; live {
			continue
		}
		if _, ok := r.factories[rec.Type]; !ok {
			return fmt.Errorf("%w: %q", flowmesh.ErrUnknownExecutorType, rec.Type)
		}
	}

	for _, name := range names {
		rec := snap.Executors[name]
		id := flowmesh.ExecutorID(name)
		ex, err := r.resolveExecutorLocked(id)
		if err != nil {
			return err
		}
		if len(rec.State) == 0 {
			continue
		}
		cp, ok := ex.(flowmesh.Checkpointable)
		if !ok {
			return fmt.Errorf("snapshot executor %s: carries state the executor cannot restore", name)
		}
		if err := cp.RestoreState(ctx, rec.State); err != nil {
			return fmt.Errorf("restore executor %s: %w", name, err)
		}
	}

	edgeIDs := make([]string, 0, len(snap.Edges))
	for id := range snap.Edges {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)
	for _, edgeID := range edgeIDs {
		se := r.statefulEdgeLocked(edgeID)
		if se == nil {
			return fmt.Errorf("snapshot references unknown edge %q", edgeID)
		}
		if err := se.RestoreEdge(snap.Edges[edgeID]); err != nil {
			return fmt.Errorf("restore edge %s: %w", edgeID, err)
		}
	}

	if err := r.states.RestoreSnapshot(ctx, snap.State); err != nil {
		return err
	}

	for _, name := range names {
		ro, ok := r.executors[flowmesh.ExecutorID(name)].(flowmesh.RestoreObserver)
		if !ok {
			continue
		}
		if err := ro.OnCheckpointRestored(ctx); err != nil {
			return fmt.Errorf("restore hook %s: %w", name, err)
		}
	}

	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventCheckpointRestored, r.now()).
		WithPayload("executors", len(snap.Executors)))
	r.logger.Info("checkpoint restored", "executors", len(snap.Executors))
	return nil
}

// statefulEdgeLocked finds the stateful edge registered under an ID.
func (r *Runtime) statefulEdgeLocked(id string) flowmesh.StatefulEdge {
	for _, e := range r.edges {
		if se, ok := e.(flowmesh.StatefulEdge); ok && se.EdgeID() == id {
			return se
		}
	}
	return nil
}
