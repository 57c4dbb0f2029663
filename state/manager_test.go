package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestScopeID_Canonical(t *testing.T) {
	tests := []struct {
		id   ScopeID
		want string
	}{
		{DefaultScope("worker"), "executor/worker"},
		{SharedScope("shared-notes"), "shared/shared-notes"},
		{ScopeID{Executor: "worker", Name: "shared-notes"}, "shared/shared-notes"},
	}

	for _, tt := range tests {
		if got := tt.id.Canonical(); got != tt.want {
			t.Errorf("Canonical(%+v) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestScopeID_NamedScopesShareAPartition(t *testing.T) {
	a := ScopeID{Executor: "a", Name: "notes"}
	b := ScopeID{Executor: "b", Name: "notes"}

	if a.Canonical() != b.Canonical() {
		t.Error("same-named scopes of different executors should share a partition")
	}
}

func TestManager_ReadYourOwnWrite(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()
	k := Key{Scope: DefaultScope("w"), Name: "count"}

	m.Queue(k, Set(7))

	value, ok, err := m.Read(ctx, k)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !ok || value != 7 {
		t.Errorf("Read() before publish = (%v, %v), want (7, true)", value, ok)
	}

	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// After publish, the value comes from the backing scope as JSON.
	value, ok, err = m.Read(ctx, k)
	if err != nil {
		t.Fatalf("Read() after publish error = %v", err)
	}
	if !ok || value != float64(7) {
		t.Errorf("Read() after publish = (%v, %v), want (7, true)", value, ok)
	}
}

func TestManager_QueuedDeleteReadsAsAbsent(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()
	k := Key{Scope: DefaultScope("w"), Name: "gone"}

	m.Queue(k, Set("here"))
	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	m.Queue(k, Delete())

	if _, ok, _ := m.Read(ctx, k); ok {
		t.Error("pending delete should read as absent before publish")
	}

	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, ok, _ := m.Read(ctx, k); ok {
		t.Error("deleted slot should be absent after publish")
	}
}

func TestManager_PublishClearsQueue(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()

	m.Queue(Key{Scope: DefaultScope("w"), Name: "a"}, Set(1))
	if !m.HasQueued() {
		t.Fatal("HasQueued() = false after Queue")
	}

	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if m.HasQueued() {
		t.Error("HasQueued() = true after successful Publish")
	}

	// Idempotent: publishing an empty queue is a no-op.
	if err := m.Publish(ctx); err != nil {
		t.Errorf("second Publish() error = %v", err)
	}
}

func TestManager_LaterUpdateReplacesEarlier(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()
	k := Key{Scope: DefaultScope("w"), Name: "v"}

	m.Queue(k, Set("old"))
	m.Queue(k, Set("new"))

	value, ok, err := m.Read(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Read() = (%v, %v, %v)", value, ok, err)
	}
	if value != "new" {
		t.Errorf("Read() = %v, want %q", value, "new")
	}
}

// failingScope fails WriteBatch until allowed, to exercise re-queuing.
type failingScope struct {
	MemoryScope
	fail bool
}

func (s *failingScope) WriteBatch(ctx context.Context, writes map[string]Write) error {
	if s.fail {
		return errors.New("backend down")
	}
	return s.MemoryScope.WriteBatch(ctx, writes)
}

func TestManager_FailedPublishRequeues(t *testing.T) {
	scope := &failingScope{MemoryScope: *NewMemoryScope(), fail: true}
	m := NewManager(ManagerConfig{
		ScopeFactory: func(ScopeID) (Scope, error) { return scope, nil },
	})
	ctx := context.Background()
	k := Key{Scope: DefaultScope("w"), Name: "a"}

	m.Queue(k, Set(1))
	if err := m.Publish(ctx); !errors.Is(err, ErrScopeBackend) {
		t.Fatalf("Publish() error = %v, want ErrScopeBackend", err)
	}
	if !m.HasQueued() {
		t.Fatal("failed publish must re-queue updates, not drop them")
	}

	scope.fail = false
	if err := m.Publish(ctx); err != nil {
		t.Fatalf("retry Publish() error = %v", err)
	}

	value, ok, err := m.Read(ctx, k)
	if err != nil || !ok || value != float64(1) {
		t.Errorf("Read() after retry = (%v, %v, %v), want (1, true, nil)", value, ok, err)
	}
}

// countingScope records WriteBatch calls to assert batching per scope.
type countingScope struct {
	MemoryScope
	batches int
	keys    int
}

func (s *countingScope) WriteBatch(ctx context.Context, writes map[string]Write) error {
	s.batches++
	s.keys += len(writes)
	return s.MemoryScope.WriteBatch(ctx, writes)
}

func TestManager_PublishBatchesPerScope(t *testing.T) {
	scopes := make(map[string]*countingScope)
	m := NewManager(ManagerConfig{
		ScopeFactory: func(id ScopeID) (Scope, error) {
			s := &countingScope{MemoryScope: *NewMemoryScope()}
			scopes[id.Canonical()] = s
			return s, nil
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Queue(Key{Scope: DefaultScope("w"), Name: fmt.Sprintf("k%d", i)}, Set(i))
	}
	m.Queue(Key{Scope: SharedScope("notes"), Name: "n"}, Set("x"))

	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	w := scopes["executor/w"]
	if w.batches != 1 || w.keys != 3 {
		t.Errorf("executor/w got %d batches of %d keys, want 1 batch of 3", w.batches, w.keys)
	}
	n := scopes["shared/notes"]
	if n.batches != 1 || n.keys != 1 {
		t.Errorf("shared/notes got %d batches of %d keys, want 1 batch of 1", n.batches, n.keys)
	}
}

func TestManager_SnapshotRoundTrip(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()

	m.Queue(Key{Scope: DefaultScope("w"), Name: "a"}, Set("alpha"))
	m.Queue(Key{Scope: SharedScope("notes"), Name: "b"}, Set(2))
	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored := NewManager(ManagerConfig{})
	if err := restored.RestoreSnapshot(ctx, snap); err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}

	value, ok, err := restored.Read(ctx, Key{Scope: DefaultScope("w"), Name: "a"})
	if err != nil || !ok || value != "alpha" {
		t.Errorf("restored read = (%v, %v, %v), want (alpha, true, nil)", value, ok, err)
	}
	value, ok, err = restored.Read(ctx, Key{Scope: SharedScope("notes"), Name: "b"})
	if err != nil || !ok || value != float64(2) {
		t.Errorf("restored shared read = (%v, %v, %v), want (2, true, nil)", value, ok, err)
	}
}

func TestReadAs_TypeMismatch(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx := context.Background()
	k := Key{Scope: DefaultScope("w"), Name: "n"}

	m.Queue(k, Set("not a number"))

	if _, _, err := ReadAs[int](ctx, m, k); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("queued ReadAs[int] error = %v, want ErrTypeMismatch", err)
	}

	if err := m.Publish(ctx); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if _, _, err := ReadAs[int](ctx, m, k); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("durable ReadAs[int] error = %v, want ErrTypeMismatch", err)
	}

	value, ok, err := ReadAs[string](ctx, m, k)
	if err != nil || !ok || value != "not a number" {
		t.Errorf("ReadAs[string] = (%v, %v, %v)", value, ok, err)
	}
}

func TestReadAs_Absent(t *testing.T) {
	m := NewManager(ManagerConfig{})

	value, ok, err := ReadAs[string](context.Background(), m, Key{Scope: DefaultScope("w"), Name: "missing"})
	if err != nil {
		t.Fatalf("ReadAs() error = %v", err)
	}
	if ok || value != "" {
		t.Errorf("ReadAs() = (%q, %v), want zero value and false", value, ok)
	}
}

func TestMemoryScope_CopiesOnReadAndWrite(t *testing.T) {
	s := NewMemoryScope()
	ctx := context.Background()

	original := json.RawMessage(`"value"`)
	if err := s.WriteBatch(ctx, map[string]Write{"k": {Value: original}}); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	original[1] = 'X'

	got, ok, err := s.Read(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Read() = (%v, %v, %v)", got, ok, err)
	}
	if string(got) != `"value"` {
		t.Errorf("stored value aliased caller memory: %s", got)
	}
}
