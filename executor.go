package flowmesh

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor is the fundamental unit of computation in a flowmesh graph: a
// named, stateful message-handling node. The runtime invokes Handle at most
// once at a time per instance, in FIFO mailbox order.
type Executor interface {
	// ID returns the unique identifier for this executor within a graph.
	ID() ExecutorID

	// Types returns the message types this executor handles. The set is
	// fixed at construction; addressing an executor with a type outside
	// it is a configuration error reported at the send or publish call.
	Types() []MessageType

	// Handle processes one envelope. Side effects issued through the
	// HandlerContext take effect only if Handle returns a nil error.
	// The returned value resolves the pending result of a direct send
	// that targeted this executor.
	Handle(ctx context.Context, env Envelope, hc HandlerContext) (any, error)
}

// HandlerContext is the surface a handler uses to emit messages, queue
// state updates, and report workflow events. Everything issued through it
// is buffered and committed atomically when the handler returns nil;
// a handler that returns an error produces none of its effects.
type HandlerContext interface {
	// Send routes a message along the sender's declared outbound edges.
	// It fails synchronously on configuration errors.
	Send(payload any, msgType MessageType) error

	// SendTo delivers a message directly to a target executor, bypassing
	// edge routing. The returned result resolves once the target handler
	// has committed.
	SendTo(payload any, msgType MessageType, target ExecutorID) (*PendingResult, error)

	// Publish delivers a message to every executor subscribed to the topic.
	Publish(payload any, msgType MessageType, topic TopicID) error

	// QueueStateUpdate queues a write to the executor's default scope.
	// A nil value queues a delete.
	QueueStateUpdate(key string, value any)

	// QueueScopedUpdate queues a write to a named shared scope.
	// A nil value queues a delete.
	QueueScopedUpdate(scope, key string, value any)

	// ReadState reads a key from the executor's default scope, observing
	// updates queued earlier in the same generation (read-your-own-write).
	ReadState(ctx context.Context, key string) (any, bool, error)

	// ReadScopedState is ReadState against a named shared scope.
	ReadScopedState(ctx context.Context, scope, key string) (any, bool, error)

	// AddEvent reports a workflow event to the run's observers.
	// Events do not participate in message routing.
	AddEvent(ev Event)
}

// HandlerFunc processes one envelope of a single message type.
type HandlerFunc func(ctx context.Context, env Envelope, hc HandlerContext) (any, error)

// Checkpointable is implemented by executors that carry state worth
// persisting across a save/load cycle. The engine treats the blob as
// opaque and round-trips it verbatim.
type Checkpointable interface {
	// SnapshotState serializes the executor's durable state.
	SnapshotState(ctx context.Context) (json.RawMessage, error)

	// RestoreState rehydrates the executor from a snapshot blob.
	RestoreState(ctx context.Context, data json.RawMessage) error
}

// RestoreObserver is an optional hook invoked once after a checkpoint
// load, strictly after RestoreState and strictly before the first
// post-load delivery. Executors use it to rebuild transient fields not
// captured in their serialized state.
type RestoreObserver interface {
	OnCheckpointRestored(ctx context.Context) error
}

// BaseExecutor provides typed handler registration and dispatch.
// Embed it in concrete executor types, or use it directly for executors
// assembled from plain functions.
type BaseExecutor struct {
	id       ExecutorID
	handlers map[MessageType]HandlerFunc
	order    []MessageType
}

// NewBaseExecutor creates an executor shell with no handlers.
// Register handlers with On before handing it to the runtime.
func NewBaseExecutor(id ExecutorID) *BaseExecutor {
	return &BaseExecutor{
		id:       id,
		handlers: make(map[MessageType]HandlerFunc),
	}
}

// ID returns the executor's unique identifier.
func (b *BaseExecutor) ID() ExecutorID {
	return b.id
}

// Types returns the handled message types in registration order.
func (b *BaseExecutor) Types() []MessageType {
	out := make([]MessageType, len(b.order))
	copy(out, b.order)
	return out
}

// On registers a handler for a message type. Registering the same type
// twice is a configuration error.
func (b *BaseExecutor) On(msgType MessageType, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrNoHandlers, msgType)
	}
	if _, exists := b.handlers[msgType]; exists {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, msgType, b.id)
	}
	b.handlers[msgType] = fn
	b.order = append(b.order, msgType)
	return nil
}

// Handles reports whether the executor declares a handler for the type.
func (b *BaseExecutor) Handles(msgType MessageType) bool {
	_, ok := b.handlers[msgType]
	return ok
}

// Handle dispatches the envelope to the handler registered for its type.
func (b *BaseExecutor) Handle(ctx context.Context, env Envelope, hc HandlerContext) (any, error) {
	fn, ok := b.handlers[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnhandledType, env.Type, b.id)
	}
	return fn(ctx, env, hc)
}

// NewFuncExecutor creates a single-type executor from a plain function.
// Convenient for tests and leaf nodes.
func NewFuncExecutor(id ExecutorID, msgType MessageType, fn HandlerFunc) *BaseExecutor {
	b := NewBaseExecutor(id)
	// Single fresh type on a fresh map cannot collide.
	_ = b.On(msgType, fn)
	return b
}

// Ensure interface compliance at compile time.
var _ Executor = (*BaseExecutor)(nil)
