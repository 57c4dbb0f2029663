package flowmesh

import (
	"errors"
	"fmt"
)

// Configuration and lifecycle errors. These fail fast at the call that
// triggered them and are never deferred to delivery time.
var (
	ErrDuplicateFactory    = errors.New("executor factory already registered")
	ErrDuplicateExecutor   = errors.New("executor already registered")
	ErrDuplicateEdge       = errors.New("edge id already registered")
	ErrUnknownExecutorType = errors.New("no factory registered for executor type")
	ErrUnhandledType       = errors.New("executor does not handle message type")
	ErrDuplicateHandler    = errors.New("handler already registered for message type")
	ErrNoHandlers          = errors.New("executor declares no message handlers")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrAlreadyStarted      = errors.New("runtime already started")
	ErrNotStarted          = errors.New("runtime not started")
	ErrRunInProgress       = errors.New("run already in progress")
	ErrMissingTarget       = errors.New("envelope has neither receiver nor topic")
)

// ErrCanceled marks the cooperative cancellation outcome of a delivery.
// It is distinct from a handler fault: a canceled invocation produced no
// effects and did not fail.
var ErrCanceled = errors.New("delivery canceled")

// HandlerError wraps an error raised inside an executor's handler.
// The faulted invocation's queued effects were discarded before this
// error was surfaced.
type HandlerError struct {
	// Executor is the executor whose handler faulted.
	Executor ExecutorID

	// MessageID identifies the envelope being handled.
	MessageID string

	// Type is the message type being handled.
	Type MessageType

	// Cause is the error returned by the handler.
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("executor %s handling %s (%s): %v", e.Executor, e.Type, e.MessageID, e.Cause)
}

// Unwrap returns the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}
