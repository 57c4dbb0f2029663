package flowmesh

import (
	"context"
	"sync"
)

// PendingResult is the deferred outcome of a direct send. It settles
// exactly once: resolved with the target handler's return value, rejected
// with a handler fault, or canceled.
//
// Results are created and settled by the runtime; callers only Await or
// Cancel them.
type PendingResult struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	settled bool
	value   any
	err     error
}

// NewPendingResult creates an unsettled result. The cancel function, if
// any, is the delivery's cancellation token; Cancel invokes it.
func NewPendingResult(cancel context.CancelFunc) *PendingResult {
	return &PendingResult{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Resolve settles the result with the handler's return value.
// Settling an already-settled result is a no-op.
func (r *PendingResult) Resolve(value any) {
	r.settle(value, nil)
}

// Reject settles the result with a handler fault.
// Settling an already-settled result is a no-op.
func (r *PendingResult) Reject(err error) {
	r.settle(nil, err)
}

// Cancel signals the delivery's cancellation token. A well-behaved handler
// observes the token and aborts; the result then settles with ErrCanceled.
// Canceling after the handler has committed has no retroactive effect.
func (r *PendingResult) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Await blocks until the result settles or ctx expires. A ctx expiry
// returns ctx.Err() without settling the result; callers layering a
// timeout should Cancel on expiry.
func (r *PendingResult) Await(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.value, r.err
	}
}

// Done returns a channel closed when the result settles.
func (r *PendingResult) Done() <-chan struct{} {
	return r.done
}

// Err returns the settled error, or nil if unsettled or resolved.
func (r *PendingResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *PendingResult) settle(value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	r.value = value
	r.err = err
	close(r.done)
}
