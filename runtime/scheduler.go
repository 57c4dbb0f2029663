package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/flowmesh"
)

// pendingDelivery is one queued envelope plus its cancellation token and,
// for direct sends, the result the caller is awaiting.
type pendingDelivery struct {
	delivery flowmesh.Delivery
	ctx      context.Context
	cancel   context.CancelFunc
	result   *flowmesh.PendingResult
}

// stepContext holds the per-executor FIFO mailboxes feeding the next
// generation. Mailbox order is first-arrival order, so commits append
// deterministically.
type stepContext struct {
	queues map[flowmesh.ExecutorID][]*pendingDelivery
	order  []flowmesh.ExecutorID
}

func newStepContext() *stepContext {
	return &stepContext{queues: make(map[flowmesh.ExecutorID][]*pendingDelivery)}
}

func (s *stepContext) enqueue(pd *pendingDelivery) {
	id := pd.delivery.Target
	if _, ok := s.queues[id]; !ok {
		s.order = append(s.order, id)
	}
	s.queues[id] = append(s.queues[id], pd)
}

func (s *stepContext) empty() bool {
	for _, q := range s.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// invocation tracks one handler call through a generation.
type invocation struct {
	pd       *pendingDelivery
	ex       flowmesh.Executor
	hc       *execContext
	canceled bool
	value    any
	err      error
	elapsed  time.Duration
}

// RunUntilIdle drives generations until every mailbox is empty, then
// emits a run-idle event and returns. Each generation pops at most one
// envelope per executor mailbox and runs the due handlers concurrently,
// one goroutine per executor; an executor is never reentered. Effects of
// handlers that return nil are committed in mailbox order; queued state
// updates are then published in one batch per touched scope.
//
// A fault in a handler reached by a direct send settles that send's
// pending result and does not end the run. A fault anywhere else ends
// the run after the current generation completes, returning the fault.
// Cancellation is not a fault: canceled deliveries settle their results
// with ErrCanceled and the run continues.
func (r *Runtime) RunUntilIdle(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return flowmesh.ErrNotStarted
	}
	if r.running {
		r.mu.Unlock()
		return flowmesh.ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := r.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		if !r.started {
			r.mu.Unlock()
			return flowmesh.ErrNotStarted
		}
		if r.step.empty() {
			r.emitLocked(flowmesh.NewEventAt(flowmesh.EventRunIdle, r.now()).
				WithElapsed(r.now().Sub(start)))
			r.mu.Unlock()
			return nil
		}

		r.generation++
		gen := r.generation
		due := r.beginGenerationLocked()
		r.mu.Unlock()

		r.runGeneration(due)

		r.mu.Lock()
		runErr := r.settleGenerationLocked(due)

		if r.states.HasQueued() {
			if err := r.states.Publish(ctx); err != nil {
				if runErr == nil {
					runErr = err
				}
				r.logger.Error("state publish failed", "generation", gen, "error", err)
			} else {
				r.emitLocked(flowmesh.NewEventAt(flowmesh.EventStatePublished, r.now()))
			}
		}
		r.emitLocked(flowmesh.NewEventAt(flowmesh.EventStepFinished, r.now()).
			WithPayload("handlers", len(due)))
		r.mu.Unlock()

		if runErr != nil {
			return runErr
		}
	}
}

// beginGenerationLocked pops one envelope per non-empty mailbox into an
// invocation list and carries the rest over, ahead of anything the new
// generation will produce.
func (r *Runtime) beginGenerationLocked() []*invocation {
	current := r.step
	r.step = newStepContext()

	var due []*invocation
	for _, id := range current.order {
		queue := current.queues[id]
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		for _, rest := range queue[1:] {
			r.step.enqueue(rest)
		}

		ex, err := r.resolveExecutorLocked(id)
		if err != nil {
			// Validation at send time makes this unreachable; settle
			// defensively rather than wedge the caller.
			if head.result != nil {
				head.result.Reject(err)
			}
			continue
		}

		env := head.delivery.Envelope
		r.emitLocked(flowmesh.NewEventAt(flowmesh.EventExecutorStarted, r.now()).
			WithExecutor(id).
			WithMessage(env.MessageID, env.Type))
		due = append(due, &invocation{
			pd: head,
			ex: ex,
			hc: newExecContext(r, id),
		})
	}
	return due
}

// runGeneration invokes the due handlers, one goroutine per executor,
// and waits for all of them.
func (r *Runtime) runGeneration(due []*invocation) {
	var wg sync.WaitGroup
	for _, inv := range due {
		if inv.pd.ctx.Err() != nil {
			inv.canceled = true
			continue
		}
		wg.Add(1)
		go func(inv *invocation) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					inv.err = fmt.Errorf("handler panic: %v", rec)
				}
			}()
			start := r.now()
			inv.value, inv.err = inv.ex.Handle(inv.pd.ctx, inv.pd.delivery.Envelope, inv.hc)
			inv.elapsed = r.now().Sub(start)
		}(inv)
	}
	wg.Wait()
}

// settleGenerationLocked commits or discards each invocation's effects
// in mailbox order and returns the first non-send fault, if any. A Stop
// during the generation turns every invocation into a cancellation:
// nothing commits into the dead step queue, and staged direct-send
// results settle with ErrCanceled instead of waiting forever.
func (r *Runtime) settleGenerationLocked(due []*invocation) error {
	var runErr error
	for _, inv := range due {
		id := inv.pd.delivery.Target
		env := inv.pd.delivery.Envelope

		switch {
		case !r.started || inv.canceled || isCanceled(inv.err):
			inv.hc.discard(flowmesh.ErrCanceled)
			if inv.pd.result != nil {
				inv.pd.result.Reject(flowmesh.ErrCanceled)
			}
			inv.pd.cancel()
			r.emitLocked(flowmesh.NewEventAt(flowmesh.EventExecutorCanceled, r.now()).
				WithExecutor(id).
				WithMessage(env.MessageID, env.Type))
			r.logger.Debug("delivery canceled", "executor", id, "message_id", env.MessageID)

		case inv.err != nil:
			herr := &flowmesh.HandlerError{
				Executor:  id,
				MessageID: env.MessageID,
				Type:      env.Type,
				Cause:     inv.err,
			}
			inv.hc.discard(herr)
			if inv.pd.result != nil {
				inv.pd.result.Reject(herr)
			} else if runErr == nil {
				runErr = herr
			}
			inv.pd.cancel()
			r.emitLocked(flowmesh.NewEventAt(flowmesh.EventExecutorFailed, r.now()).
				WithExecutor(id).
				WithMessage(env.MessageID, env.Type).
				WithElapsed(inv.elapsed).
				WithPayload("error", inv.err.Error()))
			r.logger.Warn("handler faulted", "executor", id, "message_id", env.MessageID, "error", inv.err)

		default:
			inv.hc.commitLocked()
			if inv.pd.result != nil {
				inv.pd.result.Resolve(inv.value)
			}
			inv.pd.cancel()
			r.emitLocked(flowmesh.NewEventAt(flowmesh.EventExecutorFinished, r.now()).
				WithExecutor(id).
				WithMessage(env.MessageID, env.Type).
				WithElapsed(inv.elapsed))
		}
	}
	return runErr
}

// isCanceled classifies a handler error as cooperative cancellation.
func isCanceled(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, flowmesh.ErrCanceled))
}
