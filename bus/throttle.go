package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/flowmesh"
)

// ThrottleConfig controls the behavior of ThrottledHandler.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced events.
	// Default: 100ms
	CoalesceInterval time.Duration

	// CoalesceKinds are the high-frequency event kinds to coalesce per
	// executor. Default: executor_started and executor_finished.
	CoalesceKinds []flowmesh.EventKind
}

// ThrottledHandler wraps a flowmesh.EventHandler and coalesces
// high-frequency per-executor events. Other kinds pass through
// immediately. Coalesced kinds keep only the latest event per
// (executor, kind) pair within each interval; a background ticker
// flushes them.
type ThrottledHandler struct {
	next     flowmesh.EventHandler
	interval time.Duration
	kinds    map[flowmesh.EventKind]bool

	mu      sync.Mutex
	pending map[coalesceKey]flowmesh.Event
	order   []coalesceKey
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type coalesceKey struct {
	executor flowmesh.ExecutorID
	kind     flowmesh.EventKind
}

// NewThrottledHandler creates a ThrottledHandler in front of next.
func NewThrottledHandler(next flowmesh.EventHandler, cfg ThrottleConfig) *ThrottledHandler {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	kinds := cfg.CoalesceKinds
	if len(kinds) == 0 {
		kinds = []flowmesh.EventKind{
			flowmesh.EventExecutorStarted,
			flowmesh.EventExecutorFinished,
		}
	}

	th := &ThrottledHandler{
		next:     next,
		interval: interval,
		kinds:    make(map[flowmesh.EventKind]bool, len(kinds)),
		pending:  make(map[coalesceKey]flowmesh.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, k := range kinds {
		th.kinds[k] = true
	}

	go th.run()
	return th
}

// Handle routes one event: coalesced kinds are buffered per executor,
// everything else passes straight through.
func (th *ThrottledHandler) Handle(e flowmesh.Event) {
	if !th.kinds[e.Kind] {
		th.next(e)
		return
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	if th.closed {
		return
	}
	key := coalesceKey{executor: e.Executor, kind: e.Kind}
	if _, ok := th.pending[key]; !ok {
		th.order = append(th.order, key)
	}
	th.pending[key] = e
}

// Close flushes any pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (th *ThrottledHandler) Close() {
	th.mu.Lock()
	if th.closed {
		th.mu.Unlock()
		return
	}
	th.closed = true
	th.mu.Unlock()

	close(th.stopCh)
	<-th.doneCh
}

func (th *ThrottledHandler) run() {
	defer close(th.doneCh)

	ticker := time.NewTicker(th.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			th.flush()
		case <-th.stopCh:
			// Flush any remaining pending events before exiting.
			th.flush()
			return
		}
	}
}

// flush forwards all pending coalesced events in arrival order and
// clears the buffer.
func (th *ThrottledHandler) flush() {
	th.mu.Lock()
	if len(th.pending) == 0 {
		th.mu.Unlock()
		return
	}
	toFlush := make([]flowmesh.Event, 0, len(th.order))
	for _, key := range th.order {
		toFlush = append(toFlush, th.pending[key])
	}
	th.pending = make(map[coalesceKey]flowmesh.Event)
	th.order = nil
	th.mu.Unlock()

	for _, e := range toFlush {
		th.next(e)
	}
}
