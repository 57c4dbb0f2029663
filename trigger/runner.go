package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/flowmesh"
)

const defaultPollInterval = time.Second

// Dispatcher is the slice of the runtime the runner needs to fire
// schedules. *runtime.Runtime satisfies it.
type Dispatcher interface {
	Send(payload any, msgType flowmesh.MessageType, target flowmesh.ExecutorID, opts ...flowmesh.EnvelopeOption) (*flowmesh.PendingResult, error)
	Publish(payload any, msgType flowmesh.MessageType, topic flowmesh.TopicID, opts ...flowmesh.EnvelopeOption) error
}

// RunnerConfig configures the background schedule runner.
type RunnerConfig struct {
	// Dispatcher receives fired messages. Required.
	Dispatcher Dispatcher

	// Schedules are the schedules to run. Validated at construction.
	Schedules []Schedule

	// PollInterval is how often due schedules are checked. Defaults
	// to one second.
	PollInterval time.Duration

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time

	// Logger receives fire and failure diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Runner periodically fires due schedules into a Dispatcher. Missed
// activations are not replayed: after each fire the next activation is
// computed from the current clock.
type Runner struct {
	dispatcher   Dispatcher
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	schedules []Schedule
	nextRun   []time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunner creates a schedule runner. All schedules are validated and
// their first activation computed from the current clock.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("trigger runner dispatcher is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Runner{
		dispatcher:   cfg.Dispatcher,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		schedules:    make([]Schedule, 0, len(cfg.Schedules)),
		nextRun:      make([]time.Time, 0, len(cfg.Schedules)),
	}

	start := cfg.Now().UTC()
	for _, s := range cfg.Schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		next, err := NextRunUTC(s.Cron, start)
		if err != nil {
			return nil, err
		}
		r.schedules = append(r.schedules, s)
		r.nextRun = append(r.nextRun, next)
	}
	return r, nil
}

// Start begins background polling. Calling Start on a running Runner
// is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit, or for
// ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every schedule whose activation time has passed and
// advances it to its next activation.
func (r *Runner) RunOnce() {
	now := r.now().UTC()

	r.mu.Lock()
	var due []Schedule
	for i := range r.schedules {
		if r.schedules[i].Disabled || now.Before(r.nextRun[i]) {
			continue
		}
		due = append(due, r.schedules[i])
		next, err := NextRunUTC(r.schedules[i].Cron, now)
		if err != nil {
			// Validated at construction; cannot fail here.
			continue
		}
		r.nextRun[i] = next
	}
	r.mu.Unlock()

	for _, s := range due {
		r.fire(s, now)
	}
}

func (r *Runner) fire(s Schedule, now time.Time) {
	var err error
	if s.Topic != "" {
		err = r.dispatcher.Publish(s.Payload, s.Type, s.Topic)
	} else {
		_, err = r.dispatcher.Send(s.Payload, s.Type, s.Target)
	}
	if err != nil {
		r.logger.Error("fire schedule",
			"schedule", s.Name,
			"type", string(s.Type),
			"error", err,
		)
		return
	}
	r.logger.Info("fired schedule",
		"schedule", s.Name,
		"type", string(s.Type),
		"at", now.Format(time.RFC3339),
	)
}
