package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// DefaultTickPeriod is how often Run advances the scheduler.
const DefaultTickPeriod = 250 * time.Millisecond

// Scheduler is a registry of periodic tasks. It holds no locks: tasks are
// registered during setup and Tick is only ever called from one
// goroutine.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time
	tasks  []*Task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now as the source of registration times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Every registers fn to run every interval. The first fire is due one
// interval after registration. Panics on a non-positive interval or nil
// fn; both are wiring mistakes.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) *Task {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %q interval must be positive, got %v", name, interval))
	}
	if fn == nil {
		panic(fmt.Sprintf("scheduler: task %q has nil func", name))
	}

	t := &Task{
		name:     name,
		interval: interval,
		next:     s.now().Add(interval),
		fn:       fn,
		enabled:  true,
		seq:      len(s.tasks),
	}
	s.tasks = append(s.tasks, t)

	s.logger.Debug("task scheduled",
		"task", name,
		"interval", interval.String(),
	)
	return t
}

// Tasks returns the registered tasks in registration order.
func (s *Scheduler) Tasks() []*Task {
	return slices.Clone(s.tasks)
}

// Tick fires every enabled task that is due at now, in the order they
// became due (registration order on ties). Each fired task is
// rescheduled to now + interval, so a slow tick delays later fires
// instead of queueing a backlog. Returns the number of tasks fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	var due []*Task
	for _, t := range s.tasks {
		if t.enabled && !now.Before(t.next) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return 0
	}

	slices.SortStableFunc(due, func(a, b *Task) int {
		if c := a.next.Compare(b.next); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	for _, t := range due {
		s.fire(ctx, t)
		t.next = now.Add(t.interval)
	}
	return len(due)
}

// fire runs one task, converting errors and panics into log records.
func (s *Scheduler) fire(ctx context.Context, t *Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				"task", t.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	t.fires++
	if err := t.fn(ctx); err != nil {
		s.logger.Error("scheduled task failed",
			"task", t.name,
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond).String(),
		)
		return
	}

	s.logger.Log(ctx, slog.Level(-8), "scheduled task completed", // config.LevelTrace
		"task", t.name,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
}

// Run calls Tick every period until ctx is cancelled. It blocks. A
// non-positive period uses DefaultTickPeriod.
func (s *Scheduler) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultTickPeriod
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.logger.Info("scheduler running",
		"tasks", len(s.tasks),
		"tick", period.String(),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}
