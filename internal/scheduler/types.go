// Package scheduler runs periodic tasks cooperatively on a single
// goroutine. Every task registered with [Scheduler.Every] fires from
// [Scheduler.Tick], one after another, so no two tasks ever overlap.
package scheduler

import (
	"context"
	"time"
)

// TaskFunc is the work a task performs when it fires. A returned error
// is logged by the scheduler and does not affect later fires.
type TaskFunc func(ctx context.Context) error

// Task is a periodic callback registered with a [Scheduler].
type Task struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       TaskFunc
	enabled  bool
	seq      int // registration order, breaks ties between equal due times

	fires int
}

// Name returns the label the task was registered with.
func (t *Task) Name() string { return t.name }

// Interval returns the period between fires.
func (t *Task) Interval() time.Duration { return t.interval }

// Next returns the time the task is next due.
func (t *Task) Next() time.Time { return t.next }

// Fires returns how many times the task has run.
func (t *Task) Fires() int { return t.fires }

// Enabled reports whether the task is eligible to fire.
func (t *Task) Enabled() bool { return t.enabled }

// Enable makes the task eligible to fire again. Must be called from the
// goroutine that drives Tick.
func (t *Task) Enable() { t.enabled = true }

// Disable keeps the task registered but skips it on every tick until
// Enable is called. Must be called from the goroutine that drives Tick.
func (t *Task) Disable() { t.enabled = false }
