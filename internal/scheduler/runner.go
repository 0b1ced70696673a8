// Package scheduler drives the five periodic jobs of the notification
// engine: occurrence generation, event reminders, missed-event transitions,
// feeding reminders, and budget alerts. Every job method accepts a `now`
// parameter so ticks are deterministic in tests and manual backfills can
// replay a reference time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pawkeep/internal/types"
)

// ShutdownGrace bounds how long Run waits for in-flight ticks after the
// context is cancelled.
const ShutdownGrace = 30 * time.Second

// Schedule decides when a task fires.
type Schedule interface {
	// Next returns the first fire instant strictly after t.
	Next(t time.Time) time.Time
}

// Every fires on a fixed interval.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// DailyAt fires once per day at a fixed UTC wall-clock time.
type DailyAt struct {
	Hour   int
	Minute int
}

func (d DailyAt) Next(t time.Time) time.Time {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Task is one periodic job. Run receives the tick's reference instant.
type Task struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context, now time.Time) error

	running atomic.Bool
}

// Runner executes a fixed set of tasks on their schedules. Tasks are
// independent of each other, but a task never overlaps a still-running
// instance of itself: ticks that land mid-run are skipped. The process is
// single-instance; a multi-instance deployment would need a distributed
// lock instead of the in-memory flag.
type Runner struct {
	tasks  []*Task
	clock  types.Clock
	logger types.Logger

	inflight sync.WaitGroup
}

func NewRunner(tasks []*Task, clock types.Clock, logger types.Logger) *Runner {
	return &Runner{tasks: tasks, clock: clock, logger: logger}
}

// Run blocks until ctx is cancelled, then waits up to ShutdownGrace for
// in-flight ticks to finish.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, task := range r.tasks {
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			r.loop(ctx, task)
		}(task)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("scheduler stopped")
		return nil
	case <-time.After(ShutdownGrace):
		r.logger.Warn("scheduler shutdown grace period elapsed with ticks in flight")
		return fmt.Errorf("shutdown grace period of %s elapsed", ShutdownGrace)
	}
}

func (r *Runner) loop(ctx context.Context, task *Task) {
	timer := time.NewTimer(time.Until(task.Schedule.Next(r.clock.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(time.Until(task.Schedule.Next(r.clock.Now())))
		now := r.clock.Now()
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.RunOnce(ctx, task, now)
		}()
	}
}

// RunOnce executes a single tick of the task if it is not already running.
// Returns whether the tick ran. Panics and errors are contained at the task
// boundary: a broken tick never takes down the process or its sibling tasks.
func (r *Runner) RunOnce(ctx context.Context, task *Task, now time.Time) bool {
	if !task.running.CompareAndSwap(false, true) {
		r.logger.Warn("tick skipped, previous run still in flight", "task", task.Name)
		return false
	}
	defer task.running.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked", "task", task.Name, "panic", rec)
		}
	}()

	started := r.clock.Now()
	if err := task.Run(ctx, now); err != nil {
		r.logger.Error("task failed", "task", task.Name, "error", err)
		return true
	}
	r.logger.Info("task complete", "task", task.Name, "duration", r.clock.Now().Sub(started))
	return true
}
