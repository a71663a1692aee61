// Package sched runs periodic node tasks on one cooperative goroutine.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
)

// Task is a periodic job. Fn must not block for longer than Period.
type Task struct {
	Name   string
	Period time.Duration
	Fn     func()
}

type entry struct {
	Task
	next time.Time
}

// Scheduler dispatches tasks in registration order whenever they fall due.
// All tasks run on the goroutine calling Run (or Step), so tasks never run
// concurrently with each other.
type Scheduler struct {
	tasks []*entry
	base  time.Duration
	wd    *Watchdog
	l     *slog.Logger
	now   func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWatchdog feeds wd after every dispatch round.
func WithWatchdog(wd *Watchdog) Option { return func(s *Scheduler) { s.wd = wd } }

// WithLogger sets the logger (defaults to the global one).
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.l = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New returns an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.l = logging.Or(s.l)
	return s
}

// Add registers t. The first run is due one period after the first Step.
func (s *Scheduler) Add(t Task) error {
	if t.Period <= 0 {
		return fmt.Errorf("sched: task %q: period must be > 0", t.Name)
	}
	if t.Fn == nil {
		return fmt.Errorf("sched: task %q: nil func", t.Name)
	}
	s.tasks = append(s.tasks, &entry{Task: t})
	if s.base == 0 || t.Period < s.base {
		s.base = t.Period
	}
	return nil
}

// Tick returns the dispatch resolution (the shortest task period).
func (s *Scheduler) Tick() time.Duration { return s.base }

// Step runs every task due at now and feeds the watchdog. It returns how many
// tasks ran. A task that fell behind by several periods runs once and is
// rescheduled from now.
func (s *Scheduler) Step(now time.Time) int {
	ran := 0
	for _, e := range s.tasks {
		if e.next.IsZero() {
			e.next = now.Add(e.Period)
			continue
		}
		if now.Before(e.next) {
			continue
		}
		start := s.now()
		e.Fn()
		ran++
		if took := s.now().Sub(start); took > e.Period {
			metrics.IncOverrun(e.Name)
			s.l.Warn("task_overrun", "task", e.Name, "took", took, "period", e.Period)
		}
		e.next = e.next.Add(e.Period)
		if !now.Before(e.next) {
			e.next = now.Add(e.Period)
		}
	}
	if s.wd != nil {
		s.wd.Feed()
	}
	return ran
}

// Run dispatches tasks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.base)
	defer t.Stop()
	s.Step(s.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Step(s.now())
		}
	}
}
