package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
)

// Watchdog reports the dispatcher unhealthy when it has not been fed within
// the timeout. Expiry is logged and counted once per stall.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time
	l       *slog.Logger
	last    atomic.Int64 // unix nanos of last feed
	expired atomic.Bool
}

// NewWatchdog returns a watchdog considered fed at creation.
func NewWatchdog(timeout time.Duration, l *slog.Logger) *Watchdog {
	w := &Watchdog{timeout: timeout, now: time.Now, l: logging.Or(l)}
	w.last.Store(w.now().UnixNano())
	return w
}

// Feed marks the dispatcher alive.
func (w *Watchdog) Feed() {
	w.last.Store(w.now().UnixNano())
	if w.expired.CompareAndSwap(true, false) {
		w.l.Info("watchdog_recovered")
	}
}

// Check evaluates the watchdog at now and reports whether it is healthy.
func (w *Watchdog) Check(now time.Time) bool {
	if w.timeout <= 0 {
		return true
	}
	since := now.Sub(time.Unix(0, w.last.Load()))
	if since <= w.timeout {
		return !w.expired.Load()
	}
	if w.expired.CompareAndSwap(false, true) {
		metrics.IncWatchdogExpired()
		w.l.Error("watchdog_expired", "since_feed", since, "timeout", w.timeout)
	}
	return false
}

// Healthy is Check at the current time.
func (w *Watchdog) Healthy() bool { return w.Check(w.now()) }

// Run checks the watchdog every half timeout until ctx is done. It runs on
// its own goroutine so that a wedged dispatcher is still noticed.
func (w *Watchdog) Run(ctx context.Context) {
	if w.timeout <= 0 {
		return
	}
	t := time.NewTicker(w.timeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Check(now)
		}
	}
}
