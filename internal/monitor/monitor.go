// Package monitor watches the CAN controller, restarts it after bus-off and
// admits captured frames into the outbound relay queue.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/ring"
)

// Monitor is the bus state machine. Tick runs on the scheduler goroutine,
// Capture on the CAN driver's receive goroutine; State is safe from anywhere.
type Monitor struct {
	ctl  can.Controller
	out  *ring.FrameQueue
	l    *slog.Logger
	last atomic.Int32
	seen bool // Tick goroutine only
}

// New returns a Monitor polling ctl. out may be nil on a receive-only node,
// in which case Capture refuses every frame.
func New(ctl can.Controller, out *ring.FrameQueue, l *slog.Logger) *Monitor {
	m := &Monitor{ctl: ctl, out: out, l: logging.Or(l)}
	m.last.Store(int32(can.Unknown))
	return m
}

// State returns the state seen by the most recent Tick (Unknown before the first).
func (m *Monitor) State() can.BusState { return can.BusState(m.last.Load()) }

// Tick polls the controller once, logs a change of state and issues at most
// one corrective action. A failed action is retried on the next tick.
func (m *Monitor) Tick() can.BusState {
	st := m.ctl.PollStatus()
	prev := can.BusState(m.last.Swap(int32(st)))
	metrics.SetBusState(int(st))
	switch {
	case !m.seen:
		m.seen = true
		m.l.Info("bus_state_initial", "state", st.String())
	case st != prev:
		metrics.IncBusTransition(st.String())
		lvl := slog.LevelInfo
		if st == can.BusOff || st == can.Unknown {
			lvl = slog.LevelWarn
		}
		m.l.Log(context.Background(), lvl, "bus_state_changed", "from", prev.String(), "to", st.String())
	}

	switch st {
	case can.Stopped:
		metrics.IncBusStart()
		if err := m.ctl.Start(); err != nil {
			metrics.IncError(metrics.ErrBusStart)
			m.l.Error("bus_start_error", "error", err)
		}
	case can.BusOff:
		metrics.IncBusRecovery()
		if err := m.ctl.Recover(); err != nil {
			metrics.IncError(metrics.ErrBusRecover)
			m.l.Error("bus_recover_error", "error", err)
		}
	}
	return st
}

// Capture is the CAN receive callback. Frames with DLC > 8 or an identifier
// outside the 11-bit range are refused; the rest are offered to the outbound
// queue and dropped if it is full. It never blocks and never logs.
func (m *Monitor) Capture(f can.Frame) bool {
	if !f.Valid() || !f.Standard() {
		metrics.IncCANRejected()
		return false
	}
	if !m.out.TryPush(f) {
		if m.out != nil {
			metrics.IncQueueDrop(metrics.QueueOutbound)
		}
		return false
	}
	metrics.IncCANRx()
	return true
}

// Healthy reports whether the last observed state allows traffic to flow.
func (m *Monitor) Healthy() bool {
	switch m.State() {
	case can.Running, can.Recovering:
		return true
	}
	return false
}
