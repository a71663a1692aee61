package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/transport"
)

// Controller error frame classes (linux/can/error.h).
const (
	errCtrl      = 0x00000004
	errBusOff    = 0x00000040
	errRestarted = 0x00000100

	errFilter = errCtrl | errBusOff | errRestarted
)

const (
	txQueueSize  = 256
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Dev is the device surface needed by Driver. Implemented by *Device on
// Linux and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) (rawID uint32, err error)
	WriteFrame(can.Frame) error
	Flags() (up, running bool, err error)
	SetUp(up bool) error
	Close() error
}

// Driver adapts a SocketCAN device to can.Driver. Bus state is derived from
// the interface flags plus controller error frames seen by Run.
type Driver struct {
	dev   Dev
	tx    *transport.AsyncTx[can.Frame]
	l     *slog.Logger
	state atomic.Int32 // BusOff / Recovering / Running as reported by error frames
	// carrierSeen is set by the first poll after Recover that finds carrier up.
	carrierSeen atomic.Bool
}

// NewDriver wraps dev and starts its transmit worker.
func NewDriver(ctx context.Context, dev Dev, l *slog.Logger) *Driver {
	d := &Driver{dev: dev, l: logging.Or(l)}
	d.state.Store(int32(can.Running))
	d.tx = transport.NewAsyncTx(ctx, txQueueSize, dev.WriteFrame, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrCANWrite)
			d.l.Debug("socketcan_write_error", "error", err)
		},
		OnAfter: metrics.IncCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCANOverflow)
			return ErrTxOverflow
		},
	})
	return d
}

// PollStatus reads the interface flags and combines them with the last error
// frame state. An interface that is up without carrier is reported as BusOff
// even when the bus-off error frame was never read. After Recover the driver
// reports Recovering until one poll has seen the carrier back; the next poll
// reports Running.
func (d *Driver) PollStatus() can.BusState {
	up, running, err := d.dev.Flags()
	if err != nil {
		d.l.Debug("socketcan_flags_error", "error", err)
		return can.Unknown
	}
	if !up {
		return can.Stopped
	}
	st := can.BusState(d.state.Load())
	switch {
	case st == can.Recovering && running:
		if d.carrierSeen.Swap(true) {
			d.state.CompareAndSwap(int32(can.Recovering), int32(can.Running))
			return can.Running
		}
		return can.Recovering
	case st == can.Recovering:
		return can.Recovering
	case !running:
		if st != can.BusOff {
			d.l.Debug("socketcan_carrier_down", "state", st.String())
		}
		d.state.Store(int32(can.BusOff))
		return can.BusOff
	}
	return st
}

// Start brings the interface up.
func (d *Driver) Start() error {
	if err := d.dev.SetUp(true); err != nil {
		return fmt.Errorf("socketcan start: %w", err)
	}
	d.state.Store(int32(can.Running))
	return nil
}

// Recover restarts the controller by cycling the interface.
func (d *Driver) Recover() error {
	if err := d.dev.SetUp(false); err != nil {
		return fmt.Errorf("socketcan recover (down): %w", err)
	}
	if err := d.dev.SetUp(true); err != nil {
		return fmt.Errorf("socketcan recover (up): %w", err)
	}
	d.carrierSeen.Store(false)
	d.state.Store(int32(can.Recovering))
	return nil
}

// Transmit queues f for the writer goroutine; ErrTxOverflow when it lags.
func (d *Driver) Transmit(f can.Frame) error { return d.tx.Send(f) }

// Run reads the device until ctx is done, handing data frames to onFrame and
// folding error frames into the bus state.
func (d *Driver) Run(ctx context.Context, onFrame func(can.Frame)) error {
	defer d.l.Info("socketcan_rx_end")
	stop := context.AfterFunc(ctx, func() { _ = d.dev.Close() })
	defer stop()
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		var fr can.Frame
		rawID, err := d.dev.ReadFrame(&fr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrCANRead)
			d.l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		if rawID&can.CAN_ERR_FLAG != 0 {
			d.onErrorFrame(rawID)
			continue
		}
		if rawID&can.CAN_RTR_FLAG != 0 {
			continue
		}
		d.state.CompareAndSwap(int32(can.Recovering), int32(can.Running))
		onFrame(fr)
	}
}

func (d *Driver) onErrorFrame(rawID uint32) {
	switch {
	case rawID&errBusOff != 0:
		d.state.Store(int32(can.BusOff))
	case rawID&errRestarted != 0:
		d.state.Store(int32(can.Running))
	}
}

// Close stops the writer and closes the device.
func (d *Driver) Close() error {
	d.tx.Close()
	return d.dev.Close()
}

var _ can.Driver = (*Driver)(nil)
