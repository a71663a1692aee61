package socketcan

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/monitor"
)

type readResult struct {
	raw uint32
	fr  can.Frame
	err error
}

// fakeDev replays reads from a channel and records writes and flag changes.
type fakeDev struct {
	mu      sync.Mutex
	reads   chan readResult
	writes  []can.Frame
	up      bool
	running bool
	setUps  []bool
	setErr  error
	closed  bool
}

func newFakeDev() *fakeDev { return &fakeDev{reads: make(chan readResult, 16), up: true, running: true} }

func (f *fakeDev) ReadFrame(fr *can.Frame) (uint32, error) {
	r, ok := <-f.reads
	if !ok {
		return 0, errors.New("closed")
	}
	*fr = r.fr
	return r.raw, r.err
}

func (f *fakeDev) WriteFrame(fr can.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fr)
	return nil
}

func (f *fakeDev) Flags() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up, f.running, nil
}

func (f *fakeDev) SetUp(up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setUps = append(f.setUps, up)
	f.up = up
	return nil
}

func (f *fakeDev) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.reads)
	}
	return nil
}

func quiet() *slog.Logger { return logging.New("text", slog.LevelError, &bytes.Buffer{}) }

func TestDriverStartAndPoll(t *testing.T) {
	dev := newFakeDev()
	dev.up = false
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()

	assert.Equal(t, can.Stopped, d.PollStatus())
	require.NoError(t, d.Start())
	assert.Equal(t, can.Running, d.PollStatus())
	assert.Equal(t, []bool{true}, dev.setUps)
}

func TestDriverBusOffRecovery(t *testing.T) {
	dev := newFakeDev()
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []can.Frame
	go func() {
		_ = d.Run(ctx, func(f can.Frame) { mu.Lock(); got = append(got, f); mu.Unlock() })
	}()

	dev.reads <- readResult{raw: can.CAN_ERR_FLAG | errBusOff}
	require.Eventually(t, func() bool { return d.PollStatus() == can.BusOff }, time.Second, time.Millisecond)

	dev.mu.Lock()
	dev.running = false
	dev.mu.Unlock()
	require.NoError(t, d.Recover())
	dev.mu.Lock()
	assert.Equal(t, []bool{false, true}, dev.setUps)
	dev.mu.Unlock()
	assert.Equal(t, can.Recovering, d.PollStatus())

	dev.mu.Lock()
	dev.running = true
	dev.mu.Unlock()
	assert.Equal(t, can.Recovering, d.PollStatus(), "first poll with carrier still reports recovering")
	assert.Equal(t, can.Running, d.PollStatus())

	dev.reads <- readResult{raw: 0x123, fr: can.New(0x123, 1)}
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 1 }, time.Second, time.Millisecond)
}

func TestDriverRestartedErrorFrame(t *testing.T) {
	dev := newFakeDev()
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()
	d.onErrorFrame(can.CAN_ERR_FLAG | errBusOff)
	assert.Equal(t, can.BusOff, d.PollStatus())
	d.onErrorFrame(can.CAN_ERR_FLAG | errRestarted)
	assert.Equal(t, can.Running, d.PollStatus())
}

func TestDriverCarrierDownIsBusOff(t *testing.T) {
	dev := newFakeDev()
	dev.running = false
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()
	assert.Equal(t, can.BusOff, d.PollStatus())
	assert.Equal(t, can.BusOff, d.PollStatus())
}

// A controller that went bus-off before the relay started never delivers the
// error frame; the missing carrier alone must trigger recovery.
func TestMonitorRecoversSilentBusOff(t *testing.T) {
	dev := newFakeDev()
	dev.running = false
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()
	m := monitor.New(d, nil, quiet())

	assert.Equal(t, can.BusOff, m.Tick())
	assert.False(t, m.Healthy())
	dev.mu.Lock()
	assert.Equal(t, []bool{false, true}, dev.setUps)
	dev.running = true
	dev.mu.Unlock()

	assert.Equal(t, can.Recovering, m.Tick())
	assert.True(t, m.Healthy())
	assert.Equal(t, can.Running, m.Tick())
	dev.mu.Lock()
	assert.Len(t, dev.setUps, 2, "no further recover cycles")
	dev.mu.Unlock()
}

func TestDriverRecoverError(t *testing.T) {
	dev := newFakeDev()
	dev.setErr = errors.New("operation not permitted")
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()
	assert.Error(t, d.Recover())
	assert.Error(t, d.Start())
}

func TestDriverRunSkipsRTRAndBacksOff(t *testing.T) {
	dev := newFakeDev()
	d := NewDriver(context.Background(), dev, quiet())
	defer d.Close()
	var sleeps []time.Duration
	orig := sleepFn
	sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleepFn = orig }()

	dev.reads <- readResult{err: errors.New("ENETDOWN")}
	dev.reads <- readResult{err: errors.New("ENETDOWN")}
	dev.reads <- readResult{raw: can.CAN_RTR_FLAG | 0x10, fr: can.Frame{ID: 0x10}}
	dev.reads <- readResult{raw: 0x11, fr: can.New(0x11, 9)}

	ctx, cancel := context.WithCancel(context.Background())
	var got []can.Frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx, func(f can.Frame) {
			got = append(got, f)
			cancel()
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0x11), got[0].ID)
	assert.Equal(t, []time.Duration{rxBackoffMin, 2 * rxBackoffMin}, sleeps)
}

func TestDriverTransmit(t *testing.T) {
	dev := newFakeDev()
	d := NewDriver(context.Background(), dev, quiet())
	require.NoError(t, d.Transmit(can.New(0x321, 1, 2)))
	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.writes) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, d.Close())
	assert.Error(t, d.Transmit(can.New(0x321)))
}
