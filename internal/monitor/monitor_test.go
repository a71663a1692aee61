package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/ring"
)

// scriptedController replays a fixed sequence of states, repeating the last.
type scriptedController struct {
	states     []can.BusState
	i          int
	starts     int
	recovers   int
	startErr   error
	recoverErr error
}

func (c *scriptedController) PollStatus() can.BusState {
	st := c.states[min(c.i, len(c.states)-1)]
	c.i++
	return st
}

func (c *scriptedController) Start() error   { c.starts++; return c.startErr }
func (c *scriptedController) Recover() error { c.recovers++; return c.recoverErr }

type logRecord struct {
	Msg   string `json:"msg"`
	Level string `json:"level"`
	From  string `json:"from"`
	To    string `json:"to"`
	State string `json:"state"`
}

func captureLogs(t *testing.T) (*slog.Logger, func() []logRecord) {
	t.Helper()
	var buf bytes.Buffer
	l := logging.New("json", slog.LevelDebug, &buf)
	return l, func() []logRecord {
		var out []logRecord
		dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
		for dec.More() {
			var r logRecord
			require.NoError(t, dec.Decode(&r))
			out = append(out, r)
		}
		return out
	}
}

func count(recs []logRecord, msg string) int {
	n := 0
	for _, r := range recs {
		if r.Msg == msg {
			n++
		}
	}
	return n
}

func TestTickBusOffRecoveryCycle(t *testing.T) {
	ctl := &scriptedController{states: []can.BusState{
		can.Running, can.Running,
		can.BusOff,
		can.Recovering, can.Recovering,
		can.Running, can.Running, can.Running,
	}}
	l, logs := captureLogs(t)
	m := New(ctl, nil, l)
	for range ctl.states {
		m.Tick()
	}
	assert.Equal(t, 1, ctl.recovers)
	assert.Zero(t, ctl.starts)
	recs := logs()
	assert.Equal(t, 1, count(recs, "bus_state_initial"))
	assert.Equal(t, 3, count(recs, "bus_state_changed"))

	var changes [][2]string
	for _, r := range recs {
		if r.Msg == "bus_state_changed" {
			changes = append(changes, [2]string{r.From, r.To})
		}
	}
	assert.Equal(t, [][2]string{
		{"running", "bus_off"},
		{"bus_off", "recovering"},
		{"recovering", "running"},
	}, changes)
	assert.Equal(t, can.Running, m.State())
	assert.True(t, m.Healthy())
}

func TestTickStartsStoppedController(t *testing.T) {
	ctl := &scriptedController{states: []can.BusState{can.Stopped, can.Running}}
	l, logs := captureLogs(t)
	m := New(ctl, nil, l)
	assert.Equal(t, can.Stopped, m.Tick())
	assert.False(t, m.Healthy())
	assert.Equal(t, can.Running, m.Tick())
	assert.Equal(t, 1, ctl.starts)
	recs := logs()
	require.Len(t, recs, 2)
	assert.Equal(t, "stopped", recs[0].State)
	assert.Equal(t, "running", recs[1].To)
}

func TestTickRetriesOncePerTick(t *testing.T) {
	ctl := &scriptedController{
		states:     []can.BusState{can.BusOff},
		recoverErr: errors.New("ioctl failed"),
	}
	l, logs := captureLogs(t)
	m := New(ctl, nil, l)
	for i := 0; i < 4; i++ {
		m.Tick()
	}
	assert.Equal(t, 4, ctl.recovers)
	recs := logs()
	assert.Equal(t, 4, count(recs, "bus_recover_error"))
	assert.Zero(t, count(recs, "bus_state_changed"))
}

func TestTickUnknownIsLoggedNotFatal(t *testing.T) {
	ctl := &scriptedController{states: []can.BusState{can.Running, can.ParseBusState(42), can.Running}}
	l, logs := captureLogs(t)
	m := New(ctl, nil, l)
	m.Tick()
	assert.Equal(t, can.Unknown, m.Tick())
	m.Tick()
	assert.Zero(t, ctl.starts+ctl.recovers)
	recs := logs()
	require.Equal(t, 2, count(recs, "bus_state_changed"))
	assert.Equal(t, "WARN", recs[1].Level)
	assert.Equal(t, "unknown", recs[1].To)
}

func TestStateBeforeFirstTick(t *testing.T) {
	m := New(&scriptedController{states: []can.BusState{can.Running}}, nil, nil)
	assert.Equal(t, can.Unknown, m.State())
	assert.False(t, m.Healthy())
}

func TestCaptureValidatesAndQueues(t *testing.T) {
	q := ring.MustFrameQueue(3) // 2 usable
	m := New(&scriptedController{states: []can.BusState{can.Running}}, q, nil)

	assert.False(t, m.Capture(can.Frame{ID: 0x100, DLC: 9}))
	assert.False(t, m.Capture(can.Frame{ID: 0x800, DLC: 1}))
	assert.Zero(t, q.Len())

	assert.True(t, m.Capture(can.New(0x045, 1, 2)))
	assert.True(t, m.Capture(can.New(0x7FF)))
	assert.False(t, m.Capture(can.New(0x001)), "full queue drops newest")
	assert.Equal(t, uint64(1), q.Dropped())

	f, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, uint32(0x045), f.ID)
}

func TestCaptureWithoutQueue(t *testing.T) {
	m := New(&scriptedController{states: []can.BusState{can.Running}}, nil, nil)
	assert.False(t, m.Capture(can.New(0x10)))
}
