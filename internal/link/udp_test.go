package link

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
)

func quietLog() *slog.Logger { return logging.New("text", slog.LevelError, &bytes.Buffer{}) }

func runUDP(t *testing.T, u *UDP) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = u.Run(ctx, func(p []byte) { ch <- append([]byte(nil), p...) })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
		return nil
	}
}

func TestUDPExchange(t *testing.T) {
	rx, err := ListenUDP("127.0.0.1:0", "", quietLog())
	require.NoError(t, err)
	rxCh := runUDP(t, rx)

	tx, err := ListenUDP("127.0.0.1:0", rx.LocalAddr().String(), quietLog())
	require.NoError(t, err)
	txCh := runUDP(t, tx)

	assert.ErrorIs(t, rx.Send(samplePayload(1)), ErrNoPeer)

	p := samplePayload(22)
	require.NoError(t, tx.Send(p))
	assert.Equal(t, p, recv(t, rxCh))

	// rx learned tx as its peer and can answer
	require.NotNil(t, rx.Peer())
	assert.Equal(t, tx.LocalAddr().Port, rx.Peer().Port)
	back := samplePayload(2)
	require.NoError(t, rx.Send(back))
	assert.Equal(t, back, recv(t, txCh))
}

func TestUDPRejectsOversize(t *testing.T) {
	rx, err := ListenUDP("127.0.0.1:0", "", quietLog())
	require.NoError(t, err)
	rxCh := runUDP(t, rx)

	raw, err := net.DialUDP("udp", nil, rx.LocalAddr())
	require.NoError(t, err)
	defer raw.Close()

	before := metrics.Snap().Malformed
	_, err = raw.Write(make([]byte, 300))
	require.NoError(t, err)
	p := samplePayload(1)
	_, err = raw.Write(p)
	require.NoError(t, err)

	assert.Equal(t, p, recv(t, rxCh))
	assert.GreaterOrEqual(t, metrics.Snap().Malformed, before+1)

	assert.ErrorIs(t, rx.Send(make([]byte, 251)), ErrPayloadTooLarge)
}

func TestUDPCloseStopsRun(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9", quietLog())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), func([]byte) {}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, u.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, u.Send(samplePayload(1)), ErrClosed)
}

func TestListenUDPBadAddr(t *testing.T) {
	_, err := ListenUDP("not-an-addr", "", quietLog())
	assert.Error(t, err)
	_, err = ListenUDP("127.0.0.1:0", "bad::peer::", quietLog())
	assert.Error(t, err)
}
