// Package link carries relay payloads between two nodes: over UDP datagrams,
// over a serial radio modem, or in memory.
package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/can-relay/internal/relay"
	"github.com/kstaniek/can-relay/internal/transport"
)

var (
	ErrClosed          = errors.New("link: closed")
	ErrPayloadTooLarge = fmt.Errorf("link: payload exceeds %d bytes", relay.MaxPayload)
	ErrNoPeer          = errors.New("link: peer address unknown")
	ErrTxOverflow      = errors.New("link: tx overflow")
	ErrPipeFull        = errors.New("link: pipe full")
)

const (
	txQueueSize  = 16 // payloads; the pump sends at most one per period
	readBufSize  = 2048
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > rxBackoffMax {
		b = rxBackoffMax
	}
	return b
}

func checkSize(payload []byte) error {
	if len(payload) > relay.MaxPayload {
		return fmt.Errorf("%w (%d)", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

var (
	_ transport.Link = (*UDP)(nil)
	_ transport.Link = (*Serial)(nil)
	_ transport.Link = (*PipeEnd)(nil)
)
