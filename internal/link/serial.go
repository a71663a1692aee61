package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/transport"
)

// largeBufferReclaimThreshold is the accumulator capacity above which a fully
// drained receive buffer is reallocated.
const largeBufferReclaimThreshold = 16 * 1024

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a serial device in raw mode.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// openSerialPort is a hook for tests.
var openSerialPort = OpenPort

// Serial is a link over a transparent serial radio modem. Payloads are framed
// with Envelope; writes go through a single writer goroutine.
type Serial struct {
	port  Port
	env   Envelope
	tx    *transport.AsyncTx[[]byte]
	l     *slog.Logger
	close sync.Once
}

// OpenSerial opens the modem at dev and starts the writer.
func OpenSerial(ctx context.Context, dev string, baud int, readTimeout time.Duration, l *slog.Logger) (*Serial, error) {
	p, err := openSerialPort(dev, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", dev, err)
	}
	l = logging.Or(l)
	l.Info("serial_open", "device", dev, "baud", baud)
	return newSerial(ctx, p, l), nil
}

func newSerial(ctx context.Context, p Port, l *slog.Logger) *Serial {
	s := &Serial{port: p, l: l}
	s.tx = transport.NewAsyncTx(ctx, txQueueSize, func(frame []byte) error {
		_, err := p.Write(frame)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkSend)
			l.Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkSend)
			return ErrTxOverflow
		},
	})
	return s
}

// Send frames payload and queues it for the writer. Write errors surface in
// logs and metrics only.
func (s *Serial) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if err := checkSize(payload); err != nil {
		return err
	}
	if err := s.tx.Send(s.env.Encode(payload)); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Run reads the modem and delivers every intact payload until ctx is done or
// the device goes away.
func (s *Serial) Run(ctx context.Context, onPayload func([]byte)) error {
	defer s.l.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			s.env.DecodeStream(acc, onPayload)
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return fmt.Errorf("serial read: %w", err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrLinkRead)
			s.l.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
		}
	}
}

// Close stops the writer and closes the port.
func (s *Serial) Close() error {
	var err error
	s.close.Do(func() {
		s.tx.Close()
		err = s.port.Close()
	})
	return err
}
