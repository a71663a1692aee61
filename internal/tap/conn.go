package tap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/hub"
	"github.com/kstaniek/can-relay/internal/metrics"
)

// startWriter pushes hub frames to one client in batches.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			logger.Info("tap_client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		wire := make([]byte, 0, s.batchSize*13)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			wire = s.codec.AppendEncode(wire[:0], batch)
			batch = batch[:0]
			if _, err := conn.Write(wire); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Debug("tap_write_error", "error", wrap)
				return wrap
			}
			metrics.AddTapTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// startReader drains whatever the client sends. The tap is read-only: frames
// are decoded to keep the stream aligned and then discarded. EOF or a decode
// error closes the client.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cl.Close()
		warned := false
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := s.codec.DecodeN(conn, 16, func(can.Frame) {})
			if n > 0 {
				s.totalIgnored.Add(uint64(n))
				if !warned {
					warned = true
					logger.Info("tap_client_frames_ignored")
				}
			}
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					case <-cl.Closed:
						return
					default:
						continue
					}
				}
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					logger.Debug("tap_read_end", "error", err)
				}
				return
			}
		}
	}()
}
