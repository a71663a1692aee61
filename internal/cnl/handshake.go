package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Hello is the greeting each side sends before any frame.
const Hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("cnl: bad hello")

// DeadlineConn is the part of net.Conn the handshake needs.
type DeadlineConn interface {
	io.ReadWriter
	SetDeadline(time.Time) error
}

// Handshake sends Hello and reads the peer's greeting concurrently. It bounds
// both directions by timeout (0 means no deadline) and aborts when ctx is
// cancelled. Both IO goroutines have exited when it returns.
func Handshake(ctx context.Context, c DeadlineConn, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	defer func() { _ = c.SetDeadline(time.Time{}) }()
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	errs := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		errs <- err
	}()
	go func() {
		var buf [len(Hello)]byte
		if _, err := io.ReadFull(c, buf[:]); err != nil {
			errs <- err
			return
		}
		if string(buf[:]) != Hello {
			errs <- fmt.Errorf("%w: %q", ErrBadHello, buf[:])
			return
		}
		errs <- nil
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("handshake: %w", first)
}
