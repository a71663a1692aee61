package link

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-memory link created by Pipe.
type PipeEnd struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	once sync.Once
	peer *PipeEnd
}

// Pipe returns two connected ends, each buffering up to depth payloads in the
// direction it receives.
func Pipe(depth int) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &PipeEnd{out: ab, in: ba, done: make(chan struct{})}
	b := &PipeEnd{out: ba, in: ab, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies payload to the other end. It fails with ErrPipeFull instead of
// blocking.
func (p *PipeEnd) Send(payload []byte) error {
	if err := checkSize(payload); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), payload...)
	select {
	case p.out <- cp:
		return nil
	default:
		return ErrPipeFull
	}
}

// Run delivers received payloads until ctx is done or this end is closed.
func (p *PipeEnd) Run(ctx context.Context, onPayload func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case b := <-p.in:
			onPayload(b)
		}
	}
}

// Close stops this end.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
