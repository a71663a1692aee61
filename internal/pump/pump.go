// Package pump moves frames between the relay queues, the wireless link and
// the local CAN bus.
package pump

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/relay"
	"github.com/kstaniek/can-relay/internal/ring"
	"github.com/kstaniek/can-relay/internal/transport"
)

var (
	// ErrNoLink is returned by PumpOnce when frames were pending but no link is configured.
	ErrNoLink = errors.New("pump: no link configured")
	// ErrNoTransmitter is returned by InjectOnce when no CAN transmitter is configured.
	ErrNoTransmitter = errors.New("pump: no transmitter configured")
	// ErrSharedQueue rejects using one queue for both directions.
	ErrSharedQueue = errors.New("pump: outbound and inbound queues must differ")
)

// Options wire a Pump. Either direction may be left nil: a transmit-only node
// has no Inbound queue, a receive-only node no Outbound queue.
type Options struct {
	Outbound    *ring.FrameQueue      // filled by the CAN capture path, drained by PumpOnce
	Inbound     *ring.FrameQueue      // filled by OnPayloadReceived, drained by InjectOnce
	Link        transport.PayloadSender
	Transmitter can.Transmitter
	Codec       transport.FrameCodec // defaults to relay.Codec
	// InjectBudget caps frames put on the bus per InjectOnce; <= 0 means the
	// inbound queue's usable capacity.
	InjectBudget int
	// Tap, when set, sees every frame sent over the link or injected onto the bus.
	Tap    func(can.Frame)
	Logger *slog.Logger
}

// Pump is the periodic relay engine. PumpOnce and InjectOnce must be called
// from the single consumer goroutine; OnPayloadReceived from the single link
// receive goroutine.
type Pump struct {
	out, in *ring.FrameQueue
	link    transport.PayloadSender
	tx      can.Transmitter
	codec   transport.FrameCodec
	budget  int
	tap     func(can.Frame)
	l       *slog.Logger

	batch   []can.Frame // reused by PumpOnce and InjectOnce
	payload []byte
}

// New validates opts and returns a Pump.
func New(opts Options) (*Pump, error) {
	if opts.Outbound != nil && opts.Outbound == opts.Inbound {
		return nil, ErrSharedQueue
	}
	p := &Pump{
		out:   opts.Outbound,
		in:    opts.Inbound,
		link:  opts.Link,
		tx:    opts.Transmitter,
		codec: opts.Codec,
		tap:   opts.Tap,
		l:     logging.Or(opts.Logger),
	}
	if p.codec == nil {
		p.codec = relay.Codec{}
	}
	p.budget = opts.InjectBudget
	if p.budget <= 0 && p.in != nil {
		p.budget = p.in.Cap()
	}
	if p.budget < 0 {
		return nil, fmt.Errorf("pump: inject budget %d", opts.InjectBudget)
	}
	p.batch = make([]can.Frame, 0, max(relay.MaxRecords, p.budget))
	p.payload = make([]byte, 0, relay.MaxPayload)
	return p, nil
}

// PumpOnce drains up to one payload's worth of frames from the outbound
// queue, encodes them and sends a single payload. Dequeued frames are never
// re-queued: when Send fails they are counted as lost and the error is
// returned. It returns nil when nothing was pending.
func (p *Pump) PumpOnce() error {
	p.batch = p.out.AppendUpTo(p.batch[:0], relay.MaxRecords)
	if len(p.batch) == 0 {
		return nil
	}
	var n int
	p.payload, n = p.codec.AppendEncode(p.payload[:0], p.batch)
	if p.link == nil {
		metrics.AddLinkLost(n)
		return ErrNoLink
	}
	if err := p.link.Send(p.payload); err != nil {
		metrics.AddLinkLost(n)
		metrics.IncError(metrics.ErrLinkSend)
		p.l.Warn("link_send_error", "frames", n, "bytes", len(p.payload), "error", err)
		return fmt.Errorf("pump: send %d frames: %w", n, err)
	}
	metrics.AddLinkTx(n)
	if p.tap != nil {
		for _, f := range p.batch[:n] {
			p.tap(f)
		}
	}
	return nil
}

// OnPayloadReceived decodes payload and queues its frames for injection in
// wire order. Records with an identifier above the 11-bit range are refused
// and counted, like frames refused at capture. The first frame the inbound
// queue refuses ends the payload; it and every later frame are discarded. It
// returns the number of frames queued.
func (p *Pump) OnPayloadReceived(payload []byte) int {
	total := len(payload) / relay.RecordSize
	if trailing := relay.Trailing(payload); trailing > 0 {
		metrics.AddTrailing(trailing)
		p.l.Debug("payload_trailing_bytes", "bytes", len(payload), "trailing", trailing)
	}
	accepted, rejected := 0, 0
	full := false
	p.codec.DecodeN(payload, func(f can.Frame) {
		if full {
			return
		}
		if !f.Valid() || !f.Standard() {
			metrics.IncCANRejected()
			rejected++
			return
		}
		if !p.in.TryPush(f) {
			full = true
			return
		}
		accepted++
	})
	metrics.AddLinkRx(accepted)
	if full {
		metrics.AddQueueDrop(metrics.QueueInbound, total-accepted-rejected)
	}
	p.l.Debug("payload_received", "bytes", len(payload), "frames", total, "queued", accepted, "rejected", rejected)
	return accepted
}

// InjectOnce transmits up to the inject budget of queued inbound frames onto
// the local bus. A frame whose transmit fails is dropped and counted; later
// frames are still attempted. The first transmit error is returned.
func (p *Pump) InjectOnce() (int, error) {
	if p.in.Len() == 0 {
		return 0, nil
	}
	if p.tx == nil {
		return 0, ErrNoTransmitter
	}
	p.batch = p.in.AppendUpTo(p.batch[:0], p.budget)
	sent := 0
	var first error
	for _, f := range p.batch {
		if err := p.tx.Transmit(f); err != nil {
			metrics.IncError(metrics.ErrCANWrite)
			if first == nil {
				first = fmt.Errorf("pump: transmit %s: %w", f, err)
			}
			continue
		}
		sent++
		if p.tap != nil {
			p.tap(f)
		}
	}
	if first != nil {
		p.l.Warn("can_inject_error", "attempted", len(p.batch), "sent", sent, "error", first)
	}
	return sent, first
}

// Pending reports frames waiting in each queue.
func (p *Pump) Pending() (outbound, inbound int) { return p.out.Len(), p.in.Len() }
