// Package cnl speaks the Cannelloni TCP framing used by the live tap.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
//
// Each frame is a 4-byte big-endian can_id (SocketCAN flag bits included),
// one length byte (low 7 bits) and the data bytes.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// wireID adds the extended-format flag to identifiers above 11 bits.
func wireID(id uint32) uint32 {
	id &= can.CAN_EFF_MASK
	if id > can.CAN_SFF_MASK {
		id |= can.CAN_EFF_FLAG
	}
	return id
}

// AppendEncode appends the wire form of frames to dst.
func (Codec) AppendEncode(dst []byte, frames []can.Frame) []byte {
	for i := range frames {
		f := &frames[i]
		dst = binary.BigEndian.AppendUint32(dst, wireID(f.ID))
		p := f.Payload()
		dst = append(dst, byte(len(p)))
		dst = append(dst, p...)
	}
	return dst
}

// Encode packs frames into a single cannelloni chunk.
func (c Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	return c.AppendEncode(make([]byte, 0, len(frames)*(4+1+8)), frames)
}

// EncodeTo writes the wire form of frames to w with a single Write.
func (c Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. The flag bits are stripped from the
// identifier. It returns io.EOF at a clean frame boundary.
func (Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
	}
	raw := binary.BigEndian.Uint32(hdr[:4])
	f.ID = raw & can.CAN_EFF_MASK
	if raw&can.CAN_EFF_FLAG == 0 {
		f.ID &= can.CAN_SFF_MASK
	}
	ln := int(hdr[4] & 0x7F)
	if ln > can.MaxDLC {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.DLC = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
