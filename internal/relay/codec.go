// Package relay packs CAN frames into fixed-size records for the wireless link.
package relay

import (
	"encoding/binary"

	"github.com/kstaniek/can-relay/internal/can"
)

// Wire layout of one record:
//
//	0..1  CAN ID, little-endian, low 16 bits
//	2     DLC (0..8)
//	3..10 data, all eight bytes copied verbatim
const (
	RecordSize = 11
	MaxPayload = 250
	MaxRecords = MaxPayload / RecordSize // 22
)

// Codec converts between frame batches and relay payloads. Stateless and safe
// for concurrent use.
type Codec struct{}

// PutRecord writes one record for f into b, which must hold RecordSize bytes.
// A DLC above 8 is written as 8.
func PutRecord(b []byte, f can.Frame) {
	_ = b[RecordSize-1]
	binary.LittleEndian.PutUint16(b[0:2], uint16(f.ID))
	dlc := f.DLC
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	b[2] = dlc
	copy(b[3:RecordSize], f.Data[:])
}

// ReadRecord parses one record from b, which must hold RecordSize bytes.
// A DLC above 8 is clamped to 8; the data bytes are kept as received.
func ReadRecord(b []byte) can.Frame {
	_ = b[RecordSize-1]
	var f can.Frame
	f.ID = uint32(binary.LittleEndian.Uint16(b[0:2]))
	f.DLC = b[2]
	if f.DLC > can.MaxDLC {
		f.DLC = can.MaxDLC
	}
	copy(f.Data[:], b[3:RecordSize])
	return f
}

// AppendEncode appends records for frames to dst, taking frames from the
// front until the next record would push the payload past MaxPayload bytes.
// Only the bytes appended by this call count against the limit. It returns the
// extended buffer and how many frames were consumed.
func (Codec) AppendEncode(dst []byte, frames []can.Frame) ([]byte, int) {
	n := min(len(frames), MaxRecords)
	if n == 0 {
		return dst, 0
	}
	start := len(dst)
	dst = append(dst, make([]byte, n*RecordSize)...)
	for i := 0; i < n; i++ {
		off := start + i*RecordSize
		PutRecord(dst[off:off+RecordSize], frames[i])
	}
	return dst, n
}

// Encode packs as many frames as fit into one payload. The caller must not
// offer the consumed frames again.
func (c Codec) Encode(frames []can.Frame) ([]byte, int) {
	if len(frames) == 0 {
		return nil, 0
	}
	return c.AppendEncode(make([]byte, 0, min(len(frames), MaxRecords)*RecordSize), frames)
}

// DecodeN calls onFrame for every whole record in payload and returns the
// number of frames delivered. Trailing bytes that do not form a whole record
// are ignored.
func (Codec) DecodeN(payload []byte, onFrame func(can.Frame)) int {
	n := len(payload) / RecordSize
	for i := 0; i < n; i++ {
		off := i * RecordSize
		onFrame(ReadRecord(payload[off : off+RecordSize]))
	}
	return n
}

// Decode returns the frames carried by payload in wire order.
func (c Codec) Decode(payload []byte) []can.Frame {
	n := len(payload) / RecordSize
	if n == 0 {
		return nil
	}
	out := make([]can.Frame, 0, n)
	c.DecodeN(payload, func(f can.Frame) { out = append(out, f) })
	return out
}

// Trailing returns how many bytes at the end of payload Decode will discard.
func Trailing(payload []byte) int { return len(payload) % RecordSize }
