package can

import "fmt"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDLC is the largest data length of a classic CAN frame.
const MaxDLC = 8

// Frame is a classic CAN frame as it travels through the relay.
// ID carries the bare identifier (no SocketCAN flag bits) and may hold up to
// 29 bits. Only the first DLC bytes of Data are meaningful, but all eight are
// carried verbatim.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// Valid reports whether the frame satisfies DLC <= 8 and fits in 29 bits.
func (f Frame) Valid() bool { return f.DLC <= MaxDLC && f.ID <= CAN_EFF_MASK }

// Standard reports whether the identifier fits the 11-bit standard range.
func (f Frame) Standard() bool { return f.ID <= CAN_SFF_MASK }

// Payload returns the meaningful data bytes (clamped to 8).
func (f *Frame) Payload() []byte {
	n := f.DLC
	if n > MaxDLC {
		n = MaxDLC
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X#% X", f.ID, f.Payload())
}

// New builds a frame from id and data; data beyond 8 bytes is cut off.
func New(id uint32, data ...byte) Frame {
	var f Frame
	f.ID = id
	n := copy(f.Data[:], data)
	f.DLC = uint8(n)
	return f
}
