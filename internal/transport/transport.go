package transport

import (
	"context"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/relay"
)

// BatchEncoder packs a prefix of frames into one payload appended to dst and
// reports how many frames it consumed.
type BatchEncoder interface {
	AppendEncode(dst []byte, frames []can.Frame) ([]byte, int)
}

// BatchDecoder delivers every whole record of payload to onFrame.
type BatchDecoder interface {
	DecodeN(payload []byte, onFrame func(can.Frame)) int
}

// FrameCodec is the full payload codec used by the pump.
type FrameCodec interface {
	BatchEncoder
	BatchDecoder
}

// PayloadSender hands one relay payload to the wireless link. Implementations
// must not retain payload after Send returns.
type PayloadSender interface {
	Send(payload []byte) error
}

// Link is a bidirectional payload-oriented transport between two relay nodes.
// Run blocks delivering received payloads until ctx is cancelled or the link
// fails; onPayload must not retain its argument.
type Link interface {
	PayloadSender
	Run(ctx context.Context, onPayload func([]byte)) error
	Close() error
}

// Compile-time assertions that relay.Codec satisfies the pump's codec surface.
var (
	_ BatchEncoder = relay.Codec{}
	_ BatchDecoder = relay.Codec{}
	_ FrameCodec   = relay.Codec{}
)
