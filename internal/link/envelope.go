package link

import (
	"bytes"

	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/relay"
)

// Radio modem framing:
//
//	[0x2D, 0xD5, len+1, payload..., checksum]
//	checksum = 0x2D + (len+1) + sum(payload)  (mod 256)
const (
	pre0 = 0x2D
	pre1 = 0xD5

	minLn = 1 + 1                // one payload byte + checksum
	maxLn = relay.MaxPayload + 1 // 251
)

var preamble = []byte{pre0, pre1}

// Envelope frames relay payloads for a byte-stream radio modem.
type Envelope struct{}

// Encode wraps payload; the caller guarantees 1..250 bytes.
func (Envelope) Encode(payload []byte) []byte {
	n := len(payload)
	frame := make([]byte, n+4)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)
	sum := frame[2] + pre0
	for i, b := range payload {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// CompactBuffer reclaims consumed prefix capacity when the buffer grew large
// relative to its unread bytes. It reports whether compaction happened.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// DecodeStream consumes complete envelopes from in and hands each payload to
// out. The slice passed to out is only valid during the call. Bad lengths and
// checksums are counted as malformed and skipped one byte at a time until
// the stream realigns on a preamble. Incomplete envelopes stay in in.
func (Envelope) DecodeStream(in *bytes.Buffer, out func([]byte)) {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, preamble)
		if i < 0 {
			// keep the last byte in case it is the first preamble byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		out(data[3 : req-1])
		in.Next(req)
	}
}
