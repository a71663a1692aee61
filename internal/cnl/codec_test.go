package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/can-relay/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.ID = id & can.CAN_EFF_MASK
	n = max(0, min(n, 8))
	f.DLC = uint8(n)
	_, _ = rand.Read(f.Data[:n])
	return f
}

func TestCNLCodec_WireLayout(t *testing.T) {
	got := Codec{}.Encode([]can.Frame{
		can.New(0x045, 0x12, 0x34),
		can.New(0x12345, 0xFF),
	})
	want := []byte{
		0x00, 0x00, 0x00, 0x45, 0x02, 0x12, 0x34,
		0x80, 0x01, 0x23, 0x45, 0x01, 0xFF,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire mismatch\n got  % X\n want % X", got, want)
	}
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F5, 6),
		mkFrame(0x12345, 0),
	}

	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if err != io.EOF && err != nil { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d mismatch: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
	if n, err := codec.EncodeTo(&buf, nil); n != 0 || err != nil {
		t.Fatalf("empty EncodeTo: n=%d err=%v", n, err)
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	// length high bit masked -> 0x09 => 9 (>8)
	bad := bytes.NewReader([]byte{0, 0, 0, 1, 0x89})
	if _, err := codec.Decode(bad); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	trunc := bytes.NewReader([]byte{0, 0, 0, 2, 0x05, 1, 2, 3})
	if _, err := codec.Decode(trunc); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}

	noLen := bytes.NewReader([]byte{0, 0, 0, 2})
	if _, err := codec.Decode(noLen); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame for missing length, got %v", err)
	}

	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF at boundary, got %v", err)
	}
}
