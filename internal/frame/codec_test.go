package frame

import (
	"bytes"
	"testing"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{0x7E, 0x7D, 0xFF, 0x00},
		{},
		{0x7E},
		{0x7D},
	}

	for _, p := range payloads {
		d := NewDecoder()
		encoded := Encode(p)

		// Feed two encoded copies back-to-back (each carries its own
		// leading and trailing flag); both must decode independently.
		// An empty payload encodes to a bare flag pair, which the decoder
		// ignores like any other empty frame.
		var stream []byte
		stream = append(stream, encoded...)
		stream = append(stream, encoded...)

		want := 2
		if len(p) == 0 {
			want = 0
		}

		frames, errs := d.PushAll(stream)
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(frames) != want {
			t.Fatalf("expected %d frames, got %d: %v", want, len(frames), frames)
		}
		for _, f := range frames {
			if !bytes.Equal(f, p) {
				t.Fatalf("round trip mismatch: got %v want %v", f, p)
			}
		}
	}
}

func TestNoUnescapedFlagOrEscapeInsideFrame(t *testing.T) {
	payload := []byte{0x7E, 0x7D, 0x41, 0x7E, 0x7D}
	encoded := Encode(payload)
	inner := encoded[1 : len(encoded)-1]
	for _, b := range inner {
		if b == 0x7E {
			t.Fatalf("unescaped flag byte inside frame: %v", inner)
		}
	}
}

func TestMalformedEscapeResyncs(t *testing.T) {
	d := NewDecoder()

	// Start a frame, emit a malformed escape (0x7D 0x7E), then a clean
	// frame; decoder must resynchronise on the following flag.
	stream := []byte{0x7E, 0x01, 0x7D, 0x7E}
	stream = append(stream, Encode([]byte{0xAA, 0xBB})...)

	frames, errs := d.PushAll(stream)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one framing error, got %d: %v", len(errs), errs)
	}
	if be, ok := errs[0].(*bridgeerr.Error); !ok || be.Kind != bridgeerr.Framing {
		t.Fatalf("expected FramingError, got %v", errs[0])
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0xAA, 0xBB}) {
		t.Fatalf("expected resync to recover next frame, got %v", frames)
	}
}

func TestEmptyFramesBetweenFlagsAreIgnored(t *testing.T) {
	d := NewDecoder()
	// 7E 7E 7E should not produce any frames (two empty frames).
	frames, errs := d.PushAll([]byte{0x7E, 0x7E, 0x7E})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames from empty flag run, got %v", frames)
	}
}
