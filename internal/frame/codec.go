// Package frame implements the HDLC-style async framing and byte-stuffing
// described in spec.md §4.A: frames delimited by 0x7E, with 0x7E/0x7D
// escaped inside a frame as 0x7D followed by the original byte XORed with
// 0x20. No FCS is computed or validated — this is an explicit spec
// decision (§9 note 1), not an oversight here.
package frame

import "github.com/dreadl0ck/pppbridge/internal/bridgeerr"

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	escapeXOR  = 0x20
)

// Decoder turns a stream of raw serial bytes into discrete frames. Its
// lifetime equals the serial session (§3 "Frame buffer").
type Decoder struct {
	buf     []byte
	inFrame bool
	escaped bool
}

// NewDecoder returns a fresh Decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push feeds one raw byte into the decoder. It returns a non-nil frame
// slice whenever a complete, non-empty frame was just closed by a flag
// byte. The returned slice is owned by the caller (a fresh copy). A
// malformed escape sequence (0x7D followed by 0x7E) aborts the current
// frame as a FramingError and resynchronises on the next flag byte.
func (d *Decoder) Push(b byte) ([]byte, error) {
	switch {
	case b == flagByte:
		if d.escaped {
			// 0x7D immediately followed by 0x7E: malformed escape.
			d.buf = d.buf[:0]
			d.inFrame = false
			d.escaped = false
			return nil, bridgeerr.New(bridgeerr.Framing, "escaped flag byte", nil)
		}
		if d.inFrame && len(d.buf) > 0 {
			out := make([]byte, len(d.buf))
			copy(out, d.buf)
			d.buf = d.buf[:0]
			d.inFrame = false
			d.escaped = false
			return out, nil
		}
		// Empty frame (e.g. consecutive flags) or a flag seen before any
		// frame was opened: (re)start a new empty buffer.
		d.buf = d.buf[:0]
		d.inFrame = true
		d.escaped = false
		return nil, nil

	case !d.inFrame:
		// Bytes seen outside a frame are noise (e.g. line turn-on garbage);
		// ignore them, as a bare flag is required to start a frame.
		return nil, nil

	case d.escaped:
		d.escaped = false
		d.buf = append(d.buf, b^escapeXOR)
		return nil, nil

	case b == escapeByte:
		d.escaped = true
		return nil, nil

	default:
		d.buf = append(d.buf, b)
		return nil, nil
	}
}

// PushAll feeds a whole chunk of raw bytes and returns every frame
// completed by it, in order. A framing error on one malformed frame does
// not stop processing of subsequent bytes.
func (d *Decoder) PushAll(data []byte) ([][]byte, []error) {
	var frames [][]byte
	var errs []error
	for _, b := range data {
		f, err := d.Push(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, errs
}

// Encode wraps payload with leading/trailing flag bytes, escaping any
// 0x7E/0x7D bytes found inside it.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2+8)
	out = append(out, flagByte)
	for _, b := range payload {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXOR)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, flagByte)
	return out
}
