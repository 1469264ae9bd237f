package wire

import (
	"testing"

	"github.com/go-test/deep"
)

func TestBuildParseRoundTrip(t *testing.T) {
	mss := uint16(1460)
	params := BuildParams{
		SrcIP:            [4]byte{10, 0, 0, 1},
		DstIP:            [4]byte{10, 0, 0, 2},
		SrcPort:          22,
		DstPort:          54321,
		Seq:              1000,
		Ack:              2000,
		Flags:            Flags{SYN: true, ACK: true},
		Window:           65535,
		IPIdentification: 7,
		MSS:              &mss,
		Payload:          []byte("hello"),
	}

	raw, err := BuildIPv4TCP(params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	seg, err := ParseIPv4TCP(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if seg.SrcIP != params.SrcIP || seg.DstIP != params.DstIP {
		t.Fatalf("ip mismatch: %+v", seg)
	}
	if seg.SrcPort != params.SrcPort || seg.DstPort != params.DstPort {
		t.Fatalf("port mismatch: %+v", seg)
	}
	if seg.Seq != params.Seq || seg.Ack != params.Ack {
		t.Fatalf("seq/ack mismatch: %+v", seg)
	}
	if !seg.Flags.SYN || !seg.Flags.ACK || seg.Flags.FIN || seg.Flags.RST {
		t.Fatalf("flags mismatch: %+v", seg.Flags)
	}
	if seg.Options.MSS == nil || *seg.Options.MSS != mss {
		t.Fatalf("mss option mismatch: %+v", seg.Options)
	}
	if string(seg.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", seg.Payload)
	}
}

func TestCorruptChecksumDropped(t *testing.T) {
	raw, err := BuildIPv4TCP(BuildParams{
		SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2},
		SrcPort: 1, DstPort: 2, Seq: 1, Ack: 1,
		Flags: Flags{ACK: true}, Window: 1024,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Flip a payload-adjacent byte to invalidate the TCP checksum without
	// touching header fields the IP checksum covers.
	raw[len(raw)-1] ^= 0xFF

	if _, err := ParseIPv4TCP(raw); err == nil {
		t.Fatalf("expected checksum error, got nil")
	}
}

func TestNonTCPProtocolRejected(t *testing.T) {
	raw, err := BuildIPv4TCP(BuildParams{
		SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2},
		SrcPort: 1, DstPort: 2, Seq: 1, Ack: 1, Flags: Flags{ACK: true},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw[9] = 17 // UDP
	if diff := deep.Equal(raw[9], byte(17)); diff != nil {
		t.Fatalf("test setup broken: %v", diff)
	}
	if _, err := ParseIPv4TCP(raw); err == nil {
		t.Fatalf("expected protocol error for non-TCP datagram")
	}
}
