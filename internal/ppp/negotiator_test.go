package ppp

import (
	"testing"
)

type fakeSender struct {
	sent []struct {
		protocol uint16
		cp       ControlPacket
	}
}

func (f *fakeSender) SendPPP(protocol uint16, cp ControlPacket) {
	f.sent = append(f.sent, struct {
		protocol uint16
		cp       ControlPacket
	}{protocol, cp})
}

func (f *fakeSender) last() ControlPacket {
	return f.sent[len(f.sent)-1].cp
}

// TestLCPIPCPUp implements scenario S1: serial injects a well-formed
// client Configure-Request (magic=0xDEADBEEF, MRU=1500); expect
// Configure-Ack, then our Configure-Request, then upon Ack -> OPENED.
func TestLCPIPCPUp(t *testing.T) {
	sender := &fakeSender{}
	link := NewLink(true /* isServer (host) */, 1500, 0xAAAAAAAA, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, sender)
	link.Start()

	if link.LCP.State() != StateStarting {
		t.Fatalf("expected server LCP to start in STARTING, got %v", link.LCP.State())
	}

	clientReq := ControlPacket{
		Code:       CodeConfigureRequest,
		Identifier: 1,
		Options: []Option{
			{Type: OptMagic, Value: be32(0xDEADBEEF)},
			{Type: OptMRU, Value: be16(1500)},
		},
	}
	link.LCP.Receive(clientReq)

	if len(sender.sent) < 2 {
		t.Fatalf("expected an Ack and our own Request, got %d sends", len(sender.sent))
	}
	ack := sender.sent[0].cp
	if ack.Code != CodeConfigureAck || ack.Identifier != 1 {
		t.Fatalf("expected Configure-Ack id=1, got %+v", ack)
	}
	ourReq := sender.sent[1].cp
	if ourReq.Code != CodeConfigureRequest {
		t.Fatalf("expected our own Configure-Request, got %+v", ourReq)
	}
	if link.LCP.State() != StateAckSent {
		t.Fatalf("expected ACK_SENT after acking peer + sending ours, got %v", link.LCP.State())
	}

	// Peer acks our request.
	link.LCP.Receive(ControlPacket{Code: CodeConfigureAck, Identifier: ourReq.Identifier})
	if link.LCP.State() != StateOpened {
		t.Fatalf("expected LCP OPENED, got %v", link.LCP.State())
	}
	if link.IPCP.State() == StateInitial {
		t.Fatalf("expected IPCP auto-started after LCP opened")
	}

	// Now drive IPCP the same way.
	ipcpReq := ControlPacket{
		Code:       CodeConfigureRequest,
		Identifier: 1,
		Options:    []Option{{Type: OptIPAddress, Value: []byte{10, 0, 0, 2}}},
	}
	link.IPCP.Receive(ipcpReq)

	var lastIPCPReq ControlPacket
	for _, s := range sender.sent {
		if s.protocol == ProtoIPCP && s.cp.Code == CodeConfigureRequest {
			lastIPCPReq = s.cp
		}
	}
	link.IPCP.Receive(ControlPacket{Code: CodeConfigureAck, Identifier: lastIPCPReq.Identifier})

	if !link.Ready() {
		t.Fatalf("expected both LCP and IPCP OPENED, lcp=%v ipcp=%v", link.LCP.State(), link.IPCP.State())
	}
}

// TestEchoReply implements scenario S6.
func TestEchoReply(t *testing.T) {
	sender := &fakeSender{}
	n := NewLCP(false, 1500, 0x11223344, sender)
	n.state = StateOpened

	n.Receive(ControlPacket{Code: CodeEchoRequest, Identifier: 7, RawData: be32(0x01020304)})

	reply := sender.last()
	if reply.Code != CodeEchoReply || reply.Identifier != 7 {
		t.Fatalf("expected Echo-Reply id=7, got %+v", reply)
	}
	if len(reply.RawData) != 4 {
		t.Fatalf("expected 4-byte magic payload, got %v", reply.RawData)
	}
}

func TestMagicCollisionNaks(t *testing.T) {
	sender := &fakeSender{}
	n := NewLCP(true, 1500, 0xAAAAAAAA, sender)
	n.Start()

	n.Receive(ControlPacket{
		Code:       CodeConfigureRequest,
		Identifier: 1,
		Options:    []Option{{Type: OptMagic, Value: be32(0xAAAAAAAA)}},
	})

	resp := sender.sent[0].cp
	if resp.Code != CodeConfigureNak {
		t.Fatalf("expected Configure-Nak on magic collision, got %+v", resp)
	}
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func be16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
