package bridge

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/config"
	"github.com/dreadl0ck/pppbridge/internal/frame"
	"github.com/dreadl0ck/pppbridge/internal/ppp"
	"github.com/dreadl0ck/pppbridge/internal/tcpstack"
	"github.com/dreadl0ck/pppbridge/internal/wire"
)

// loopSerial is an in-memory io.ReadWriteCloser standing in for the
// serial device so tests never touch a real termios fd.
type loopSerial struct {
	out bytes.Buffer
}

func (l *loopSerial) Read(p []byte) (int, error)  { return 0, io.EOF }
func (l *loopSerial) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopSerial) Close() error                { return nil }

func newTestBridge(t *testing.T, role config.Role) (*Bridge, *loopSerial) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Role = role
	cfg.ServiceTable = map[uint16]config.Service{22: {TargetHost: "127.0.0.1", TargetPort: 2222}}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls := &loopSerial{}
	b.serial = ls
	return b, ls
}

// TestSendPPPWritesFramedHeader checks that control packets sent via the
// negotiator land on the wire flag-delimited with the fixed PPP header.
func TestSendPPPWritesFramedHeader(t *testing.T) {
	b, ls := newTestBridge(t, config.RoleHost)

	cp := ppp.ControlPacket{Code: ppp.CodeConfigureRequest, Identifier: 5}
	b.SendPPP(ppp.ProtoLCP, cp)

	dec := frame.NewDecoder()
	frames, _ := dec.PushAll(ls.out.Bytes())
	if len(frames) != 1 {
		t.Fatalf("expected exactly one decoded frame, got %d", len(frames))
	}
	got := frames[0]
	if got[0] != 0xFF || got[1] != 0x03 {
		t.Fatalf("expected PPP address/control header, got % x", got[:2])
	}
	if binary.BigEndian.Uint16(got[2:4]) != ppp.ProtoLCP {
		t.Fatalf("expected LCP protocol field, got %#x", binary.BigEndian.Uint16(got[2:4]))
	}
}

// TestHandleIPDropsUnmatchedHostSYN verifies that a SYN to a port with no
// service table entry never creates a connection and instead elicits the
// RFC-793 CLOSED-state RST (via table.Dispatch's own replyRST path).
func TestHandleIPDropsUnmatchedHostSYN(t *testing.T) {
	b, ls := newTestBridge(t, config.RoleHost)

	data, err := wire.BuildIPv4TCP(wire.BuildParams{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: [4]byte{10, 0, 0, 1},
		SrcPort: 40000, DstPort: 9999,
		Seq: 1000, Flags: wire.Flags{SYN: true}, Window: 65535,
	})
	if err != nil {
		t.Fatalf("build syn: %v", err)
	}

	b.handleIP(data)

	if b.table.Len() != 0 {
		t.Fatalf("expected no connection for an unmapped service port, got %d", b.table.Len())
	}
	if ls.out.Len() == 0 {
		t.Fatalf("expected a CLOSED-state RST to be written to the wire")
	}
}

// TestHandleIPRegistersMappedHostSYN verifies a SYN to a configured
// service port creates a LISTEN-state connection and advances it to
// SYN_RCVD (scenario S2, first half).
func TestHandleIPRegistersMappedHostSYN(t *testing.T) {
	b, _ := newTestBridge(t, config.RoleHost)

	data, err := wire.BuildIPv4TCP(wire.BuildParams{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: [4]byte{10, 0, 0, 1},
		SrcPort: 40000, DstPort: 22,
		Seq: 1000, Flags: wire.Flags{SYN: true}, Window: 65535,
	})
	if err != nil {
		t.Fatalf("build syn: %v", err)
	}

	b.handleIP(data)

	key := tcpstack.FlowKey{
		SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 40000,
		DstIP: [4]byte{10, 0, 0, 1}, DstPort: 22,
	}
	conn, ok := b.table.Get(key)
	if !ok {
		t.Fatalf("expected a connection to be registered for the mapped service")
	}
	if conn.State != tcpstack.StateSynRcvd {
		t.Fatalf("expected SYN_RCVD after the handshake SYN, got %v", conn.State)
	}
}

// TestConnClosedReleasesSyntheticPort exercises the client-mode ConnClosed
// hook's forwarder release path without needing a real local listener.
func TestConnClosedReleasesSyntheticPort(t *testing.T) {
	b, _ := newTestBridge(t, config.RoleClient)

	key := tcpstack.FlowKey{
		SrcIP: b.cfg.RemoteIP, SrcPort: 22,
		DstIP: b.cfg.LocalIP, DstPort: 30000,
	}
	conn := b.table.NewActive(key)

	// Must not panic even though this connection was never registered
	// with the forwarder's pending map.
	b.ConnClosed(conn)
}

// TestRealHooksRSTTeardownDoesNotDeadlock drives an RST teardown through
// Table.Dispatch using the bridge's own Hooks implementation, rather than a
// test fake, so the ConnClosed -> Conn.RetransmitCountLocked path is
// actually exercised while Dispatch holds the connection's lock.
func TestRealHooksRSTTeardownDoesNotDeadlock(t *testing.T) {
	b, _ := newTestBridge(t, config.RoleHost)

	key := tcpstack.FlowKey{
		SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 40000,
		DstIP: [4]byte{10, 0, 0, 1}, DstPort: 22,
	}
	c := b.table.NewPassive(key)
	c.State = tcpstack.StateEstablished

	rst := &wire.Segment{SrcIP: key.SrcIP, SrcPort: key.SrcPort, DstIP: key.DstIP, DstPort: key.DstPort,
		Seq: 1000, Ack: 1, Flags: wire.Flags{RST: true}, Window: 65535}

	done := make(chan error, 1)
	go func() { done <- b.table.Dispatch(rst) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch deadlocked delivering RST teardown through the real bridge Hooks")
	}

	if _, ok := b.table.Get(key); ok {
		t.Fatalf("expected connection removed after RST teardown")
	}
}

// TestRealHooksRetransmitExhaustionDoesNotDeadlock implements scenario S5
// against the real bridge Hooks: a segment that is never acked exhausts
// its retransmits and the resulting abort()->Remove()->ConnClosed chain
// (running under Tick's held conn lock) must not self-deadlock.
func TestRealHooksRetransmitExhaustionDoesNotDeadlock(t *testing.T) {
	b, _ := newTestBridge(t, config.RoleHost)

	data, err := wire.BuildIPv4TCP(wire.BuildParams{
		SrcIP: [4]byte{10, 0, 0, 2}, DstIP: [4]byte{10, 0, 0, 1},
		SrcPort: 40001, DstPort: 22,
		Seq: 1000, Flags: wire.Flags{SYN: true}, Window: 65535,
	})
	if err != nil {
		t.Fatalf("build syn: %v", err)
	}
	b.handleIP(data)

	key := tcpstack.FlowKey{
		SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 40001,
		DstIP: [4]byte{10, 0, 0, 1}, DstPort: 22,
	}
	if _, ok := b.table.Get(key); !ok {
		t.Fatalf("expected a connection in SYN_RCVD with a SYN/ACK pending retransmission")
	}

	done := make(chan struct{})
	go func() {
		now := time.Now()
		for i := 0; i < 7; i++ {
			now = now.Add(70 * time.Second)
			b.table.Tick(now)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick deadlocked during retransmit-exhaustion teardown through the real bridge Hooks")
	}

	if _, ok := b.table.Get(key); ok {
		t.Fatalf("expected connection removed after exhausting retransmits")
	}
}
