package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/tcpstack"
	"github.com/dreadl0ck/pppbridge/internal/wire"
)

type recordingHooks struct {
	sent      []wire.BuildParams
	shutdowns chan *tcpstack.Conn
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{shutdowns: make(chan *tcpstack.Conn, 4)}
}

func (h *recordingHooks) Send(c *tcpstack.Conn, seg wire.BuildParams) { h.sent = append(h.sent, seg) }
func (h *recordingHooks) SendRaw(seg wire.BuildParams)                {}
func (h *recordingHooks) OpenProxy(c *tcpstack.Conn)                  {}
func (h *recordingHooks) ShutdownProxy(c *tcpstack.Conn)              { h.shutdowns <- c; c.CloseProxyDone() }
func (h *recordingHooks) ConnClosed(c *tcpstack.Conn)                 {}
func (h *recordingHooks) Established(c *tcpstack.Conn)                {}
func (h *recordingHooks) Retransmit(c *tcpstack.Conn)                 {}

var key = tcpstack.FlowKey{
	SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 1234,
	DstIP: [4]byte{10, 0, 0, 1}, DstPort: 80,
}

func newEstablishedConn(table *tcpstack.Table) *tcpstack.Conn {
	c := table.NewPassive(key)

	// Complete a handshake so the peer's advertised window is recorded;
	// with a zero send window TrySend never transmits anything.
	hooks := table.Hooks.(*recordingHooks)
	table.Dispatch(&wire.Segment{SrcIP: key.SrcIP, SrcPort: key.SrcPort, DstIP: key.DstIP, DstPort: key.DstPort,
		Seq: 1000, Flags: wire.Flags{SYN: true}, Window: 65535})
	synack := hooks.sent[len(hooks.sent)-1]
	table.Dispatch(&wire.Segment{SrcIP: key.SrcIP, SrcPort: key.SrcPort, DstIP: key.DstIP, DstPort: key.DstPort,
		Seq: 1001, Ack: synack.Seq + 1, Flags: wire.Flags{ACK: true}, Window: 65535})
	hooks.sent = nil

	c.Lock()
	c.State = tcpstack.StateEstablished
	c.ProxyActive = true
	c.ProxyData = make(chan []byte, 8)
	c.ProxyDone = make(chan struct{})
	c.Unlock()
	return c
}

// TestRunRelaysBothDirections pipes bytes through a fake native socket in
// both directions and checks each side sees what the other sent.
func TestRunRelaysBothDirections(t *testing.T) {
	hooks := newRecordingHooks()
	table := tcpstack.NewTable(hooks, 6, 240*time.Second, 1460, 0, 0)
	conn := newEstablishedConn(table)

	serviceSide, peerSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		Run(table, conn, DialExisting(serviceSide))
		close(done)
	}()

	conn.ProxyData <- []byte("from peer")
	buf := make([]byte, 32)
	peerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := peerSide.Read(buf)
	if err != nil {
		t.Fatalf("expected relayed bytes on native socket, got err: %v", err)
	}
	if string(buf[:n]) != "from peer" {
		t.Fatalf("expected 'from peer', got %q", buf[:n])
	}

	if _, err := peerSide.Write([]byte("from service")); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for len(hooks.sent) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a segment to be sent toward the peer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	last := hooks.sent[len(hooks.sent)-1]
	if string(last.Payload) != "from service" {
		t.Fatalf("expected payload 'from service', got %q", last.Payload)
	}

	peerSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after native socket closed")
	}
}

// TestServiceEOFSendsFIN confirms a graceful service-side EOF drives an
// active close rather than an RST (§9 REDESIGN FLAGS item 4).
func TestServiceEOFSendsFIN(t *testing.T) {
	hooks := newRecordingHooks()
	table := tcpstack.NewTable(hooks, 6, 240*time.Second, 1460, 0, 0)
	conn := newEstablishedConn(table)

	serviceSide, peerSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		Run(table, conn, DialExisting(serviceSide))
		close(done)
	}()

	peerSide.Close() // service side now reads io.EOF

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after service EOF")
	}

	conn.Lock()
	state := conn.State
	conn.Unlock()
	if state != tcpstack.StateFinWait1 {
		t.Fatalf("expected FIN_WAIT_1 after graceful service EOF, got %s", state)
	}
}

func TestDialFailureAbortsConnection(t *testing.T) {
	hooks := newRecordingHooks()
	table := tcpstack.NewTable(hooks, 6, 240*time.Second, 1460, 0, 0)
	conn := newEstablishedConn(table)

	Run(table, conn, func() (net.Conn, error) { return nil, io.ErrClosedPipe })

	select {
	case got := <-hooks.shutdowns:
		if got != conn {
			t.Fatalf("expected shutdown for the same connection")
		}
	default:
		t.Fatalf("expected ShutdownProxy to be called on dial failure")
	}
	if _, ok := table.Get(key); ok {
		t.Fatalf("expected connection removed from table after dial failure")
	}
}
