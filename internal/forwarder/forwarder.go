// Package forwarder implements the client-mode port forwarder described
// in spec.md §4.G: for each configured (local_port, remote_port) pair it
// listens locally, and for every inbound socket it allocates a synthetic
// source port, injects a SYN into the shared TCP state machine, and once
// that flow reaches ESTABLISHED bridges it exactly like a host-mode
// service connection (internal/proxy), just with the roles of "native
// socket" and "peer" swapped.
//
// Grounded on other_examples' telepresence pkg/vif/tcp-handler.go active
// open/dial path; the correlation id used in logs comes from the same
// rs/xid dependency the teacher already pulls in for flow ids.
package forwarder

import (
	"net"
	"strconv"
	"sync"

	"github.com/dreadl0ck/pppbridge/internal/config"
	"github.com/dreadl0ck/pppbridge/internal/proxy"
	"github.com/dreadl0ck/pppbridge/internal/tcpstack"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

const (
	synthPortLow  = 30000
	synthPortHigh = 60000
)

// Forwarder owns the client-mode local listeners and the synthetic port
// pool backing them.
type Forwarder struct {
	table    *tcpstack.Table
	localIP  [4]byte
	remoteIP [4]byte

	mu       sync.Mutex
	used     map[uint16]bool
	lastPort uint32

	pending   sync.Map // tcpstack.FlowKey -> net.Conn, sockets awaiting ESTABLISHED
	listeners []net.Listener
}

// New builds a Forwarder bound to table. Start must be called once IPCP
// reaches OPENED (§4.H subtask iii).
func New(table *tcpstack.Table, localIP, remoteIP [4]byte) *Forwarder {
	return &Forwarder{
		table:    table,
		localIP:  localIP,
		remoteIP: remoteIP,
		used:     map[uint16]bool{},
		lastPort: synthPortLow - 1,
	}
}

// Start spawns one accept loop per configured forward. It returns
// immediately; listeners run until the process exits (there is no
// explicit per-listener shutdown in spec.md — the bridge closes the
// whole process on session teardown).
func (f *Forwarder) Start(forwards map[uint16]config.PortForward) error {
	for localPort, fwd := range forwards {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(localPort))))
		if err != nil {
			return err
		}
		f.listeners = append(f.listeners, ln)
		go f.acceptLoop(ln, fwd.RemotePort)
	}
	return nil
}

func (f *Forwarder) acceptLoop(ln net.Listener, remotePort uint16) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			xlog.Forwarder.Warnf("accept on %s stopped: %v", ln.Addr(), err)
			return
		}
		f.handleAccepted(conn, remotePort)
	}
}

func (f *Forwarder) handleAccepted(local net.Conn, remotePort uint16) {
	port, err := f.allocatePort()
	if err != nil {
		xlog.Forwarder.Errorf("no synthetic ports available, dropping connection from %s", local.RemoteAddr())
		local.Close()
		return
	}

	key := tcpstack.FlowKey{
		SrcIP: f.remoteIP, SrcPort: remotePort,
		DstIP: f.localIP, DstPort: port,
	}
	c := f.table.NewActive(key)
	f.pending.Store(key, local)

	xlog.Forwarder.Infof("%s: forwarding 127.0.0.1:%d -> synthetic port %d -> remote port %d",
		c.ID, localListenPort(local), port, remotePort)

	f.table.OpenActive(c)
}

// OnEstablished is the Established hook the bridge wires into the TCP
// table (§5 ordering guarantee 4 adapted for active opens: setup runs
// exactly once, the moment the handshake completes rather than on first
// inbound data, since the native socket is already open). It is a no-op
// for connections this forwarder did not originate.
func (f *Forwarder) OnEstablished(c *tcpstack.Conn) {
	v, ok := f.pending.LoadAndDelete(c.Key)
	if !ok {
		return
	}
	local := v.(net.Conn)

	// Established is a tcpstack.Hooks callback: the dispatch loop already
	// holds c's lock here (see the Hooks doc comment in tcpstack/table.go),
	// so fields are set directly rather than through Conn.Lock/Unlock.
	c.ProxyActive = true
	c.ProxyData = make(chan []byte, 64)
	c.ProxyDone = make(chan struct{})

	go proxy.Run(f.table, c, proxy.DialExisting(local))
}

// Forget drops a pending socket that never reached ESTABLISHED (the
// handshake timed out or was refused), closing it so we don't leak fds.
func (f *Forwarder) Forget(key tcpstack.FlowKey) {
	if v, ok := f.pending.LoadAndDelete(key); ok {
		v.(net.Conn).Close()
	}
}

func (f *Forwarder) allocatePort() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	span := uint32(synthPortHigh - synthPortLow + 1)
	for i := uint32(0); i < span; i++ {
		candidate := synthPortLow + (f.lastPort+1-synthPortLow+i)%span
		p := uint16(candidate)
		if !f.used[p] {
			f.used[p] = true
			f.lastPort = candidate
			return p, nil
		}
	}
	return 0, errNoSyntheticPorts
}

// Release returns a synthetic port to the pool once its flow is reaped.
func (f *Forwarder) Release(port uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.used, port)
}

func localListenPort(conn net.Conn) string {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return strconv.Itoa(tcp.Port)
	}
	return "?"
}

var errNoSyntheticPorts = &portPoolError{}

type portPoolError struct{}

func (*portPoolError) Error() string { return "synthetic port pool exhausted" }
