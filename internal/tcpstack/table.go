package tcpstack

import (
	"sync"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/wire"
)

// Hooks lets tcpstack call back into the rest of the bridge without
// importing it (avoiding an import cycle with internal/proxy and
// internal/bridge). Hook methods are invoked with the affected Conn's
// lock already held (Dispatch and Tick from the bridge's dispatch loop;
// Abort, Close, TrySend and OpenActive from proxy or forwarder
// goroutines) — a Hooks implementation must never call back into a
// method that locks that same Conn, on pain of self-deadlock. Two paths
// call without the lock: AbortAll, which runs during session teardown
// with no concurrent dispatch, and Tick's TIME_WAIT expiry, which
// releases c's lock before Remove invokes ConnClosed.
type Hooks interface {
	// Send transmits one egress TCP segment for conn toward the peer.
	Send(conn *Conn, seg wire.BuildParams)
	// SendRaw transmits a segment with no associated Conn (the RST sent
	// in reply to a segment addressed to a port/flow the table has never
	// heard of, per RFC 793's CLOSED-state handling).
	SendRaw(seg wire.BuildParams)
	// OpenProxy is called exactly once per connection, on the first
	// in-order data event (§4.D step 4.1, §5 ordering guarantee 4). It
	// must arrange for conn.ProxyData/ProxyDone to be ready for use.
	OpenProxy(conn *Conn)
	// ShutdownProxy signals proxy teardown for conn (idempotent).
	ShutdownProxy(conn *Conn)
	// ConnClosed is called once, when conn leaves the table entirely
	// (after TIME_WAIT or immediate abort), for audit/metrics.
	ConnClosed(conn *Conn)
	// Established is called once per connection, the moment it reaches
	// ESTABLISHED. Passive (host-mode) flows already have their proxy
	// opened via OpenProxy on the first data byte and ignore this; the
	// client forwarder (§4.G) uses it to start bridging immediately,
	// since its native socket is already open before the handshake ever
	// begins.
	Established(conn *Conn)
	// Retransmit is called once per segment resend, whether triggered by
	// the RTO timer or by fast recovery's third-duplicate-ACK retransmit
	// (§6 "Emitted observations": retransmits).
	Retransmit(conn *Conn)
}

// Table is the connection table plus its timer wheel for one serial
// session (§3 "Timers", §5 "Shared-resource policy": the table is owned
// by the bridge/scheduler).
type Table struct {
	mu    sync.Mutex
	conns map[FlowKey]*Conn

	Timers *Timers
	Hooks  Hooks

	maxRetransmits  int
	timeWait        time.Duration
	localMSS        uint16
	initialCwnd     uint32
	initialSsthresh uint32
}

// NewTable builds an empty connection table. initialCwnd/initialSsthresh
// seed every connection's congestion state (§6 config surface "TCP initial
// cwnd, ssthresh"); either may be left 0 to fall back to the §4.D defaults
// (one MSS / 64 KiB).
func NewTable(hooks Hooks, maxRetransmits int, timeWait time.Duration, localMSS uint16, initialCwnd, initialSsthresh uint32) *Table {
	return &Table{
		conns:           map[FlowKey]*Conn{},
		Timers:          NewTimers(),
		Hooks:           hooks,
		maxRetransmits:  maxRetransmits,
		timeWait:        timeWait,
		localMSS:        localMSS,
		initialCwnd:     initialCwnd,
		initialSsthresh: initialSsthresh,
	}
}

// Get returns the connection for key, if any.
func (t *Table) Get(key FlowKey) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[key]
	return c, ok
}

// NewPassive registers a fresh LISTEN-state connection for key, replacing
// any existing entry — the bridge calls it for an unmatched SYN to a
// mapped service port, so no Conn is pre-registered per possible peer port.
func (t *Table) NewPassive(key FlowKey) *Conn {
	c := newConn(key, t.maxRetransmits, t.initialCwnd, t.initialSsthresh)
	c.State = StateListen
	c.mss = t.localMSS
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()
	return c
}

// NewActive creates a connection this side is originating (client
// forwarder, §4.G).
func (t *Table) NewActive(key FlowKey) *Conn {
	c := newConn(key, t.maxRetransmits, t.initialCwnd, t.initialSsthresh)
	c.activeOpener = true
	c.mss = t.localMSS
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()
	return c
}

// Remove deletes key from the table and cancels its timers.
func (t *Table) Remove(key FlowKey) {
	t.mu.Lock()
	c, ok := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()
	t.Timers.CancelAll(key)
	if ok && t.Hooks != nil {
		t.Hooks.ConnClosed(c)
	}
}

// Range calls f for every live connection. f must not mutate the table.
func (t *Table) Range(f func(*Conn)) {
	t.mu.Lock()
	snapshot := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}
	t.mu.Unlock()
	for _, c := range snapshot {
		f(c)
	}
}

// Len reports the number of live connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// AbortAll sends RST to every live flow and removes it (bridge shutdown,
// §4.H "close all open TCP proxy flows with RST").
func (t *Table) AbortAll() {
	t.Range(func(c *Conn) {
		t.sendRST(c)
		t.Hooks.ShutdownProxy(c)
		t.Remove(c.Key)
	})
}
