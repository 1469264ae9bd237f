// Package tcpstack implements the RFC-793-style TCP state machine
// described in spec.md §4.D: per-connection state, RFC 6298 RTT/RTO,
// NewReno congestion control, an ordered retransmit queue, an
// out-of-order reassembly buffer, and the connection table that indexes
// all of it.
//
// Grounded on other_examples' telepresence pkg/vif/tcp-handler.go (state
// enum + retransmit queueElement linked list + window back-pressure) and
// soypat/lneto tcp-control.go (RTT/cwnd field shapes); the connection
// table's locking pattern is adapted from the teacher's
// encoder/ipProfile.go AtomicIPProfileMap (mutex-guarded
// map[string]*profile, with a second per-entry mutex for the hot path).
package tcpstack

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/dreadl0ck/pppbridge/internal/wire"
)

// defaultRecvWindow is the advertised receive window for a freshly
// created connection, before any peer data has arrived.
const defaultRecvWindow = 65535

// State is one of the RFC-793 states listed in spec.md §3.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// FlowKey is the 4-tuple identifying a TCP connection (§3).
type FlowKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// Reverse swaps source and destination, useful for building the key as
// seen from the other endpoint.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{SrcIP: k.DstIP, SrcPort: k.DstPort, DstIP: k.SrcIP, DstPort: k.SrcPort}
}

// retransmitSegment is one unacked entry in the retransmit queue (§3).
type retransmitSegment struct {
	seqStart, seqEnd uint32
	data             []byte
	flags            wire.Flags
	firstSentAt      time.Time
	retransmitCount  int
	sentOnce         bool // Karn's rule: RTT sample only from segments sent exactly once
}

func (s *retransmitSegment) len() int { return int(s.seqEnd - s.seqStart) }

// oooSegment is one entry in the out-of-order buffer (§3).
type oooSegment struct {
	seqStart, seqEnd uint32
	data             []byte
}

// Conn is one TCP connection's complete state.
type Conn struct {
	mu sync.Mutex

	Key   FlowKey
	ID    string // correlation id for logs/audit (rs/xid)
	State State

	// Send sequence variables.
	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	iss    uint32

	// Receive sequence variables.
	rcvNxt uint32
	rcvWnd uint32

	mss     uint16
	peerMSS uint16

	rtt rttEstimator
	cc  congestionState

	retransmitQueue []*retransmitSegment
	bytesInFlight   int

	oooBuffer []*oooSegment

	// Proxy coupling (§3): set exactly once, on the first in-order data
	// event (or by the client forwarder priming a connection it opened
	// actively). ProxyActive is false until that happens.
	ProxyActive bool
	ProxyData   chan []byte // PPP -> service byte queue
	ProxyDone   chan struct{}
	doneOnce    sync.Once
	windowCh    chan struct{} // signalled whenever send window may have grown

	dupAcks            int
	fastRecovery       bool
	finSent            bool
	finRcvd            bool
	activeOpener       bool // true for flows this side originated (client forwarder)
	timeWaitDeadline   time.Time
	retransmitTimerSet bool
	retransmitDeadline time.Time
	retransmitCount    int

	BytesIn  uint64
	BytesOut uint64
	opened   time.Time

	lastActivity time.Time

	maxRetransmitCount int
}

func newConn(key FlowKey, maxRetransmits int, initialCwnd, initialSsthresh uint32) *Conn {
	return &Conn{
		Key:                key,
		ID:                 xid.New().String(),
		State:              StateClosed,
		rtt:                newRTTEstimator(),
		cc:                 newCongestionState(1460, initialCwnd, initialSsthresh),
		rcvWnd:             defaultRecvWindow,
		maxRetransmitCount: maxRetransmits,
		lastActivity:       time.Now(),
		opened:             time.Now(),
		windowCh:           make(chan struct{}, 1),
	}
}

// Lock/Unlock expose the connection's mutex to callers that need to hold
// it across a multi-step operation (the bridge's single dispatch loop
// normally doesn't need this, since it is the sole writer; the client
// forwarder's listener goroutine does, since it injects SYNs
// concurrently with segment processing).
func (c *Conn) Lock()   { c.mu.Lock() }
func (c *Conn) Unlock() { c.mu.Unlock() }

// IsActiveOpener reports whether this side originated the connection
// (the client forwarder, §4.G), as opposed to a host-mode service flow.
func (c *Conn) IsActiveOpener() bool { return c.activeOpener }

// RetransmitCount reports how many retransmission-timeout-driven resends
// this connection has performed, for audit/logging. Callers must not
// already hold c's lock.
func (c *Conn) RetransmitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retransmitCount
}

// RetransmitCountLocked is RetransmitCount for callers that already hold
// c's lock — every Hooks implementation, since hook methods are invoked
// from the dispatch loop with the connection's lock held (see the Hooks
// doc comment in table.go).
func (c *Conn) RetransmitCountLocked() int {
	return c.retransmitCount
}

// OpenedAt returns the time this Conn was created, for audit duration
// calculations.
func (c *Conn) OpenedAt() time.Time { return c.opened }

// WindowChan signals (best-effort, non-blocking) whenever the effective
// send window may have grown, letting the proxy's service->PPP task
// resume after pausing for back-pressure (§4.E).
func (c *Conn) WindowChan() <-chan struct{} { return c.windowCh }

func (c *Conn) notifyWindow() {
	select {
	case c.windowCh <- struct{}{}:
	default:
	}
}

// CloseProxyDone signals proxy teardown for c exactly once, safe to call
// concurrently from both the FSM (abort/Close) and the proxy task itself.
func (c *Conn) CloseProxyDone() {
	c.doneOnce.Do(func() {
		if c.ProxyDone != nil {
			close(c.ProxyDone)
		}
	})
}

func randomISS() uint32 { return rand.Uint32() }
