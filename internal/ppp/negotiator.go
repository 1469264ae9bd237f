package ppp

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

// State is a protocol's negotiation state, per spec.md §3.
type State int

const (
	StateInitial State = iota
	StateStarting
	StateReqSent
	StateAckRcvd
	StateAckSent
	StateOpened
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateStarting:
		return "STARTING"
	case StateReqSent:
		return "REQ_SENT"
	case StateAckRcvd:
		return "ACK_RCVD"
	case StateAckSent:
		return "ACK_SENT"
	case StateOpened:
		return "OPENED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// LCP option types (§4.B).
const (
	OptMRU      uint8 = 1
	OptAuthProt uint8 = 3
	OptMagic    uint8 = 5
	OptPFC      uint8 = 7
	OptACC      uint8 = 8
)

// IPCP option types (§4.B).
const (
	OptIPCompression uint8 = 2
	OptIPAddress     uint8 = 3
	OptPrimaryDNS    uint8 = 129
	OptSecondaryDNS  uint8 = 131
)

const (
	restartTimer = 3 * time.Second
	maxConfigure = 10
)

// Sender abstracts "write this PPP frame to the link" so the negotiator
// doesn't need to know about the frame codec or the serial endpoint.
type Sender interface {
	SendPPP(protocol uint16, cp ControlPacket)
}

// outstandingRequest tracks one Configure-Request we sent, for retry/ack
// bookkeeping (§3 "map of outstanding request identifiers to send-times").
type outstandingRequest struct {
	sentAt time.Time
	tries  int
}

// Negotiator runs one protocol's (LCP or IPCP) state machine.
type Negotiator struct {
	protocol   uint16
	isServer   bool
	name       string // for logging: "LCP" or "IPCP"
	state      State
	identifier uint8
	outstanding map[uint8]*outstandingRequest

	// LCP-specific
	magic       uint32
	peerMagic   uint32
	localMRU    uint16
	peerMRU     uint16

	// IPCP-specific
	localIP  [4]byte
	remoteIP [4]byte

	lastEcho  time.Time
	startedAt time.Time

	sender Sender

	// onOpened fires once when this protocol transitions into OPENED.
	onOpened func()
	// onFailed fires when negotiation fails (retry budget exhausted).
	onFailed func(error)

	// pendingOptions are the options we intend to send on our next
	// Configure-Request; rejected options are dropped from this list.
	pendingOptions []uint8
}

// NewLCP builds the LCP negotiator.
func NewLCP(isServer bool, localMRU uint16, magic uint32, sender Sender) *Negotiator {
	if magic == 0 {
		magic = rand.Uint32()
	}
	return &Negotiator{
		protocol:       ProtoLCP,
		isServer:       isServer,
		name:           "LCP",
		state:          StateInitial,
		outstanding:    map[uint8]*outstandingRequest{},
		magic:          magic,
		localMRU:       localMRU,
		sender:         sender,
		pendingOptions: []uint8{OptMagic, OptMRU},
	}
}

// NewIPCP builds the IPCP negotiator.
func NewIPCP(isServer bool, localIP, remoteIP [4]byte, sender Sender) *Negotiator {
	return &Negotiator{
		protocol:       ProtoIPCP,
		isServer:       isServer,
		name:           "IPCP",
		state:          StateInitial,
		outstanding:    map[uint8]*outstandingRequest{},
		localIP:        localIP,
		remoteIP:       remoteIP,
		sender:         sender,
		pendingOptions: []uint8{OptIPAddress},
	}
}

func (n *Negotiator) State() State { return n.state }
func (n *Negotiator) IsOpened() bool { return n.state == StateOpened }

// Magic returns this instance's magic number (LCP only; 0 for IPCP).
func (n *Negotiator) Magic() uint32 { return n.magic }

func (n *Negotiator) nextID() uint8 {
	n.identifier++
	return n.identifier
}

// Start kicks off the state machine per §4.B's role-based rule: clients
// send a Configure-Request immediately; servers wait in STARTING for the
// peer's first Request.
func (n *Negotiator) Start() {
	n.startedAt = time.Now()
	if n.isServer {
		n.state = StateStarting
		xlog.PPP.Infof("%s: server starting, waiting for peer request", n.name)
		return
	}
	n.state = StateReqSent
	n.sendConfigureRequest()
}

func (n *Negotiator) sendConfigureRequest() {
	id := n.nextID()
	n.outstanding[id] = &outstandingRequest{sentAt: time.Now(), tries: 1}
	cp := ControlPacket{Code: CodeConfigureRequest, Identifier: id, Options: n.buildOptions()}
	xlog.PPP.Debugf("%s: -> Configure-Request id=%d", n.name, id)
	n.sender.SendPPP(n.protocol, cp)
}

func (n *Negotiator) buildOptions() []Option {
	var opts []Option
	for _, t := range n.pendingOptions {
		switch t {
		case OptMagic:
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, n.magic)
			opts = append(opts, Option{Type: OptMagic, Value: v})
		case OptMRU:
			v := make([]byte, 2)
			binary.BigEndian.PutUint16(v, n.localMRU)
			opts = append(opts, Option{Type: OptMRU, Value: v})
		case OptIPAddress:
			opts = append(opts, Option{Type: OptIPAddress, Value: append([]byte(nil), n.localIP[:]...)})
		}
	}
	return opts
}

// OnOpened registers a callback fired exactly once when this protocol
// reaches OPENED.
func (n *Negotiator) OnOpened(f func()) { n.onOpened = f }

// OnFailed registers a callback fired when the retry budget is exhausted.
func (n *Negotiator) OnFailed(f func(error)) { n.onFailed = f }

func (n *Negotiator) open() {
	if n.state == StateOpened {
		return
	}
	n.state = StateOpened
	xlog.PPP.Infof("%s: OPENED", n.name)
	if n.onOpened != nil {
		n.onOpened()
	}
}

// HandleEchoRequest replies to a peer Echo-Request with our own magic,
// preserving the peer's identifier (§4.B "Echo").
func (n *Negotiator) HandleEchoRequest(cp ControlPacket) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, n.magic)
	reply := ControlPacket{Code: CodeEchoReply, Identifier: cp.Identifier, RawData: v}
	n.sender.SendPPP(n.protocol, reply)
}

// HandleEchoReply validates the peer's echoed magic (mismatch is logged,
// not fatal, per §4.B).
func (n *Negotiator) HandleEchoReply(cp ControlPacket) {
	if len(cp.RawData) != 4 {
		return
	}
	got := binary.BigEndian.Uint32(cp.RawData)
	if n.peerMagic != 0 && got != n.peerMagic {
		xlog.PPP.Warnf("%s: echo-reply magic mismatch: got %08x", n.name, got)
	}
}

// MaybeSendEcho sends an Echo-Request if the interval has elapsed and we
// are OPENED (§4.B, §5 timeout iv).
func (n *Negotiator) MaybeSendEcho(now time.Time, interval time.Duration) {
	if n.state != StateOpened {
		return
	}
	if n.lastEcho.IsZero() {
		n.lastEcho = now
		return
	}
	if now.Sub(n.lastEcho) < interval {
		return
	}
	n.lastEcho = now
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, n.magic)
	n.sender.SendPPP(n.protocol, ControlPacket{Code: CodeEchoRequest, Identifier: n.nextID(), RawData: v})
}

// CheckRetry re-sends an outstanding Configure-Request whose restart
// timer has expired, and fails negotiation once max_configure is
// exceeded (§4.B "Failure semantics").
func (n *Negotiator) CheckRetry(now time.Time) {
	if n.state != StateReqSent && n.state != StateStarting {
		return
	}
	for id, req := range n.outstanding {
		if now.Sub(req.sentAt) < restartTimer {
			continue
		}
		delete(n.outstanding, id)
		if req.tries >= maxConfigure {
			err := bridgeerr.New(bridgeerr.Negotiation, n.name+": configure-request retry limit exceeded", nil)
			xlog.PPP.Errorf("%s: %v", n.name, err)
			if n.onFailed != nil {
				n.onFailed(err)
			}
			return
		}
		if n.state == StateReqSent {
			newID := n.nextID()
			n.outstanding[newID] = &outstandingRequest{sentAt: now, tries: req.tries + 1}
			cp := ControlPacket{Code: CodeConfigureRequest, Identifier: newID, Options: n.buildOptions()}
			n.sender.SendPPP(n.protocol, cp)
		}
	}
}
