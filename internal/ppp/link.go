package ppp

import (
	"time"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

// Link owns the LCP and IPCP negotiators for one serial session and
// implements the "IPCP starts automatically when LCP opens" and "IP
// traffic processed only when both are OPENED" rules from §4.B.
type Link struct {
	LCP  *Negotiator
	IPCP *Negotiator

	onFailed func(error)
}

// NewLink builds both negotiators and wires LCP->IPCP auto-start.
func NewLink(isServer bool, localMRU uint16, magic uint32, localIP, remoteIP [4]byte, sender Sender) *Link {
	l := &Link{}
	l.LCP = NewLCP(isServer, localMRU, magic, sender)
	l.IPCP = NewIPCP(isServer, localIP, remoteIP, sender)

	l.LCP.OnOpened(func() {
		xlog.Link.Infof("LCP opened, starting IPCP")
		l.IPCP.Start()
	})
	l.LCP.OnFailed(func(err error) { l.fail(err) })
	l.IPCP.OnFailed(func(err error) { l.fail(err) })
	return l
}

func (l *Link) fail(err error) {
	if l.onFailed != nil {
		l.onFailed(err)
	}
}

// OnFailed registers the session-level negotiation failure handler (§7:
// NegotiationError aborts the link).
func (l *Link) OnFailed(f func(error)) { l.onFailed = f }

// Start begins LCP negotiation.
func (l *Link) Start() { l.LCP.Start() }

// Ready reports whether IP traffic may be processed (§4.B).
func (l *Link) Ready() bool { return l.LCP.IsOpened() && l.IPCP.IsOpened() }

// Dispatch routes one whole PPP frame (addr/control/protocol/body, as
// extracted by the frame codec) to the right negotiator. PAP/CHAP are
// reported as a ProtocolError (authentication is not supported); any
// other unrecognised protocol is logged and ignored. It returns the protocol
// field so the caller (the bridge/scheduler) can decide whether to
// instead route the frame to the TCP/IP stack (protocol 0x0021).
func (l *Link) Dispatch(frame []byte) (protocol uint16, err error) {
	protocol, cp, err := DecodeFrame(frame)
	if err != nil {
		return 0, err
	}

	switch protocol {
	case ProtoLCP:
		l.LCP.Receive(cp)
	case ProtoIPCP:
		l.IPCP.Receive(cp)
	case ProtoPAP, ProtoCHAP:
		return protocol, bridgeerr.New(bridgeerr.Protocol, "authentication not supported", nil)
	case ProtoIP:
		// Handled by the caller; not this link's concern.
	default:
		xlog.Link.Debugf("ignoring unknown ppp protocol 0x%04x", protocol)
	}
	return protocol, nil
}

// Tick drives the time-based parts of negotiation: retry timers and echo
// keepalive (§5 timeouts i, v).
func (l *Link) Tick(now time.Time, echoInterval time.Duration) {
	l.LCP.CheckRetry(now)
	l.IPCP.CheckRetry(now)
	l.LCP.MaybeSendEcho(now, echoInterval)
}
