package ppp

import (
	"encoding/binary"
	"math/rand"

	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

// Receive feeds one decoded control packet for this protocol into the
// state machine (§4.B "State machine per protocol").
func (n *Negotiator) Receive(cp ControlPacket) {
	switch cp.Code {
	case CodeConfigureRequest:
		n.handleRequest(cp)
	case CodeConfigureAck:
		n.handleAck(cp)
	case CodeConfigureNak:
		n.handleNak(cp)
	case CodeConfigureReject:
		n.handleReject(cp)
	case CodeEchoRequest:
		n.HandleEchoRequest(cp)
	case CodeEchoReply:
		n.HandleEchoReply(cp)
	case CodeTerminateRequest:
		n.sender.SendPPP(n.protocol, ControlPacket{Code: CodeTerminateAck, Identifier: cp.Identifier})
		n.state = StateClosed
	case CodeCodeReject, CodeProtocolReject, CodeTerminateAck:
		// Parsed, no action required beyond logging (§4.B).
		xlog.PPP.Debugf("%s: received code %d, no action", n.name, cp.Code)
	}
}

// evalResult is the outcome of evaluating one peer-proposed option.
type evalResult struct {
	ack    *Option // echoed verbatim if non-nil
	nak    *Option // suggested replacement if non-nil
	reject *Option // echoed verbatim (rejected) if non-nil
}

func (n *Negotiator) evaluateRequestOptions(opts []Option) (acks, naks, rejects []Option) {
	for _, o := range opts {
		r := n.evaluateOne(o)
		if r.ack != nil {
			acks = append(acks, *r.ack)
		}
		if r.nak != nil {
			naks = append(naks, *r.nak)
		}
		if r.reject != nil {
			rejects = append(rejects, *r.reject)
		}
	}
	return
}

func (n *Negotiator) evaluateOne(o Option) evalResult {
	if n.protocol == ProtoLCP {
		return n.evaluateLCPOption(o)
	}
	return n.evaluateIPCPOption(o)
}

func (n *Negotiator) evaluateLCPOption(o Option) evalResult {
	switch o.Type {
	case OptMagic:
		if len(o.Value) != 4 {
			return evalResult{reject: &o}
		}
		peer := binary.BigEndian.Uint32(o.Value)
		if peer == n.magic {
			fresh := make([]byte, 4)
			binary.BigEndian.PutUint32(fresh, rand.Uint32())
			return evalResult{nak: &Option{Type: OptMagic, Value: fresh}}
		}
		n.peerMagic = peer
		return evalResult{ack: &o}

	case OptMRU:
		if len(o.Value) != 2 {
			return evalResult{reject: &o}
		}
		mru := binary.BigEndian.Uint16(o.Value)
		if mru < 68 {
			v := make([]byte, 2)
			binary.BigEndian.PutUint16(v, 1500)
			return evalResult{nak: &Option{Type: OptMRU, Value: v}}
		}
		n.peerMRU = mru
		return evalResult{ack: &o}

	case OptPFC, OptACC:
		// Open-question resolution (a) from SPEC_FULL.md §5: we do not
		// propose these and reject them if offered, rather than Ack a
		// contract we would not actually honour on transmit.
		return evalResult{reject: &o}

	case OptAuthProt:
		return evalResult{reject: &o}

	default:
		return evalResult{reject: &o}
	}
}

func (n *Negotiator) evaluateIPCPOption(o Option) evalResult {
	switch o.Type {
	case OptIPAddress:
		if len(o.Value) != 4 {
			return evalResult{reject: &o}
		}
		var got [4]byte
		copy(got[:], o.Value)
		if got == n.remoteIP {
			return evalResult{ack: &o}
		}
		return evalResult{nak: &Option{Type: OptIPAddress, Value: append([]byte(nil), n.remoteIP[:]...)}}

	case OptPrimaryDNS, OptSecondaryDNS, OptIPCompression:
		return evalResult{reject: &o}

	default:
		return evalResult{reject: &o}
	}
}

func (n *Negotiator) handleRequest(cp ControlPacket) {
	acks, naks, rejects := n.evaluateRequestOptions(cp.Options)

	var resp ControlPacket
	resp.Identifier = cp.Identifier
	fullyAccepted := false
	switch {
	case len(rejects) > 0:
		resp.Code = CodeConfigureReject
		resp.Options = rejects
	case len(naks) > 0:
		resp.Code = CodeConfigureNak
		resp.Options = naks
	default:
		resp.Code = CodeConfigureAck
		resp.Options = acks
		fullyAccepted = true
	}
	xlog.PPP.Debugf("%s: <- Configure-Request id=%d, -> %d", n.name, cp.Identifier, resp.Code)
	n.sender.SendPPP(n.protocol, resp)

	switch n.state {
	case StateInitial, StateStarting:
		// First request seen (§4.B server rule): send our own Request too.
		n.state = StateReqSent
		n.sendConfigureRequest()
		if fullyAccepted {
			n.state = StateAckSent
		}
	case StateReqSent:
		if fullyAccepted {
			n.state = StateAckSent
		}
	case StateAckRcvd:
		if fullyAccepted {
			n.open()
		}
	case StateAckSent:
		// Peer re-requested while we wait for their ack of ours; stays.
	}
}

func (n *Negotiator) handleAck(cp ControlPacket) {
	req, ok := n.outstanding[cp.Identifier]
	if !ok {
		return
	}
	_ = req
	delete(n.outstanding, cp.Identifier)

	switch n.state {
	case StateReqSent:
		n.state = StateAckRcvd
	case StateAckSent:
		n.open()
	}
}

func (n *Negotiator) handleNak(cp ControlPacket) {
	if _, ok := n.outstanding[cp.Identifier]; !ok {
		return
	}
	delete(n.outstanding, cp.Identifier)

	for _, o := range cp.Options {
		switch o.Type {
		case OptMagic:
			if len(o.Value) == 4 {
				n.magic = binary.BigEndian.Uint32(o.Value)
			}
		case OptMRU:
			if len(o.Value) == 2 {
				n.localMRU = binary.BigEndian.Uint16(o.Value)
			}
		case OptIPAddress:
			if len(o.Value) == 4 {
				copy(n.localIP[:], o.Value)
			}
		}
	}
	n.sendConfigureRequest()
}

func (n *Negotiator) handleReject(cp ControlPacket) {
	if _, ok := n.outstanding[cp.Identifier]; !ok {
		return
	}
	delete(n.outstanding, cp.Identifier)

	rejected := map[uint8]bool{}
	for _, o := range cp.Options {
		rejected[o.Type] = true
	}
	kept := n.pendingOptions[:0:0]
	for _, t := range n.pendingOptions {
		if !rejected[t] {
			kept = append(kept, t)
		}
	}
	n.pendingOptions = kept
	n.sendConfigureRequest()
}
