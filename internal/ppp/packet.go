// Package ppp implements the LCP/IPCP negotiation described in
// spec.md §4.B: one shared option-TLV format, an inner control packet
// framed with the fixed PPP header, and a per-protocol state machine
// modelled as a small iota-enum with a String() method, the way
// other_examples' telepresence pkg/vif/tcp state enum is built (state int32
// + String() switch), generalized here to cover LCP/IPCP instead of TCP.
package ppp

import (
	"encoding/binary"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
)

// Protocol numbers from spec.md §4.B / §6.
const (
	ProtoLCP  uint16 = 0xC021
	ProtoIPCP uint16 = 0x8021
	ProtoIP   uint16 = 0x0021
	ProtoPAP  uint16 = 0xC023
	ProtoCHAP uint16 = 0xC223
)

// Control codes shared by LCP and IPCP.
const (
	CodeConfigureRequest uint8 = 1
	CodeConfigureAck     uint8 = 2
	CodeConfigureNak     uint8 = 3
	CodeConfigureReject  uint8 = 4
	CodeTerminateRequest uint8 = 5
	CodeTerminateAck     uint8 = 6
	CodeCodeReject       uint8 = 7
	CodeProtocolReject   uint8 = 8
	CodeEchoRequest      uint8 = 9
	CodeEchoReply        uint8 = 10
)

// Option is one TLV: Type, and Value (the raw bytes after type+length).
type Option struct {
	Type  uint8
	Value []byte
}

// Len returns the wire length of this option including its 2-byte header.
func (o Option) Len() int { return 2 + len(o.Value) }

// ControlPacket is the inner (code, identifier, length, options) payload
// carried inside a PPP frame addressed to LCP or IPCP.
type ControlPacket struct {
	Code       uint8
	Identifier uint8
	Options    []Option
	// RawData carries the echo/reply magic payload (outside the TLV
	// format) for Echo-Request/Echo-Reply packets.
	RawData []byte
}

// EncodeFrame wraps a ControlPacket with the fixed PPP header
// (addr=0xFF, control=0x03, protocol) described in §4.B/§6, ready to be
// passed to the frame codec's Encode.
func EncodeFrame(protocol uint16, cp ControlPacket) []byte {
	body := encodeControlPacket(cp)
	out := make([]byte, 0, 4+len(body))
	out = append(out, 0xFF, 0x03)
	out = binary.BigEndian.AppendUint16(out, protocol)
	out = append(out, body...)
	return out
}

func encodeControlPacket(cp ControlPacket) []byte {
	var optBytes []byte
	for _, o := range cp.Options {
		optBytes = append(optBytes, o.Type, uint8(o.Len()))
		optBytes = append(optBytes, o.Value...)
	}
	payload := optBytes
	if len(cp.RawData) > 0 {
		payload = append(append([]byte(nil), optBytes...), cp.RawData...)
	}
	length := 4 + len(payload)
	out := make([]byte, 0, length)
	out = append(out, cp.Code, cp.Identifier)
	out = binary.BigEndian.AppendUint16(out, uint16(length))
	out = append(out, payload...)
	return out
}

// DecodeFrame strips the fixed PPP header and returns the protocol field
// plus the decoded control packet. Echo-Request/Echo-Reply's RawData
// holds whatever trails the (empty) option list — normally a 4-byte magic.
func DecodeFrame(frame []byte) (protocol uint16, cp ControlPacket, err error) {
	if len(frame) < 4 {
		return 0, cp, bridgeerr.New(bridgeerr.Protocol, "ppp frame too short", nil)
	}
	if frame[0] != 0xFF || frame[1] != 0x03 {
		return 0, cp, bridgeerr.New(bridgeerr.Protocol, "bad ppp address/control", nil)
	}
	protocol = binary.BigEndian.Uint16(frame[2:4])
	body := frame[4:]

	cp, err = decodeControlPacket(body)
	return protocol, cp, err
}

func decodeControlPacket(body []byte) (ControlPacket, error) {
	var cp ControlPacket
	if len(body) < 4 {
		return cp, bridgeerr.New(bridgeerr.Protocol, "control packet too short", nil)
	}
	cp.Code = body[0]
	cp.Identifier = body[1]
	length := int(binary.BigEndian.Uint16(body[2:4]))
	if length < 4 || length > len(body) {
		return cp, bridgeerr.New(bridgeerr.Protocol, "invalid control packet length", nil)
	}
	payload := body[4:length]

	switch cp.Code {
	case CodeEchoRequest, CodeEchoReply:
		// No TLVs: the remainder is the magic-number payload.
		cp.RawData = append([]byte(nil), payload...)
		return cp, nil
	}

	opts, err := decodeOptions(payload)
	cp.Options = opts
	return cp, err
}

func decodeOptions(data []byte) ([]Option, error) {
	var opts []Option
	for len(data) > 0 {
		if len(data) < 2 {
			return opts, bridgeerr.New(bridgeerr.Protocol, "truncated option header", nil)
		}
		typ := data[0]
		l := int(data[1])
		if l < 2 || l > len(data) {
			return opts, bridgeerr.New(bridgeerr.Protocol, "invalid option length", nil)
		}
		opts = append(opts, Option{Type: typ, Value: append([]byte(nil), data[2:l]...)})
		data = data[l:]
	}
	return opts, nil
}
