// Package wire implements the IPv4/TCP packet codec described in
// spec.md §4.C: parsing and building IPv4+TCP headers, checksum
// verification/computation, and TCP option extraction. It builds on
// google/gopacket's layers package the way the teacher's
// ReassemblePacket/Accept use dreadl0ck/gopacket's layers.IPv4/layers.TCP
// for decode and checksum verification — we build packets ourselves
// (rather than sniffing them), so only the layer types and checksum
// helpers are reused, not gopacket's passive capture/reassembly stack.
package wire

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
)

// Flags mirrors the six TCP control bits the state machine cares about.
type Flags struct {
	FIN, SYN, RST, PSH, ACK, URG bool
}

// Options holds the subset of TCP options spec.md §4.C says must be
// parsed and honoured. Unknown/unsupported kinds are simply not
// represented here; malformed options abort parsing for the option list
// only (never the segment), per §4.C.
type Options struct {
	MSS           *uint16
	WindowScale   *uint8
	SACKPermitted bool
	Timestamp     *TimestampOption
}

// TimestampOption is TCP option kind 8 (RFC 1323), parsed but not
// required for correctness (per spec.md §4.C).
type TimestampOption struct {
	TSval uint32
	TSecr uint32
}

// Segment is a decoded TCP-over-IPv4 datagram.
type Segment struct {
	SrcIP, DstIP [4]byte
	SrcPort      uint16
	DstPort      uint16
	Seq          uint32
	Ack          uint32
	DataOffset   uint8
	Flags        Flags
	Window       uint16
	Checksum     uint16
	Urgent       uint16
	Options      Options
	OptionsBytes []byte
	Payload      []byte
}

func checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ParseIPv4TCP parses one IPv4 datagram carrying a TCP segment. Non-TCP
// protocols (other than 6) are reported as a ProtocolError and dropped by
// the caller; an invalid IP or TCP checksum is a ChecksumError (segment
// dropped silently per §7). IHL must be >=5; IP/TCP options beyond the
// fixed header are skipped for IP (never interpreted) and parsed for TCP
// per Options above.
func ParseIPv4TCP(data []byte) (*Segment, error) {
	if len(data) < 20 {
		return nil, bridgeerr.New(bridgeerr.Protocol, "ipv4 header truncated", nil)
	}

	ihl := int(data[0]&0x0F) * 4
	if ihl < 20 {
		return nil, bridgeerr.New(bridgeerr.Protocol, "ipv4 IHL < 5", nil)
	}
	if len(data) < ihl {
		return nil, bridgeerr.New(bridgeerr.Protocol, "ipv4 header shorter than IHL", nil)
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, bridgeerr.New(bridgeerr.Protocol, "ipv4 decode", err)
	}

	if ip.Protocol != layers.IPProtocolTCP {
		return nil, bridgeerr.New(bridgeerr.Protocol, "non-TCP IP protocol", nil)
	}

	// Verify the IP header checksum: summing the header (with the
	// checksum field as transmitted) in one's complement must fold to
	// 0xFFFF (i.e. ^sum == 0).
	hdr := make([]byte, ihl)
	copy(hdr, data[:ihl])
	if checksum16(hdr) != 0 {
		return nil, bridgeerr.New(bridgeerr.Checksum, "ipv4 header checksum", nil)
	}

	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, bridgeerr.New(bridgeerr.Protocol, "tcp decode", err)
	}
	tcp.SetNetworkLayerForChecksum(&ip)
	if sum, err := tcp.ComputeChecksum(); err != nil || sum != 0 {
		return nil, bridgeerr.New(bridgeerr.Checksum, "tcp checksum", err)
	}

	seg := &Segment{
		SrcPort:    uint16(tcp.SrcPort),
		DstPort:    uint16(tcp.DstPort),
		Seq:        tcp.Seq,
		Ack:        tcp.Ack,
		DataOffset: tcp.DataOffset,
		Flags: Flags{
			FIN: tcp.FIN, SYN: tcp.SYN, RST: tcp.RST,
			PSH: tcp.PSH, ACK: tcp.ACK, URG: tcp.URG,
		},
		Window:   tcp.Window,
		Checksum: tcp.Checksum,
		Urgent:   tcp.Urgent,
		Payload:  append([]byte(nil), tcp.Payload...),
	}
	copy(seg.SrcIP[:], ip.SrcIP.To4())
	copy(seg.DstIP[:], ip.DstIP.To4())

	seg.Options = parseOptions(tcp.Options)
	return seg, nil
}

// parseOptions extracts MSS/WindowScale/SACKPermitted/Timestamp from a
// decoded TCP option list. A malformed individual option (truncated
// value) is skipped rather than aborting the whole segment, per §4.C.
func parseOptions(opts []layers.TCPOption) Options {
	var out Options
	for _, o := range opts {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) == 2 {
				v := binary.BigEndian.Uint16(o.OptionData)
				out.MSS = &v
			}
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) == 1 {
				v := o.OptionData[0]
				out.WindowScale = &v
			}
		case layers.TCPOptionKindSACKPermitted:
			out.SACKPermitted = true
		case layers.TCPOptionKindTimestamps:
			if len(o.OptionData) == 8 {
				out.Timestamp = &TimestampOption{
					TSval: binary.BigEndian.Uint32(o.OptionData[0:4]),
					TSecr: binary.BigEndian.Uint32(o.OptionData[4:8]),
				}
			}
		case layers.TCPOptionKindEndList, layers.TCPOptionKindNop:
			// Honoured implicitly: gopacket already stops/pads on these.
		}
	}
	return out
}

// BuildParams carries everything needed to serialize an egress
// IPv4/TCP datagram per §4.C: 5-word IP header, TTL 64, DF=1, a caller
// supplied monotonically incrementing IP identification.
type BuildParams struct {
	SrcIP, DstIP [4]byte
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	IPIdentification uint16
	MSS              *uint16 // set only on SYN/SYN-ACK segments
	Payload          []byte
}

// BuildIPv4TCP serializes an egress datagram with both checksums filled
// in, matching §4.C's egress contract.
func BuildIPv4TCP(p BuildParams) ([]byte, error) {
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      0,
		Id:       p.IPIdentification,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    append([]byte(nil), p.SrcIP[:]...),
		DstIP:    append([]byte(nil), p.DstIP[:]...),
	}

	tcp := layers.TCP{
		SrcPort: layers.TCPPort(p.SrcPort),
		DstPort: layers.TCPPort(p.DstPort),
		Seq:     p.Seq,
		Ack:     p.Ack,
		FIN:     p.Flags.FIN,
		SYN:     p.Flags.SYN,
		RST:     p.Flags.RST,
		PSH:     p.Flags.PSH,
		ACK:     p.Flags.ACK,
		URG:     p.Flags.URG,
		Window:  p.Window,
	}
	if p.MSS != nil {
		v := make([]byte, 2)
		binary.BigEndian.PutUint16(v, *p.MSS)
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   v,
		})
	}
	tcp.SetNetworkLayerForChecksum(&ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, &tcp, gopacket.Payload(p.Payload)); err != nil {
		return nil, bridgeerr.New(bridgeerr.Protocol, "serialize ipv4/tcp", err)
	}
	return buf.Bytes(), nil
}
