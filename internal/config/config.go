// Package config holds the in-memory configuration record consumed by the
// core. Loading it from a file or environment variables is out of scope
// for this repository; callers (or the out-of-scope CLI) build one of
// these directly.
package config

import "time"

// Role identifies which symmetric side of the link this process plays.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "host"
}

// Service describes a single host-mode forwarding rule: traffic arriving
// over the link for dstPort is forwarded to TargetHost:TargetPort.
type Service struct {
	TargetHost string
	TargetPort uint16
}

// PortForward describes a single client-mode forwarding rule: a local
// listener on the port it is keyed by in PortForwardTable tunnels to
// RemotePort on the peer.
type PortForward struct {
	RemotePort uint16
}

// SOCKS5Endpoint is the optional indirection point used by the SOCKS5
// initiator (4.F) when opening service sockets.
type SOCKS5Endpoint struct {
	Address string // host:port
}

// Config is the full configuration surface described in spec.md §6.
type Config struct {
	Role Role

	LocalIP  [4]byte
	RemoteIP [4]byte

	SerialDevice string
	BaudRate     int

	MRU          uint16
	Magic        uint32 // 0 means "choose at random"
	EchoInterval time.Duration

	InitialCwnd     uint32
	InitialSsthresh uint32
	MSS             uint16
	MaxRetransmits  int
	TimeWaitTimeout time.Duration

	// ServiceTable maps a destination TCP port (host mode) to the local
	// service it should be forwarded to.
	ServiceTable map[uint16]Service

	// PortForwardTable maps a local listening TCP port (client mode) to
	// the service port on the remote peer.
	PortForwardTable map[uint16]PortForward

	SOCKS5 *SOCKS5Endpoint

	// FrameLogPath, if non-empty, enables a gzip-compressed capture of
	// every decoded/encoded HDLC frame for offline debugging.
	FrameLogPath string

	// AuditPath, if non-empty, enables CSV flow-audit export.
	AuditPath string
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		Role:             RoleHost,
		LocalIP:          [4]byte{10, 0, 0, 1},
		RemoteIP:         [4]byte{10, 0, 0, 2},
		SerialDevice:     "/dev/ttyUSB0",
		BaudRate:         115200,
		MRU:              1500,
		Magic:            0,
		EchoInterval:     30 * time.Second,
		InitialCwnd:      1460,
		InitialSsthresh:  64 * 1024,
		MSS:              1460,
		MaxRetransmits:   6,
		TimeWaitTimeout:  240 * time.Second,
		ServiceTable:     map[uint16]Service{},
		PortForwardTable: map[uint16]PortForward{},
	}
}
