// Package socks5 implements just enough of the SOCKS5 client handshake
// (RFC 1928) to open a CONNECT tunnel for the stream proxy, per
// spec.md §4.F. It is deliberately minimal and stdlib-only: five
// fixed-shape byte exchanges over an already-dialed net.Conn, not a
// parsing or codec problem that warrants a dependency.
package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
)

const (
	version5    = 0x05
	authNone    = 0x00
	cmdConnect  = 0x01
	atypIPv4    = 0x01
	atypDomain  = 0x03
)

// Connect dials proxyAddr and asks it to CONNECT to target:port, domain
// or literal IPv4 resolved automatically. On success the returned
// net.Conn is ready for use as the service socket.
func Connect(proxyAddr, targetHost string, targetPort uint16) (net.Conn, error) {
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.Connection, "dial socks5 proxy", err)
	}

	if _, err := conn.Write([]byte{version5, 1, authNone}); err != nil {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, "socks5 greeting", err)
	}
	greetReply := make([]byte, 2)
	if _, err := readFull(conn, greetReply); err != nil {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, "socks5 greeting reply", err)
	}
	if greetReply[0] != version5 || greetReply[1] != authNone {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, fmt.Sprintf("socks5 rejected auth method (%v)", greetReply), nil)
	}

	req, err := buildConnectRequest(targetHost, targetPort)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, "socks5 connect request", err)
	}

	reply := make([]byte, 4)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, "socks5 connect reply header", err)
	}
	if reply[1] != 0 {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, fmt.Sprintf("socks5 connect refused (code %d)", reply[1]), nil)
	}
	if err := discardBoundAddress(conn, reply[3]); err != nil {
		conn.Close()
		return nil, bridgeerr.New(bridgeerr.Connection, "socks5 connect reply address", err)
	}

	return conn, nil
}

func buildConnectRequest(host string, port uint16) ([]byte, error) {
	buf := []byte{version5, cmdConnect, 0}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip.To4()...)
	} else {
		if len(host) > 255 {
			return nil, bridgeerr.New(bridgeerr.Connection, "socks5 target hostname too long", nil)
		}
		buf = append(buf, atypDomain, byte(len(host)))
		buf = append(buf, host...)
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	return append(buf, portBytes...), nil
}

// discardBoundAddress reads and discards the BND.ADDR/BND.PORT fields we
// have no use for, sized according to the reply's address type.
func discardBoundAddress(conn net.Conn, atyp byte) error {
	var addrLen int
	switch atyp {
	case atypIPv4:
		addrLen = 4
	case 0x04: // IPv6
		addrLen = 16
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return err
		}
		addrLen = int(lenByte[0])
	default:
		return fmt.Errorf("unknown socks5 address type %d", atyp)
	}
	return discardN(conn, addrLen+2) // + BND.PORT
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func discardN(conn net.Conn, n int) error {
	buf := make([]byte, n)
	_, err := readFull(conn, buf)
	return err
}
