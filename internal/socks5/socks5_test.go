package socks5

import (
	"io"
	"net"
	"testing"
)

// fakeProxy runs a minimal SOCKS5 server on a loopback listener, playing
// back the scripted byte exchange for one connection.
func fakeProxy(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestConnectSuccess(t *testing.T) {
	addr := fakeProxy(t, func(conn net.Conn) {
		greet := make([]byte, 3)
		io.ReadFull(conn, greet)
		conn.Write([]byte{version5, authNone})

		hdr := make([]byte, 4)
		io.ReadFull(conn, hdr)
		if hdr[3] != atypDomain {
			t.Errorf("expected domain atyp, got %d", hdr[3])
		}
		lenByte := make([]byte, 1)
		io.ReadFull(conn, lenByte)
		host := make([]byte, lenByte[0])
		io.ReadFull(conn, host)
		port := make([]byte, 2)
		io.ReadFull(conn, port)

		conn.Write([]byte{version5, 0, 0, atypIPv4, 127, 0, 0, 1, 0, 0})
	})

	conn, err := Connect(addr, "example.internal", 8080)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
}

func TestConnectRefused(t *testing.T) {
	addr := fakeProxy(t, func(conn net.Conn) {
		greet := make([]byte, 3)
		io.ReadFull(conn, greet)
		conn.Write([]byte{version5, authNone})

		hdr := make([]byte, 4)
		io.ReadFull(conn, hdr)
		ipBuf := make([]byte, 4+2)
		io.ReadFull(conn, ipBuf)

		conn.Write([]byte{version5, 0x05, 0, atypIPv4, 0, 0, 0, 0, 0, 0})
	})

	if _, err := Connect(addr, "10.0.0.5", 80); err == nil {
		t.Fatalf("expected refusal error")
	}
}

func TestConnectBadProxy(t *testing.T) {
	_, err := Connect("127.0.0.1:1", "example.com", 80)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
}
