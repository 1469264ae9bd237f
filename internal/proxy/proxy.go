// Package proxy implements the per-flow bidirectional stream proxy
// described in spec.md §4.E: once a TCP connection managed by
// internal/tcpstack reaches its first in-order data event, this package
// opens the mapped native socket and relays bytes in both directions
// until either side ends, honouring cwnd-based back-pressure.
//
// Grounded on the teacher's feedData/DataChan() channel-per-direction
// pattern (t.client.DataChan() <- &StreamData{...}) and other_examples'
// telepresence pkg/vif/tcp-handler.go fromTun/toMgrCh dual-channel
// bridge with a shared cancel.
package proxy

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/socks5"
	"github.com/dreadl0ck/pppbridge/internal/tcpstack"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

const (
	dialTimeout  = 10 * time.Second
	readPollTick = 500 * time.Millisecond
	serviceChunk = 4096
)

// DialFunc opens (or hands off) the native socket for one connection.
type DialFunc func() (net.Conn, error)

// DialDirect opens a plain TCP connection to host:port.
func DialDirect(host string, port uint16) DialFunc {
	return func() (net.Conn, error) {
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		return net.DialTimeout("tcp", addr, dialTimeout)
	}
}

// DialViaSOCKS5 opens the native socket through a SOCKS5 proxy (§4.F).
func DialViaSOCKS5(proxyAddr, host string, port uint16) DialFunc {
	return func() (net.Conn, error) {
		return socks5.Connect(proxyAddr, host, port)
	}
}

// DialExisting hands off an already-open socket, used by the client
// forwarder (§4.G), whose local listener has already accepted the
// connection before a synthetic flow even exists.
func DialExisting(conn net.Conn) DialFunc {
	return func() (net.Conn, error) { return conn, nil }
}

// Run is the proxy task for one connection (§4.E steps 1-4). It must be
// started exactly once per connection: by Hooks.OpenProxy on a passive
// flow's first in-order data event, or by the client forwarder's
// Established hook for a flow it opened, e.g.
// `go proxy.Run(table, conn, dial)`.
func Run(table *tcpstack.Table, conn *tcpstack.Conn, dial DialFunc) {
	svcCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		svc, err := dial()
		if err != nil {
			errCh <- err
			return
		}
		svcCh <- svc
	}()

	var svc net.Conn
	select {
	case svc = <-svcCh:
	case err := <-errCh:
		xlog.Proxy.Warnf("%s: native socket dial failed: %v", conn.ID, err)
		table.Abort(conn)
		return
	case <-time.After(dialTimeout):
		xlog.Proxy.Warnf("%s: native socket dial timed out", conn.ID)
		table.Abort(conn)
		return
	}

	xlog.Proxy.Infof("%s: native socket open", conn.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pppToService(table, svc, conn) }()
	go func() { defer wg.Done(); serviceToPPP(table, svc, conn) }()
	wg.Wait()

	logTCPInfo(conn.ID, svc)
	svc.Close()
	xlog.Proxy.Infof("%s: native socket closed", conn.ID)
}

// pppToService dequeues bytes arriving from the peer and writes them to
// the native socket, flushing each write (§4.E step 3, first bullet).
func pppToService(table *tcpstack.Table, svc net.Conn, conn *tcpstack.Conn) {
	for {
		select {
		case buf, ok := <-conn.ProxyData:
			if !ok {
				return
			}
			if _, err := svc.Write(buf); err != nil {
				xlog.Proxy.Debugf("%s: native socket write error: %v", conn.ID, err)
				table.Abort(conn)
				conn.CloseProxyDone()
				return
			}
		case <-conn.ProxyDone:
			return
		}
	}
}

// serviceToPPP reads chunks from the native socket and hands each one to
// the TCP state machine as payload, pausing when the send window is
// exhausted (§4.E step 3, second bullet; §4.E back-pressure note).
func serviceToPPP(table *tcpstack.Table, svc net.Conn, conn *tcpstack.Conn) {
	buf := make([]byte, serviceChunk)
	for {
		select {
		case <-conn.ProxyDone:
			return
		default:
		}

		svc.SetReadDeadline(time.Now().Add(readPollTick))
		n, err := svc.Read(buf)
		if n > 0 {
			if !writeToStack(table, conn, buf[:n]) {
				return
			}
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		if err == io.EOF {
			xlog.Proxy.Debugf("%s: service closed its write side, sending FIN", conn.ID)
			table.Close(conn)
		} else {
			xlog.Proxy.Debugf("%s: service read error: %v", conn.ID, err)
			table.Abort(conn)
		}
		conn.CloseProxyDone()
		return
	}
}

// writeToStack hands payload to the TCP state machine, chunked to the
// effective window, waiting for window updates when it is exhausted.
// It returns false if the connection shuts down while waiting.
func writeToStack(table *tcpstack.Table, conn *tcpstack.Conn, payload []byte) bool {
	offset := 0
	for offset < len(payload) {
		n := table.TrySend(conn, payload[offset:])
		if n == 0 {
			select {
			case <-conn.WindowChan():
			case <-conn.ProxyDone:
				return false
			case <-time.After(readPollTick):
			}
			continue
		}
		offset += n
	}
	return true
}
