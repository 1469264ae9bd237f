package proxy

import (
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

// logTCPInfo dumps the kernel's view of the native socket at teardown.
// This is a debug aid only (§9 observability note); failures are logged
// and otherwise ignored.
func logTCPInfo(label string, conn net.Conn) {
	if !xlog.Proxy.VerboseEnabled() {
		return
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	fd := netfd.GetFdFromConn(tc)
	if fd < 0 {
		return
	}
	info, err := unix.GetsockoptTCPInfo(fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		xlog.Proxy.Debugf("%s: TCP_INFO unavailable: %v", label, err)
		return
	}
	xlog.Proxy.Dump(label+" TCP_INFO", info)
}
