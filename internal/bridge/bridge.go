// Package bridge implements the scheduler described in spec.md §4.H: it
// owns the serial endpoint, demultiplexes inbound HDLC frames to the PPP
// negotiator or the TCP/IP stack, drives the three background subtasks
// (LCP keepalive/retry, TCP timer wheel, client-forwarder bootstrap), and
// runs the single dispatch loop the rest of the core assumes (§5
// "single-threaded cooperative" scheduling model).
//
// Grounded on the teacher's ReassemblePacket (one dispatch function
// driving count/flush bookkeeping) and CleanupReassembly's shutdown
// sequence (wait for connections, flush, print a tui.Table stats
// summary) — generalized here from "flush pcap reassembly state" to
// "cancel the background subtasks, drain, RST every open flow, close the
// serial endpoint".
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/audit"
	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
	"github.com/dreadl0ck/pppbridge/internal/config"
	"github.com/dreadl0ck/pppbridge/internal/forwarder"
	"github.com/dreadl0ck/pppbridge/internal/frame"
	"github.com/dreadl0ck/pppbridge/internal/metrics"
	"github.com/dreadl0ck/pppbridge/internal/ppp"
	"github.com/dreadl0ck/pppbridge/internal/proxy"
	"github.com/dreadl0ck/pppbridge/internal/tcpstack"
	"github.com/dreadl0ck/pppbridge/internal/wire"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

const (
	// lcpTickInterval drives the LCP/IPCP restart-timer and echo
	// keepalive subtask (§5 timeouts i, v; §4.H subtask i).
	lcpTickInterval = 1 * time.Second
	// tcpTickInterval drives the TCP timer wheel (retransmission,
	// TIME_WAIT) subtask (§5; §4.H subtask ii).
	tcpTickInterval = 100 * time.Millisecond
)

// pppHeader is the fixed (addr, control, protocol) header every PPP frame
// carries on the wire (§4.B, §6).
func pppHeader(protocol uint16) []byte {
	h := make([]byte, 4)
	h[0] = 0xFF
	h[1] = 0x03
	binary.BigEndian.PutUint16(h[2:4], protocol)
	return h
}

// Bridge owns one serial session end to end: framing, PPP negotiation,
// the TCP/IP stack, and (in client mode) the local port forwarder.
type Bridge struct {
	cfg config.Config

	serial io.ReadWriteCloser
	dec    *frame.Decoder
	link   *ppp.Link
	table  *tcpstack.Table
	fwd    *forwarder.Forwarder

	metrics  *metrics.Registry
	auditLog *audit.Writer
	frameLog *xlog.FrameLog

	ipID uint32 // monotonically incrementing IP identification (§4.C)

	writeMu sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// New builds a Bridge from cfg but does not yet open the serial device
// or start negotiation; call Run for that.
func New(cfg config.Config) (*Bridge, error) {
	frameLog, err := xlog.OpenFrameLog(cfg.FrameLogPath)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		frameLog.Close()
		return nil, err
	}

	b := &Bridge{
		cfg:        cfg,
		dec:        frame.NewDecoder(),
		metrics:    metrics.New(),
		auditLog:   auditLog,
		frameLog:   frameLog,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	b.table = tcpstack.NewTable(b, cfg.MaxRetransmits, cfg.TimeWaitTimeout, cfg.MSS, cfg.InitialCwnd, cfg.InitialSsthresh)
	b.link = ppp.NewLink(cfg.Role == config.RoleHost, cfg.MRU, cfg.Magic, cfg.LocalIP, cfg.RemoteIP, b)
	b.link.OnFailed(func(err error) {
		b.metrics.NegotiationFailures.Inc()
		xlog.Bridge.Errorf("link negotiation failed: %v", err)
		b.triggerShutdown()
	})

	if cfg.Role == config.RoleClient {
		b.fwd = forwarder.New(b.table, cfg.LocalIP, cfg.RemoteIP)
		b.link.IPCP.OnOpened(func() {
			xlog.Bridge.Infof("IPCP opened, starting client port forwarder")
			if err := b.fwd.Start(cfg.PortForwardTable); err != nil {
				xlog.Bridge.Errorf("starting port forwarder: %v", err)
			}
		})
	}

	return b, nil
}

// Run opens the serial device, starts LCP negotiation, and blocks running
// the dispatch loop until the session ends (peer/link failure, a read
// error, or ctx-less external Shutdown call). A serial read error is
// returned as a TransportError; nil is returned when the session ended
// through Shutdown or through a link negotiation failure (which is
// logged and counted in NegotiationFailures by the OnFailed handler).
func (b *Bridge) Run() error {
	s, err := openSerial(b.cfg.SerialDevice, b.cfg.BaudRate)
	if err != nil {
		return err
	}
	b.serial = s
	defer close(b.doneCh)

	xlog.Bridge.Infof("serial session starting: role=%s device=%s baud=%d",
		b.cfg.Role, b.cfg.SerialDevice, b.cfg.BaudRate)

	b.link.Start()

	frames := make(chan []byte, 256)
	readErrs := make(chan error, 1)
	go b.readLoop(frames, readErrs)

	lcpTicker := time.NewTicker(lcpTickInterval)
	tcpTicker := time.NewTicker(tcpTickInterval)
	defer lcpTicker.Stop()
	defer tcpTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case fr := <-frames:
			b.dispatchFrame(fr)
		case err := <-readErrs:
			runErr = bridgeerr.New(bridgeerr.Transport, "serial read failed", err)
			break loop
		case now := <-lcpTicker.C:
			b.link.Tick(now, b.cfg.EchoInterval)
		case now := <-tcpTicker.C:
			b.table.Tick(now)
		case <-b.shutdownCh:
			break loop
		}
	}

	b.teardown()
	return runErr
}

// Shutdown requests an orderly session teardown (§4.H "on session
// shutdown"); safe to call more than once and from any goroutine.
func (b *Bridge) Shutdown() {
	b.triggerShutdown()
	<-b.doneCh
}

func (b *Bridge) triggerShutdown() {
	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

// readLoop feeds raw serial bytes to the frame decoder and forwards
// completed frames to the dispatch loop, the only goroutine allowed to
// touch the PPP negotiators or the TCP table (§5 "single-threaded
// cooperative").
func (b *Bridge) readLoop(frames chan<- []byte, errs chan<- error) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-b.shutdownCh:
			return
		default:
		}

		n, err := b.serial.Read(buf)
		if n > 0 {
			b.metrics.BytesIn.Add(float64(n))
			fs, decErrs := b.dec.PushAll(buf[:n])
			for _, de := range decErrs {
				xlog.Bridge.Debugf("frame decode error: %v", de)
			}
			for _, fr := range fs {
				b.metrics.FramesIn.Inc()
				b.frameLog.Write("in", fr)
				select {
				case frames <- fr:
				case <-b.shutdownCh:
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				select {
				case errs <- err:
				case <-b.shutdownCh:
				}
				return
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			select {
			case errs <- err:
			case <-b.shutdownCh:
			}
			return
		}
	}
}

// dispatchFrame routes one decoded HDLC frame by its PPP protocol field
// (§4.H "demultiplexes inbound frames to B or D").
func (b *Bridge) dispatchFrame(fr []byte) {
	if len(fr) < 4 {
		xlog.Bridge.Debugf("dropping undersized ppp frame (%d bytes)", len(fr))
		return
	}
	protocol := binary.BigEndian.Uint16(fr[2:4])
	if protocol == ppp.ProtoIP {
		if !b.link.Ready() {
			xlog.Bridge.Debugf("dropping IP frame before LCP+IPCP are OPENED")
			return
		}
		b.handleIP(fr[4:])
		return
	}
	if _, err := b.link.Dispatch(fr); err != nil {
		xlog.Bridge.Debugf("ppp dispatch error: %v", err)
	}
}

// handleIP parses and dispatches one IPv4/TCP datagram, registering a
// fresh LISTEN-state connection for an unmatched SYN when host mode has a
// service mapped to the destination port (§4.D LISTEN, §4.H service
// table consultation).
func (b *Bridge) handleIP(payload []byte) {
	seg, err := wire.ParseIPv4TCP(payload)
	if err != nil {
		xlog.Bridge.Debugf("ip/tcp parse error: %v", err)
		return
	}
	b.metrics.SegmentsIn.Inc()

	key := tcpstack.FlowKey{SrcIP: seg.SrcIP, SrcPort: seg.SrcPort, DstIP: seg.DstIP, DstPort: seg.DstPort}
	if _, ok := b.table.Get(key); !ok && seg.Flags.SYN && !seg.Flags.ACK && b.cfg.Role == config.RoleHost {
		if _, ok := b.cfg.ServiceTable[seg.DstPort]; ok {
			b.table.NewPassive(key)
		}
	}

	if err := b.table.Dispatch(seg); err != nil {
		xlog.Bridge.Debugf("tcp dispatch error: %v", err)
	}
}

// SendPPP implements ppp.Sender: frame and write one control packet.
func (b *Bridge) SendPPP(protocol uint16, cp ppp.ControlPacket) {
	b.writeFrame(ppp.EncodeFrame(protocol, cp))
}

// Send implements tcpstack.Hooks: serialize and write one egress TCP/IP
// segment belonging to conn.
func (b *Bridge) Send(_ *tcpstack.Conn, seg wire.BuildParams) {
	b.sendSegment(seg)
}

// SendRaw implements tcpstack.Hooks: serialize and write a connectionless
// reply (e.g. the CLOSED-state RST, §4.D "CLOSED").
func (b *Bridge) SendRaw(seg wire.BuildParams) {
	b.sendSegment(seg)
}

func (b *Bridge) sendSegment(seg wire.BuildParams) {
	seg.IPIdentification = uint16(atomic.AddUint32(&b.ipID, 1))
	data, err := wire.BuildIPv4TCP(seg)
	if err != nil {
		xlog.Bridge.Errorf("build egress segment: %v", err)
		return
	}
	b.metrics.SegmentsOut.Inc()
	b.writeFrame(append(pppHeader(ppp.ProtoIP), data...))
}

func (b *Bridge) writeFrame(body []byte) {
	encoded := frame.Encode(body)
	b.writeMu.Lock()
	_, err := b.serial.Write(encoded)
	b.writeMu.Unlock()
	if err != nil {
		xlog.Bridge.Errorf("serial write failed: %v", err)
		b.triggerShutdown()
		return
	}
	b.metrics.FramesOut.Inc()
	b.metrics.BytesOut.Add(float64(len(encoded)))
	b.frameLog.Write("out", body)
}

// OpenProxy implements tcpstack.Hooks (§4.D step 4.1, §4.E step 1): look
// up conn's destination port in the service table and start the stream
// proxy dialing it, directly or via SOCKS5.
func (b *Bridge) OpenProxy(conn *tcpstack.Conn) {
	svc, ok := b.cfg.ServiceTable[conn.Key.DstPort]
	if !ok {
		xlog.Bridge.Warnf("%s: no service mapped to port %d, aborting", conn.ID, conn.Key.DstPort)
		b.table.AbortLocked(conn)
		return
	}
	go proxy.Run(b.table, conn, b.dialFor(svc.TargetHost, svc.TargetPort))
}

func (b *Bridge) dialFor(host string, port uint16) proxy.DialFunc {
	if b.cfg.SOCKS5 != nil {
		return proxy.DialViaSOCKS5(b.cfg.SOCKS5.Address, host, port)
	}
	return proxy.DialDirect(host, port)
}

// ShutdownProxy implements tcpstack.Hooks: signal the per-flow proxy
// task to stop (idempotent, §5 "Cancellation").
func (b *Bridge) ShutdownProxy(conn *tcpstack.Conn) {
	conn.CloseProxyDone()
}

// Established implements tcpstack.Hooks: bump the open-connection
// counter, and for client-forwarder flows (whose native socket is
// already open before the handshake starts) kick off bridging now rather
// than waiting for a first data byte (§4.G step 3).
func (b *Bridge) Established(conn *tcpstack.Conn) {
	b.metrics.ConnectionsOpen.Inc()
	if conn.IsActiveOpener() && b.fwd != nil {
		b.fwd.OnEstablished(conn)
	}
}

// ConnClosed implements tcpstack.Hooks: release any synthetic port,
// bump metrics, and append an audit record (§6 "Emitted observations").
func (b *Bridge) ConnClosed(conn *tcpstack.Conn) {
	b.metrics.ConnectionsClosed.Inc()
	if conn.IsActiveOpener() {
		b.fwd.Forget(conn.Key)
		b.fwd.Release(conn.Key.DstPort)
	}
	if b.auditLog != nil {
		_ = b.auditLog.Append(audit.Record{
			ID:          conn.ID,
			ClosedAt:    audit.Now(),
			SrcIP:       fmt.Sprintf("%d.%d.%d.%d", conn.Key.SrcIP[0], conn.Key.SrcIP[1], conn.Key.SrcIP[2], conn.Key.SrcIP[3]),
			SrcPort:     conn.Key.SrcPort,
			DstIP:       fmt.Sprintf("%d.%d.%d.%d", conn.Key.DstIP[0], conn.Key.DstIP[1], conn.Key.DstIP[2], conn.Key.DstIP[3]),
			DstPort:     conn.Key.DstPort,
			FinalState:  conn.State.String(),
			BytesIn:     conn.BytesIn,
			BytesOut:    conn.BytesOut,
			Retransmits: conn.RetransmitCountLocked(),
			DurationMS:  time.Since(conn.OpenedAt()).Milliseconds(),
		})
	}
}

// Retransmit implements tcpstack.Hooks: count a resend, whether driven by
// the RTO timer or by fast recovery (§6 "Emitted observations").
func (b *Bridge) Retransmit(conn *tcpstack.Conn) {
	b.metrics.Retransmits.Inc()
}

// Metrics exposes the bridge's counters for a caller that wants to
// register them with its own prometheus.Registerer (the out-of-scope
// monitoring collaborator).
func (b *Bridge) Metrics() *metrics.Registry { return b.metrics }
