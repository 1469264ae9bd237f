package tcpstack

import (
	"sort"
	"time"

	"github.com/dreadl0ck/pppbridge/internal/wire"
	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

func keyFromSegment(seg *wire.Segment) FlowKey {
	return FlowKey{SrcIP: seg.SrcIP, SrcPort: seg.SrcPort, DstIP: seg.DstIP, DstPort: seg.DstPort}
}

// Dispatch routes one inbound TCP segment to its connection (§4.D). The
// caller (the bridge's dispatch loop) is responsible for deciding whether
// an unmatched SYN belongs to a configured service and calling NewPassive
// before re-delivering it here.
func (t *Table) Dispatch(seg *wire.Segment) error {
	key := keyFromSegment(seg)
	c, ok := t.Get(key)
	if !ok {
		if seg.Flags.RST {
			return nil
		}
		t.replyRST(seg)
		return nil
	}

	c.Lock()
	defer c.Unlock()
	return t.step(c, seg)
}

func (t *Table) step(c *Conn, seg *wire.Segment) error {
	c.lastActivity = time.Now()

	if seg.Flags.RST {
		xlog.TCP.Debugf("%s: RST received in %s", c.ID, c.State)
		t.abort(c)
		return nil
	}

	switch c.State {
	case StateListen:
		return t.stepListen(c, seg)
	case StateSynSent:
		return t.stepSynSent(c, seg)
	case StateSynRcvd:
		return t.stepSynRcvd(c, seg)
	case StateEstablished, StateCloseWait:
		return t.stepDataTransfer(c, seg)
	case StateFinWait1:
		return t.stepFinWait1(c, seg)
	case StateFinWait2:
		return t.stepFinWait2(c, seg)
	case StateClosing:
		return t.stepClosing(c, seg)
	case StateLastAck:
		return t.stepLastAck(c, seg)
	case StateTimeWait:
		// Any arriving segment in TIME_WAIT is a retransmit of the
		// peer's final FIN; re-ACK and restart the 2MSL timer.
		t.sendAckOnly(c)
		t.armTimeWait(c)
		return nil
	default:
		return nil
	}
}

func (t *Table) stepListen(c *Conn, seg *wire.Segment) error {
	if !seg.Flags.SYN || seg.Flags.ACK {
		return nil
	}
	c.iss = randomISS()
	c.rcvNxt = seg.Seq + 1
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndWnd = seg.Window
	if seg.Options.MSS != nil {
		c.peerMSS = *seg.Options.MSS
	} else {
		c.peerMSS = 536
	}
	c.State = StateSynRcvd
	t.transmit(c, wire.Flags{SYN: true, ACK: true}, nil)
	return nil
}

func (t *Table) stepSynSent(c *Conn, seg *wire.Segment) error {
	if !seg.Flags.SYN {
		if seg.Flags.ACK {
			// Ack without syn this early is out of sequence; ignore.
			return nil
		}
		return nil
	}
	if seg.Flags.ACK && seg.Ack != c.sndNxt {
		t.replyRST(seg)
		return nil
	}
	c.rcvNxt = seg.Seq + 1
	c.sndWnd = seg.Window
	if seg.Options.MSS != nil {
		c.peerMSS = *seg.Options.MSS
	} else {
		c.peerMSS = 536
	}
	t.Timers.Cancel(c.Key, TimerConnectTimeout)
	if seg.Flags.ACK {
		c.sndUna = seg.Ack
		pruneRetransmitQueue(c, seg.Ack)
		c.State = StateEstablished
		t.transmit(c, wire.Flags{ACK: true}, nil)
		xlog.TCP.Infof("%s: connection established (active)", c.ID)
		t.Hooks.Established(c)
	} else {
		// Simultaneous open: peer only sent SYN, no ACK of ours yet.
		c.State = StateSynRcvd
		t.transmit(c, wire.Flags{SYN: true, ACK: true}, nil)
	}
	return nil
}

func (t *Table) stepSynRcvd(c *Conn, seg *wire.Segment) error {
	if !seg.Flags.ACK || seg.Ack != c.sndNxt {
		return nil
	}
	c.sndUna = seg.Ack
	pruneRetransmitQueue(c, seg.Ack)
	c.State = StateEstablished
	xlog.TCP.Infof("%s: connection established (passive)", c.ID)
	t.Hooks.Established(c)
	if len(seg.Payload) > 0 || seg.Flags.FIN {
		return t.stepDataTransfer(c, seg)
	}
	return nil
}

// stepDataTransfer implements the §4.D "ESTABLISHED" hot path, also used
// for CLOSE_WAIT (the peer may still be the one sending outstanding data
// right after it closed its own write side) and for FIN_WAIT_1/2/CLOSING
// by delegating from those handlers.
func (t *Table) stepDataTransfer(c *Conn, seg *wire.Segment) error {
	t.processAck(c, seg)
	t.processData(c, seg)
	if seg.Flags.FIN {
		t.processFin(c)
	}
	return nil
}

func (t *Table) stepFinWait1(c *Conn, seg *wire.Segment) error {
	finAckedNow := false
	if seg.Flags.ACK && seg.Ack == c.sndNxt && finSentAndUnacked(c) {
		finAckedNow = true
	}
	t.processAck(c, seg)
	t.processData(c, seg)
	if seg.Flags.FIN {
		c.rcvNxt++
		t.sendAckOnly(c)
		if finAckedNow {
			c.State = StateTimeWait
			t.armTimeWait(c)
		} else {
			c.State = StateClosing
		}
		return nil
	}
	if finAckedNow {
		c.State = StateFinWait2
	}
	return nil
}

func (t *Table) stepFinWait2(c *Conn, seg *wire.Segment) error {
	t.processAck(c, seg)
	t.processData(c, seg)
	if seg.Flags.FIN {
		c.rcvNxt++
		t.sendAckOnly(c)
		c.State = StateTimeWait
		t.armTimeWait(c)
	}
	return nil
}

func (t *Table) stepClosing(c *Conn, seg *wire.Segment) error {
	if seg.Flags.ACK && seg.Ack == c.sndNxt {
		t.processAck(c, seg)
		c.State = StateTimeWait
		t.armTimeWait(c)
	}
	return nil
}

func (t *Table) stepLastAck(c *Conn, seg *wire.Segment) error {
	if seg.Flags.ACK && seg.Ack == c.sndNxt {
		t.Hooks.ShutdownProxy(c)
		t.Remove(c.Key)
	}
	return nil
}

// connectTimeout is the §5 "service socket open" style budget applied to
// an active-opened connection waiting for a SYN-ACK.
const connectTimeout = 10 * time.Second

// OpenActive sends the initial SYN for a connection this side originates
// (the client forwarder, §4.G) and arms its connect timeout.
func (t *Table) OpenActive(c *Conn) {
	c.Lock()
	defer c.Unlock()
	c.iss = randomISS()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.State = StateSynSent
	t.transmit(c, wire.Flags{SYN: true}, nil)
	t.Timers.Arm(TimerConnectTimeout, c.Key, 0, time.Now().Add(connectTimeout))
}

func finSentAndUnacked(c *Conn) bool {
	return c.finSent
}

// processAck folds one inbound ACK into the send side: RTT sampling
// (Karn's rule), retransmit-queue pruning, NewReno congestion control and
// duplicate-ACK / fast-recovery handling (§4.D).
func (t *Table) processAck(c *Conn, seg *wire.Segment) {
	if !seg.Flags.ACK {
		return
	}
	if seg.Ack == c.sndUna {
		if len(c.retransmitQueue) == 0 {
			return
		}
		c.dupAcks++
		if c.dupAcks == 3 && !c.fastRecovery {
			c.fastRecovery = true
			c.cc.EnterFastRecovery(c.sndNxt)
			t.retransmitEarliest(c)
		} else if c.fastRecovery {
			c.cc.InflateForDupAck()
		}
		return
	}
	if seg.Ack < c.sndUna || seg.Ack > c.sndNxt {
		return // outside the window; not a valid new ack
	}

	acked := seg.Ack - c.sndUna
	c.sndUna = seg.Ack
	c.dupAcks = 0
	c.sndWnd = seg.Window

	now := time.Now()
	for _, rs := range c.retransmitQueue {
		if rs.sentOnce && rs.seqEnd <= seg.Ack {
			c.rtt.Sample(now.Sub(rs.firstSentAt))
		}
	}
	pruneRetransmitQueue(c, seg.Ack)

	if c.bytesInFlight > int(acked) {
		c.bytesInFlight -= int(acked)
	} else {
		c.bytesInFlight = 0
	}

	if c.fastRecovery {
		if seg.Ack >= c.cc.recoveryPoint {
			c.cc.ExitFastRecovery()
			c.fastRecovery = false
		}
	} else {
		c.cc.OnNewAck(acked)
	}
	c.notifyWindow()

	if len(c.retransmitQueue) == 0 {
		t.Timers.Cancel(c.Key, TimerRetransmission)
		c.retransmitTimerSet = false
		if c.State == StateTimeWait {
			// nothing to do; TimeWait timer governs removal
		}
	} else {
		t.armRetransmitTimer(c, now)
	}
}

// processData implements in-order delivery, out-of-order buffering and
// reassembly (§3 "Out-of-order buffer", §4.D step "process the segment
// text").
func (t *Table) processData(c *Conn, seg *wire.Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	seq, payload := seg.Seq, seg.Payload
	if seqGreater(c.rcvNxt, seq) {
		// Retransmission/overlap (§4.D step 4): drop the bytes already
		// delivered once; any residual new data falls through to the
		// in-order path below instead of being silently dropped.
		overlap := c.rcvNxt - seq
		if overlap >= uint32(len(payload)) {
			t.sendAckOnly(c)
			return
		}
		seq, payload = c.rcvNxt, payload[overlap:]
	}
	if seq == c.rcvNxt {
		t.deliver(c, payload)
		c.rcvNxt += uint32(len(payload))
		t.drainOOO(c)
		t.sendAckOnly(c)
		return
	}
	insertOOO(c, seq, seq+uint32(len(payload)), payload)
	// Buffered out-of-order data: a duplicate/challenge ACK is sent
	// either way (§9 "uniform challenge-ACK behaviour").
	t.sendAckOnly(c)
}

func (t *Table) deliver(c *Conn, payload []byte) {
	if !c.ProxyActive && !c.activeOpener {
		c.ProxyActive = true
		c.ProxyData = make(chan []byte, 64)
		c.ProxyDone = make(chan struct{})
		t.Hooks.OpenProxy(c)
	}
	c.BytesIn += uint64(len(payload))
	if c.ProxyData == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.ProxyData <- buf:
	case <-c.ProxyDone:
	}
}

func (t *Table) drainOOO(c *Conn) {
	for {
		progressed := false
		for i, o := range c.oooBuffer {
			if o.seqStart == c.rcvNxt {
				t.deliver(c, o.data)
				c.rcvNxt += uint32(len(o.data))
				c.oooBuffer = append(c.oooBuffer[:i], c.oooBuffer[i+1:]...)
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
}

func insertOOO(c *Conn, start, end uint32, payload []byte) {
	for _, o := range c.oooBuffer {
		if o.seqStart == start {
			return // already buffered
		}
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.oooBuffer = append(c.oooBuffer, &oooSegment{seqStart: start, seqEnd: end, data: buf})
	sort.Slice(c.oooBuffer, func(i, j int) bool { return c.oooBuffer[i].seqStart < c.oooBuffer[j].seqStart })
}

func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }

func (t *Table) processFin(c *Conn) {
	if c.finRcvd {
		return
	}
	c.finRcvd = true
	c.rcvNxt++
	t.sendAckOnly(c)
	switch c.State {
	case StateEstablished:
		c.State = StateCloseWait
		xlog.TCP.Debugf("%s: peer closed write side, entering CLOSE_WAIT", c.ID)
	case StateCloseWait:
		// duplicate FIN, already handled
	}
}

// Close begins an active close for c: the local service connection
// reached EOF and the remaining buffered bytes (if any) have already been
// sent, so a FIN is queued now (§9 REDESIGN FLAGS item 4, graceful
// service-EOF teardown instead of an immediate RST).
func (t *Table) Close(c *Conn) {
	c.Lock()
	defer c.Unlock()
	if c.finSent {
		return
	}
	switch c.State {
	case StateEstablished:
		c.finSent = true
		t.transmit(c, wire.Flags{FIN: true, ACK: true}, nil)
		c.State = StateFinWait1
	case StateCloseWait:
		c.finSent = true
		t.transmit(c, wire.Flags{FIN: true, ACK: true}, nil)
		c.State = StateLastAck
	}
}

func (t *Table) abort(c *Conn) {
	t.Hooks.ShutdownProxy(c)
	t.Remove(c.Key)
}

// Abort lets an external caller (the proxy, on an unrecoverable native
// socket error) force an immediate RST + teardown. The caller must not
// already hold c's lock.
func (t *Table) Abort(c *Conn) {
	c.Lock()
	defer c.Unlock()
	t.AbortLocked(c)
}

// AbortLocked is Abort for a caller that already holds c's lock — a Hooks
// implementation invoked from the dispatch loop (see the Hooks doc
// comment in table.go), such as OpenProxy rejecting an unmapped service.
func (t *Table) AbortLocked(c *Conn) {
	t.sendRST(c)
	t.abort(c)
}

// TrySend writes up to one segment's worth of payload for c, honouring
// the effective send window (§4.E back-pressure: "if cwnd is exhausted,
// service->PPP must pause writes until ACKs free window"). It returns
// the number of bytes actually consumed from payload, which may be 0.
func (t *Table) TrySend(c *Conn, payload []byte) int {
	c.Lock()
	defer c.Unlock()
	if c.State != StateEstablished && c.State != StateCloseWait {
		return 0
	}
	avail := EffectiveWindow(uint32(c.sndWnd), c.cc.cwnd, c.bytesInFlight)
	if avail == 0 {
		return 0
	}
	n := len(payload)
	if uint32(n) > avail {
		n = int(avail)
	}
	if n > int(c.mss) {
		n = int(c.mss)
	}
	if n == 0 {
		return 0
	}
	t.transmit(c, wire.Flags{ACK: true, PSH: true}, payload[:n])
	return n
}

func pruneRetransmitQueue(c *Conn, ack uint32) {
	kept := c.retransmitQueue[:0]
	for _, rs := range c.retransmitQueue {
		if rs.seqEnd > ack {
			kept = append(kept, rs)
		}
	}
	c.retransmitQueue = kept
}

func (t *Table) retransmitEarliest(c *Conn) {
	if len(c.retransmitQueue) == 0 {
		return
	}
	rs := c.retransmitQueue[0]
	rs.sentOnce = false
	rs.retransmitCount++
	t.Hooks.Send(c, wire.BuildParams{
		SrcIP: c.Key.DstIP, DstIP: c.Key.SrcIP,
		SrcPort: c.Key.DstPort, DstPort: c.Key.SrcPort,
		Seq: rs.seqStart, Ack: c.rcvNxt, Flags: rs.flags,
		Window: t.recvWindow(c), Payload: rs.data,
	})
	t.Hooks.Retransmit(c)
}

// transmit sends one segment for c and, if it carries SYN/FIN/data,
// enqueues it on the retransmit queue and arms the retransmission timer.
func (t *Table) transmit(c *Conn, flags wire.Flags, payload []byte) {
	seq := c.sndNxt
	length := uint32(len(payload))
	if flags.SYN || flags.FIN {
		length++
	}

	params := wire.BuildParams{
		SrcIP: c.Key.DstIP, DstIP: c.Key.SrcIP,
		SrcPort: c.Key.DstPort, DstPort: c.Key.SrcPort,
		Seq: seq, Ack: c.rcvNxt, Flags: flags,
		Window: t.recvWindow(c), Payload: payload,
	}
	if flags.SYN {
		mss := t.localMSS
		params.MSS = &mss
	}
	t.Hooks.Send(c, params)
	c.BytesOut += uint64(len(payload))

	if length > 0 {
		rs := &retransmitSegment{
			seqStart: seq, seqEnd: seq + length,
			data: payload, flags: flags,
			firstSentAt: time.Now(), sentOnce: true,
		}
		c.retransmitQueue = append(c.retransmitQueue, rs)
		c.bytesInFlight += int(length)
		t.armRetransmitTimer(c, time.Now())
	}
	c.sndNxt += length
}

func (t *Table) sendAckOnly(c *Conn) {
	params := wire.BuildParams{
		SrcIP: c.Key.DstIP, DstIP: c.Key.SrcIP,
		SrcPort: c.Key.DstPort, DstPort: c.Key.SrcPort,
		Seq: c.sndNxt, Ack: c.rcvNxt, Flags: wire.Flags{ACK: true},
		Window: t.recvWindow(c),
	}
	t.Hooks.Send(c, params)
}

func (t *Table) recvWindow(c *Conn) uint16 {
	avail := int(c.rcvWnd) - len(c.oooBuffer)*int(c.mss)
	if avail < 0 || avail > 65535 {
		if avail < 0 {
			return 0
		}
		return 65535
	}
	return uint16(avail)
}

func (t *Table) armRetransmitTimer(c *Conn, now time.Time) {
	t.Timers.Cancel(c.Key, TimerRetransmission)
	t.Timers.Arm(TimerRetransmission, c.Key, 0, now.Add(c.rtt.RTO()))
	c.retransmitTimerSet = true
}

func (t *Table) armTimeWait(c *Conn) {
	t.Timers.CancelAll(c.Key)
	c.timeWaitDeadline = time.Now().Add(t.timeWait)
	t.Timers.Arm(TimerTimeWait, c.Key, 0, c.timeWaitDeadline)
}

// replyRST answers a segment addressed to a flow the table has no
// connection for, per RFC 793's CLOSED-state rule: ACK segments get a
// bare RST echoing their ack number as the new seq; everything else gets
// an RST+ACK acknowledging what was received.
func (t *Table) replyRST(seg *wire.Segment) {
	if seg.Flags.RST {
		return
	}
	var params wire.BuildParams
	if seg.Flags.ACK {
		params = wire.BuildParams{
			SrcIP: seg.DstIP, DstIP: seg.SrcIP,
			SrcPort: seg.DstPort, DstPort: seg.SrcPort,
			Seq: seg.Ack, Flags: wire.Flags{RST: true},
		}
	} else {
		ackLen := uint32(len(seg.Payload))
		if seg.Flags.SYN || seg.Flags.FIN {
			ackLen++
		}
		params = wire.BuildParams{
			SrcIP: seg.DstIP, DstIP: seg.SrcIP,
			SrcPort: seg.DstPort, DstPort: seg.SrcPort,
			Seq: 0, Ack: seg.Seq + ackLen, Flags: wire.Flags{RST: true, ACK: true},
		}
	}
	t.SendRaw(params)
}

// SendRaw forwards a connectionless reply via the configured Hooks.
func (t *Table) SendRaw(params wire.BuildParams) {
	t.Hooks.SendRaw(params)
}

// sendRST is used by AbortAll to tear down a still-live connection.
func (t *Table) sendRST(c *Conn) {
	params := wire.BuildParams{
		SrcIP: c.Key.DstIP, DstIP: c.Key.SrcIP,
		SrcPort: c.Key.DstPort, DstPort: c.Key.SrcPort,
		Seq: c.sndNxt, Ack: c.rcvNxt, Flags: wire.Flags{RST: true, ACK: true},
	}
	t.Hooks.Send(c, params)
}

// Tick drains expired timers (§4.D retransmission, TIME_WAIT). It is
// called once per scheduler tick (§5, 100ms cadence) from the bridge.
func (t *Table) Tick(now time.Time) {
	for _, e := range t.Timers.Expired(now) {
		c, ok := t.Get(e.key)
		if !ok {
			continue
		}
		c.Lock()
		switch e.kind {
		case TimerRetransmission:
			t.onRetransmitTimeout(c, now)
		case TimerTimeWait:
			c.Unlock()
			t.Remove(e.key)
			continue
		case TimerConnectTimeout:
			if c.State == StateSynSent {
				xlog.TCP.Warnf("%s: connect timed out, no SYN-ACK", c.ID)
				t.abort(c)
			}
		}
		c.Unlock()
	}
}

func (t *Table) onRetransmitTimeout(c *Conn, now time.Time) {
	if len(c.retransmitQueue) == 0 {
		c.retransmitTimerSet = false
		return
	}
	c.retransmitCount++
	if c.retransmitCount > c.maxRetransmitCount {
		xlog.TCP.Warnf("%s: giving up after %d retransmits", c.ID, c.retransmitCount)
		t.sendRST(c)
		t.abort(c)
		return
	}
	c.rtt.Backoff()
	c.cc.OnTimeout()
	c.fastRecovery = false
	c.dupAcks = 0
	t.retransmitEarliest(c)
	t.armRetransmitTimer(c, now)
}
