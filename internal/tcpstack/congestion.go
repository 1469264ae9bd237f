package tcpstack

// congestionState implements NewReno congestion control per spec.md
// §4.D: slow start / congestion avoidance, fast recovery on 3 dup ACKs,
// timeout sets ssthresh to half of cwnd (at least 2 MSS) and resets cwnd
// to one MSS.
type congestionState struct {
	cwnd              uint32
	ssthresh          uint32
	recoveryPoint     uint32
	bytesAckedInCA    uint32
	mss               uint32
	inFastRecovery    bool
}

func newCongestionState(mss, initialCwnd, initialSsthresh uint32) congestionState {
	if initialCwnd == 0 {
		initialCwnd = mss
	}
	if initialSsthresh == 0 {
		initialSsthresh = 64 * 1024
	}
	return congestionState{
		cwnd:     initialCwnd,
		ssthresh: initialSsthresh,
		mss:      mss,
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// OnNewAck folds in a fresh (non-duplicate) ACK covering ackedBytes of
// previously-unacked data.
func (c *congestionState) OnNewAck(ackedBytes uint32) {
	if c.inFastRecovery {
		return // recovery exit/inflate handled separately by the caller
	}
	if c.cwnd < c.ssthresh {
		// Slow start.
		c.cwnd += min32(ackedBytes, c.mss)
		return
	}
	// Congestion avoidance: grow cwnd by one MSS per RTT-worth of acked bytes.
	c.bytesAckedInCA += ackedBytes
	if c.bytesAckedInCA >= c.cwnd {
		c.bytesAckedInCA -= c.cwnd
		c.cwnd += c.mss
	}
}

// EnterFastRecovery is called on the third duplicate ACK.
func (c *congestionState) EnterFastRecovery(sndNxt uint32) {
	c.ssthresh = max32(c.cwnd/2, 2*c.mss)
	c.cwnd = c.ssthresh + 3*c.mss
	c.recoveryPoint = sndNxt
	c.inFastRecovery = true
}

// InflateForDupAck is called for each additional duplicate ACK while in
// fast recovery.
func (c *congestionState) InflateForDupAck() {
	if c.inFastRecovery {
		c.cwnd += c.mss
	}
}

// ExitFastRecovery is called when an ACK advances past recoveryPoint.
func (c *congestionState) ExitFastRecovery() {
	c.cwnd = c.ssthresh
	c.inFastRecovery = false
	c.bytesAckedInCA = 0
}

// OnTimeout is called on a retransmission timeout.
func (c *congestionState) OnTimeout() {
	c.ssthresh = max32(c.cwnd/2, 2*c.mss)
	c.cwnd = c.mss
	c.inFastRecovery = false
	c.bytesAckedInCA = 0
}

// EffectiveWindow returns min(snd_wnd, cwnd) - bytes_in_flight, clamped
// to zero (§4.D "Effective send window").
func EffectiveWindow(sndWnd, cwnd uint32, bytesInFlight int) uint32 {
	w := sndWnd
	if cwnd < w {
		w = cwnd
	}
	if int(w) <= bytesInFlight {
		return 0
	}
	return w - uint32(bytesInFlight)
}
