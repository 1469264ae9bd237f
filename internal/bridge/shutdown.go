package bridge

import (
	"os"
	"strconv"

	"github.com/evilsocket/islazy/tui"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dreadl0ck/pppbridge/internal/xlog"
)

// teardown implements §4.H "On session shutdown": close every open TCP
// proxy flow with RST, close the serial endpoint, flush the frame/audit
// logs, and print a shutdown summary table — the same shape as the
// teacher's CleanupReassembly (tui.Table of stats to a log handle),
// reused here for a session-end report instead of a reassembly report.
func (b *Bridge) teardown() {
	xlog.Bridge.Infof("session shutting down, closing %d open flow(s)", b.table.Len())
	b.table.AbortAll()

	if b.serial != nil {
		if err := b.serial.Close(); err != nil {
			xlog.Bridge.Warnf("closing serial device: %v", err)
		}
	}
	if err := b.frameLog.Close(); err != nil {
		xlog.Bridge.Warnf("closing frame log: %v", err)
	}
	if err := b.auditLog.Close(); err != nil {
		xlog.Bridge.Warnf("closing audit log: %v", err)
	}

	b.printSummary()
}

func (b *Bridge) printSummary() {
	m := b.metrics
	tui.Table(os.Stderr, []string{"Session Stat", "Value"}, [][]string{
		{"role", b.cfg.Role.String()},
		{"lcp state", b.link.LCP.State().String()},
		{"ipcp state", b.link.IPCP.State().String()},
		{"frames in", formatCounter(m.FramesIn)},
		{"frames out", formatCounter(m.FramesOut)},
		{"tcp segments in", formatCounter(m.SegmentsIn)},
		{"tcp segments out", formatCounter(m.SegmentsOut)},
		{"retransmits", formatCounter(m.Retransmits)},
		{"connections opened", formatCounter(m.ConnectionsOpen)},
		{"connections closed", formatCounter(m.ConnectionsClosed)},
		{"negotiation failures", formatCounter(m.NegotiationFailures)},
	})
}

// formatCounter reads a prometheus.Counter's current value back out for
// the human-readable shutdown table; prometheus counters have no public
// getter, so this goes through the same wire-metric representation the
// registry/scrape path would use.
func formatCounter(c prometheus.Counter) string {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return "?"
	}
	return strconv.FormatFloat(m.GetCounter().GetValue(), 'f', 0, 64)
}
