// Package metrics holds the counters described in spec.md §6 "Emitted
// observations". No HTTP handler is registered here — the metrics/health
// HTTP surface is an out-of-scope external collaborator (§1); this package
// only maintains the numbers it would scrape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every counter the core maintains. Callers that do want
// to expose these (e.g. the out-of-scope monitoring collaborator) can
// register Registry.Collectors()... on their own prometheus.Registerer;
// this package deliberately never touches the default registerer or HTTP.
type Registry struct {
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	BytesIn         prometheus.Counter
	BytesOut        prometheus.Counter
	SegmentsIn      prometheus.Counter
	SegmentsOut     prometheus.Counter
	Retransmits     prometheus.Counter
	ConnectionsOpen prometheus.Counter
	ConnectionsClosed prometheus.Counter
	NegotiationFailures prometheus.Counter
}

// New builds a fresh, unregistered Registry.
func New() *Registry {
	return &Registry{
		FramesIn:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_frames_in_total", Help: "HDLC frames received from the serial link."}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_frames_out_total", Help: "HDLC frames written to the serial link."}),
		BytesIn:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_bytes_in_total", Help: "Raw bytes read from the serial link."}),
		BytesOut:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_bytes_out_total", Help: "Raw bytes written to the serial link."}),
		SegmentsIn:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_tcp_segments_in_total", Help: "TCP segments received."}),
		SegmentsOut: prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_tcp_segments_out_total", Help: "TCP segments sent."}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_tcp_retransmits_total", Help: "TCP segment retransmissions."}),
		ConnectionsOpen:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_connections_opened_total", Help: "TCP flows that reached ESTABLISHED."}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_connections_closed_total", Help: "TCP flows that were torn down."}),
		NegotiationFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "pppbridge_negotiation_failures_total", Help: "LCP/IPCP negotiation failures."}),
	}
}

// Collectors returns every counter as a prometheus.Collector, for callers
// that want to register them with their own registerer.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.FramesIn, r.FramesOut, r.BytesIn, r.BytesOut,
		r.SegmentsIn, r.SegmentsOut, r.Retransmits,
		r.ConnectionsOpen, r.ConnectionsClosed, r.NegotiationFailures,
	}
}
