package node

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PacketsInbound is the total number of received packets labelled by
	// message type.
	PacketsInbound *prometheus.CounterVec

	// PacketBytesInbound is the total number of read bytes.
	PacketBytesInbound prometheus.Counter

	// PacketsOutbound is the total number of sent packets labelled by
	// message type.
	PacketsOutbound *prometheus.CounterVec

	// PacketBytesOutbound is the total number of written bytes.
	PacketBytesOutbound prometheus.Counter

	// PacketErrors is the total number of packets that could not be
	// handled, labelled by message type.
	PacketErrors *prometheus.CounterVec

	// PullRequestsUnverified is the total number of pull requests dropped
	// as the caller has not responded to a ping.
	PullRequestsUnverified prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		PacketsInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "packets_inbound_total",
				Help:      "Total number of received packets",
			},
			[]string{"type"},
		),
		PacketBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "packet_bytes_inbound_total",
				Help:      "Total number of read bytes via a packet connection",
			},
		),
		PacketsOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "packets_outbound_total",
				Help:      "Total number of sent packets",
			},
			[]string{"type"},
		),
		PacketBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "packet_bytes_outbound_total",
				Help:      "Total number of written bytes via a packet connection",
			},
		),
		PacketErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "packet_errors_total",
				Help:      "Total number of packets that could not be handled",
			},
			[]string{"type"},
		),
		PullRequestsUnverified: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "node",
				Name:      "pull_requests_unverified_total",
				Help:      "Total number of pull requests from unverified callers",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PacketsInbound,
		m.PacketBytesInbound,
		m.PacketsOutbound,
		m.PacketBytesOutbound,
		m.PacketErrors,
		m.PullRequestsUnverified,
	)
}
