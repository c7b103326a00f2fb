package pingpong

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PingsSent is the total number of pings created.
	PingsSent prometheus.Counter

	// PingsRateLimited is the total number of pings withheld due to the
	// per node rate limit.
	PingsRateLimited prometheus.Counter

	// PongsReceived is the number of received pongs labelled by result.
	PongsReceived *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		PingsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "ping",
				Name:      "pings_sent_total",
				Help:      "Total number of pings created",
			},
		),
		PingsRateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "ping",
				Name:      "pings_rate_limited_total",
				Help:      "Total number of pings withheld due to rate limiting",
			},
		),
		PongsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "ping",
				Name:      "pongs_received_total",
				Help:      "Total number of received pongs",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PingsSent,
		m.PingsRateLimited,
		m.PongsReceived,
	)
}
