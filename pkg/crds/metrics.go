package crds

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Inserts is the number of attempted inserts labelled by route and
	// result.
	Inserts *prometheus.CounterVec

	// Entries is the number of stored records labelled by kind.
	Entries *prometheus.GaugeVec

	// Purged is the total number of records removed by purge.
	Purged prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Inserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "store",
				Name:      "inserts_total",
				Help:      "Total number of attempted inserts",
			},
			[]string{"route", "result"},
		),
		Entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "crds",
				Subsystem: "store",
				Name:      "entries",
				Help:      "Number of stored records",
			},
			[]string{"kind"},
		),
		Purged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "store",
				Name:      "purged_total",
				Help:      "Total number of records removed by purge",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Inserts,
		m.Entries,
		m.Purged,
	)
}
