package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PushValuesReceived is the number of values received via push
	// labelled by result.
	PushValuesReceived *prometheus.CounterVec

	// PushValuesSent is the total number of values pushed to peers,
	// counting each peer separately.
	PushValuesSent prometheus.Counter

	// PrunesReceived is the number of prune messages received labelled by
	// result.
	PrunesReceived *prometheus.CounterVec

	// PruneOrigins is the total number of origins pruned from senders.
	PruneOrigins prometheus.Counter

	// PullRequestsSent is the total number of pull request filters sent.
	PullRequestsSent prometheus.Counter

	// PullRequestsReceived is the number of pull request filters received
	// labelled by result.
	PullRequestsReceived *prometheus.CounterVec

	// PullResponseValuesSent is the total number of values sent in pull
	// responses.
	PullResponseValuesSent prometheus.Counter

	// PullResponseValuesReceived is the number of values received in pull
	// responses labelled by result.
	PullResponseValuesReceived *prometheus.CounterVec

	// ActiveSetRotations is the total number of push active set refreshes.
	ActiveSetRotations prometheus.Counter

	// Purged is the total number of purged records.
	Purged prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		PushValuesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "push_values_received_total",
				Help:      "Total number of values received via push",
			},
			[]string{"result"},
		),
		PushValuesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "push_values_sent_total",
				Help:      "Total number of values pushed to peers",
			},
		),
		PrunesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "prunes_received_total",
				Help:      "Total number of prune messages received",
			},
			[]string{"result"},
		),
		PruneOrigins: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "prune_origins_total",
				Help:      "Total number of origins pruned from senders",
			},
		),
		PullRequestsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "pull_requests_sent_total",
				Help:      "Total number of pull request filters sent",
			},
		),
		PullRequestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "pull_requests_received_total",
				Help:      "Total number of pull request filters received",
			},
			[]string{"result"},
		),
		PullResponseValuesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "pull_response_values_sent_total",
				Help:      "Total number of values sent in pull responses",
			},
		),
		PullResponseValuesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "pull_response_values_received_total",
				Help:      "Total number of values received in pull responses",
			},
			[]string{"result"},
		),
		ActiveSetRotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "active_set_rotations_total",
				Help:      "Total number of push active set refreshes",
			},
		),
		Purged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crds",
				Subsystem: "gossip",
				Name:      "purged_total",
				Help:      "Total number of purged records",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PushValuesReceived,
		m.PushValuesSent,
		m.PrunesReceived,
		m.PruneOrigins,
		m.PullRequestsSent,
		m.PullRequestsReceived,
		m.PullResponseValuesSent,
		m.PullResponseValuesReceived,
		m.ActiveSetRotations,
		m.Purged,
	)
}
