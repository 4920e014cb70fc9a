package latticesync

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a small bundle of prometheus collectors a Manager updates
// as it runs. The core never starts an HTTP server or registers these
// itself — that belongs to whatever process embeds this package, exactly
// the split the teacher draws between cli.serveHTTPHealth (which owns
// promhttp.Handler) and the packages that merely produce numbers.
type Metrics struct {
	SendGateInFlight prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	SyncFromTotal    *prometheus.CounterVec
	SyncToTotal      *prometheus.CounterVec
}

// NewMetrics constructs a Metrics bundle. Pass the result to
// prometheus.Registerer.MustRegister (via Collectors) to expose it.
func NewMetrics(tag Tag) *Metrics {
	labels := prometheus.Labels{"tag": tag}
	return &Metrics{
		SendGateInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "latticesync",
			Name:        "send_gate_in_flight",
			Help:        "Outbound sends currently admitted past the send gate.",
			ConstLabels: labels,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "latticesync",
			Name:        "messages_sent_total",
			Help:        "Frames handed to the transport, of any opcode.",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "latticesync",
			Name:        "messages_received_total",
			Help:        "Frames received from the transport, of any opcode.",
			ConstLabels: labels,
		}),
		SyncFromTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "latticesync",
			Name:        "sync_from_total",
			Help:        "sync_from calls, partitioned by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		SyncToTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "latticesync",
			Name:        "sync_to_total",
			Help:        "sync_to calls, partitioned by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

// Collectors returns every collector in the bundle, for bulk
// registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SendGateInFlight,
		m.MessagesSent,
		m.MessagesReceived,
		m.SyncFromTotal,
		m.SyncToTotal,
	}
}
