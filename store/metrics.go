package store

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "resultflight"
	subsystem = "store"
)

// Metrics holds the store's prometheus collectors.
type Metrics struct {
	Registered    prometheus.Counter
	Delivered     prometheus.Counter
	Evicted       prometheus.Counter
	Expired       prometheus.Counter
	Rejected      *prometheus.CounterVec
	Entries       prometheus.Gauge
	BufferedBytes prometheus.Gauge
}

// NewMetrics creates the store collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registered_total",
			Help:      "Result chunks registered by producers.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivered_total",
			Help:      "Result chunks streamed to a client.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evicted_total",
			Help:      "Result chunks released before delivery.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "expired_total",
			Help:      "Result chunks released after the idle window elapsed.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_total",
			Help:      "Register calls rejected by reason.",
		}, []string{"reason"}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Result chunks currently buffered.",
		}),
		BufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffered_bytes",
			Help:      "Arena bytes held by buffered result chunks.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Registered,
			m.Delivered,
			m.Evicted,
			m.Expired,
			m.Rejected,
			m.Entries,
			m.BufferedBytes,
		)
	}
	return m
}

func (m *Metrics) held(size int64) {
	m.Entries.Inc()
	m.BufferedBytes.Add(float64(size))
}

func (m *Metrics) freed(size int64) {
	m.Entries.Dec()
	m.BufferedBytes.Sub(float64(size))
}
