// Package metrics exposes Prometheus metrics for the consensus core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the node's consensus metrics.
type Metrics struct {
	itemsApproved  prometheus.Counter
	itemsDeclined  prometheus.Counter
	itemsUndefined prometheus.Counter
	parcelsTotal   prometheus.Counter
	votesReceived  *prometheus.CounterVec
	pollingSeconds prometheus.Histogram
	activeProcs    prometheus.Gauge
}

// New creates and registers the metrics on the given registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		itemsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_approved_total",
			Help:      "Items that reached positive consensus",
		}),
		itemsDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_declined_total",
			Help:      "Items that reached negative consensus",
		}),
		itemsUndefined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_undefined_total",
			Help:      "Items that ended without a trusted verdict",
		}),
		parcelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_total",
			Help:      "Parcels processed",
		}),
		votesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_received_total",
			Help:      "Peer votes received by verdict",
		}, []string{"verdict"}),
		pollingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "polling_duration_seconds",
			Help:      "Time from local verdict to consensus",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		activeProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processors",
			Help:      "Item processors currently registered",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.itemsApproved, m.itemsDeclined, m.itemsUndefined,
			m.parcelsTotal, m.votesReceived, m.pollingSeconds, m.activeProcs,
		)
	}
	return m
}

// NewNop creates unregistered metrics for tests.
func NewNop() *Metrics {
	return New("notary_test", nil)
}

func (m *Metrics) ItemApproved()  { m.itemsApproved.Inc() }
func (m *Metrics) ItemDeclined()  { m.itemsDeclined.Inc() }
func (m *Metrics) ItemUndefined() { m.itemsUndefined.Inc() }
func (m *Metrics) ParcelStarted() { m.parcelsTotal.Inc() }

func (m *Metrics) VoteReceived(positive bool) {
	if positive {
		m.votesReceived.WithLabelValues("positive").Inc()
	} else {
		m.votesReceived.WithLabelValues("negative").Inc()
	}
}

func (m *Metrics) PollingDone(d time.Duration) {
	m.pollingSeconds.Observe(d.Seconds())
}

func (m *Metrics) ProcessorRegistered()   { m.activeProcs.Inc() }
func (m *Metrics) ProcessorUnregistered() { m.activeProcs.Dec() }
