package program

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reply pass outcomes.
const (
	outcomeReplied   = "replied"
	outcomeSilent    = "silent"
	outcomeFailed    = "failed"
	outcomeDeferred  = "deferred"
	outcomeDisplaced = "displaced"
	outcomeSelf      = "self"
)

// Metrics are the controller's Prometheus collectors.
type Metrics struct {
	passes       *prometheus.CounterVec
	paused       prometheus.Gauge
	pending      prometheus.Gauge
	replySeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socmind_reply_passes_total",
			Help: "Reply pipeline passes by outcome.",
		}, []string{"outcome"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socmind_replies_paused",
			Help: "1 while automated replies are paused.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socmind_pending_replies",
			Help: "Coalesced (member, chat) pairs waiting for resume.",
		}),
		replySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socmind_reply_generation_seconds",
			Help:    "Time spent generating a reply.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.paused, m.pending, m.replySeconds)
	}
	return m
}

func (m *Metrics) pass(outcome string) {
	m.passes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPaused(p bool) {
	if p {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}
