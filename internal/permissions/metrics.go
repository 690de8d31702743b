package permissions

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeClient    = "client"
	outcomeNoProfile = "no_profile"
	outcomeLoaded    = "loaded"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
	outcomeStale     = "stale"
)

// Metrics exposes Prometheus collectors for permission resolution.
type Metrics struct {
	resolutions *prometheus.CounterVec
	duration    prometheus.Histogram
	resolvers   prometheus.Gauge
}

// NewMetrics registers the collectors against registerer, or the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_permission_resolutions_total",
			Help: "Permission resolutions by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helpdesk_permission_lookup_duration_seconds",
			Help:    "Duration of the joined profile and grant lookups.",
			Buckets: prometheus.DefBuckets,
		}),
		resolvers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helpdesk_permission_resolvers",
			Help: "Session resolvers currently held in memory.",
		}),
	}
	registerer.MustRegister(m.resolutions, m.duration, m.resolvers)
	return m
}

func (m *Metrics) observe(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.duration.Observe(took.Seconds())
	}
}

func (m *Metrics) setResolvers(n int) {
	if m == nil {
		return
	}
	m.resolvers.Set(float64(n))
}
