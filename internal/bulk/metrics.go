package bulk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records pipeline activity. A nil *Metrics records nothing.
type Metrics struct {
	items        *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	callDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfie_bulk_items_total",
			Help: "Bulk items processed, by final status",
		}, []string{"status"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfie_bulk_runs_total",
			Help: "Bulk runs finished, by outcome",
		}, []string{"outcome"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shelfie_bulk_run_duration_seconds",
			Help:    "Duration of bulk runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfie_external_call_duration_seconds",
			Help:    "Duration of calls to external collaborators",
			Buckets: prometheus.DefBuckets,
		}, []string{"call"}),
	}
}

func (m *Metrics) item(status ItemStatus) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) run(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) call(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(name).Observe(d.Seconds())
}
