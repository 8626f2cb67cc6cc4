package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_total",
			Help: "Publish runs by outcome",
		},
		[]string{"result"},
	)

	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Duration of a publish run from first push to last verification",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	publishKeyCacheMiss = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publish_key_cache_miss_total",
			Help: "Scheduled publishes aborted because the collection key was not in the scheduler cache",
		},
	)

	publishVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_verifications_total",
			Help: "Per-host verification outcomes",
		},
		[]string{"host", "result"},
	)

	scheduledPublishes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "publish_scheduled_collections",
			Help: "Collections waiting for their publish date",
		},
	)
)

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
