package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alarmrelay"

var (
	alarmsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "sent_total",
			Help:      "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "send_duration_seconds",
			Help:      "Time to send one alarm",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	rateLimitSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "rate_limited_total",
			Help:      "Tenant batches skipped because the batch delay has not elapsed",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tick_duration_seconds",
			Help:      "Time to process one dispatcher tick across all tenants",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func recordOutcome(outcome string) {
	alarmsSent.WithLabelValues(outcome).Inc()
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}
