package queue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

const namespace = "alarmrelay"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	queueSizeByPriority = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size_by_priority",
			Help:      "Number of queue entries by priority",
		},
		[]string{"priority"},
	)

	entriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total entries enqueued",
		},
		[]string{"priority"},
	)

	entriesDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dequeued_total",
			Help:      "Total entries claimed for dispatch by the status they were claimed from",
		},
		[]string{"from_status"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "status_transitions_total",
			Help:      "Total status updates by target status",
		},
		[]string{"status"},
	)

	entriesCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "cleanup_deleted_total",
			Help:      "Total entries removed by retention cleanup",
		},
	)

	entriesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "recovered_total",
			Help:      "Total entries returned from a stale SENDING claim to RETRY",
		},
	)
)

func recordEnqueued(p domain.Priority) {
	entriesEnqueued.WithLabelValues(strconv.Itoa(int(p))).Inc()
}

func recordDequeued(from domain.QueueStatus, count int) {
	entriesDequeued.WithLabelValues(string(from)).Add(float64(count))
}

func recordTransition(status domain.QueueStatus) {
	statusTransitions.WithLabelValues(string(status)).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *storage.QueueStats) {
	queueSize.WithLabelValues(string(domain.StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(domain.StatusSending)).Set(float64(stats.Sending))
	queueSize.WithLabelValues(string(domain.StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(domain.StatusFailed)).Set(float64(stats.Failed))
	queueSize.WithLabelValues(string(domain.StatusRetry)).Set(float64(stats.Retry))
	for p, n := range stats.ByPriority {
		queueSizeByPriority.WithLabelValues(strconv.Itoa(int(p))).Set(float64(n))
	}
}
