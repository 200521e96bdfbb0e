package mailer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kuanalu"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "queue_size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	itemsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "enqueued_total",
			Help:      "Total items accepted into the delivery queue",
		},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "claimed_total",
			Help:      "Total items claimed for dispatch (before send attempt)",
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "send_duration_seconds",
			Help:      "Time spent on a single provider send call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "webhook_events_total",
			Help:      "Webhook events by type and processing outcome",
		},
		[]string{"type", "outcome"},
	)
)

func recordEnqueued() {
	itemsEnqueued.Inc()
}

func recordQueueClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

func recordDispatchOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func recordWebhookEvent(eventType, outcome string) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("processing").Set(float64(stats.Processing))
	queueSize.WithLabelValues("retrying").Set(float64(stats.Retrying))
	queueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	queueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
