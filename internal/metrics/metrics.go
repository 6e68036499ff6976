package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PublishedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outbox_published_total", Help: "Total outbox messages confirmed by the broker"},
	)
	FailedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Total failed publish attempts by outcome"},
		[]string{"outcome"},
	)
	ExhaustedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outbox_exhausted_total", Help: "Total outbox messages that ran out of retries"},
	)
	ClaimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outbox_claims_lost_total", Help: "Total state writes rejected because the claim moved on"},
	)
	LateReturns = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broker_late_returns_total", Help: "Unroutable notifications that arrived after the detection window"},
	)
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Latency of a single publish attempt",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
	ConsumedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "consumer_messages_total", Help: "Consumed broker messages by result"},
		[]string{"event_type", "result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PublishedMessages,
			FailedMessages,
			ExhaustedMessages,
			ClaimsLost,
			LateReturns,
			PublishDuration,
			ConsumedMessages,
		)
	})
}
