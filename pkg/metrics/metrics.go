package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "integrations"

type Metrics struct {
	Kafka KafkaMetrics
	API   APIMetrics
	Token TokenMetrics
	Relay RelayMetrics
	Sync  SyncMetrics
	Go    GoMetrics
}

type KafkaMetrics struct {
	// Producer
	ProducerAttemptLatencySeconds *prometheus.HistogramVec
	ProducerOperationsTotal       *prometheus.CounterVec
	ProducerSuccessAttempts       *prometheus.HistogramVec

	// Consumer
	ConsumerMessagesTotal   *prometheus.CounterVec
	ConsumerProcessDuration *prometheus.HistogramVec
	ConsumerRebalancesTotal *prometheus.CounterVec
	ConsumerInFlight        *prometheus.GaugeVec
}

type APIMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

type TokenMetrics struct {
	RefreshTotal    *prometheus.CounterVec // provider, result: refreshed|expired|error|cached|shared
	RefreshDuration *prometheus.HistogramVec
}

type RelayMetrics struct {
	EventsTotal   *prometheus.CounterVec // event_type, result: sent|failed|gave_up
	BatchSize     prometheus.Histogram
	BacklogEvents prometheus.Gauge
}

type SyncMetrics struct {
	ItemsTotal    *prometheus.CounterVec // platform, entity_type, result: success|retry|failed
	PushTotal     *prometheus.CounterVec // platform, result
	ItemDuration  *prometheus.HistogramVec
	EnqueuedTotal *prometheus.CounterVec // source: api|trigger|webhook|schedule
}

type GoMetrics struct {
	InternalGoroutines *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Kafka: KafkaMetrics{
			ProducerAttemptLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "producer_attempt_latency_seconds",
				Help:      "Latency per single produce attempt.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic", "result"}), // ok|error

			ProducerOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "producer_operations_total",
				Help:      "Total produce operations (one call) by result.",
			}, []string{"topic", "result"}), // success|failed|permanent|canceled

			ProducerSuccessAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "producer_success_attempts",
				Help:      "Attempt number on which produce operation succeeded.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			}, []string{"topic"}),

			ConsumerMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_messages_total",
				Help:      "Total consumed Kafka messages by topic and result.",
			}, []string{"topic", "result"}),

			ConsumerProcessDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_process_duration_seconds",
				Help:      "Kafka message processing duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic"}),

			ConsumerRebalancesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_rebalances_total",
				Help:      "Consumer rebalance lifecycle events.",
			}, []string{"event"}),

			ConsumerInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_inflight_messages",
				Help:      "Messages currently being processed.",
			}, []string{"topic"}),
		},

		API: APIMetrics{
			HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path and status.",
			}, []string{"method", "path", "status"}),

			HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"method", "path", "status"}),
		},

		Token: TokenMetrics{
			RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "refresh_total",
				Help:      "Token lookups by provider and outcome.",
			}, []string{"provider", "result"}),

			RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "refresh_duration_seconds",
				Help:      "Provider refresh-grant call latency.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"provider"}),
		},

		Relay: RelayMetrics{
			EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "events_total",
				Help:      "Outbox events processed by the relay, by type and result.",
			}, []string{"event_type", "result"}),

			BatchSize: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "batch_size",
				Help:      "Number of outbox events claimed per poll.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
			}),

			BacklogEvents: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "backlog_events",
				Help:      "Outbox events waiting for delivery (NEW or FAILED).",
			}),
		},

		Sync: SyncMetrics{
			ItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "items_total",
				Help:      "Processed sync queue items by platform, entity type and result.",
			}, []string{"platform", "entity_type", "result"}),

			PushTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "push_total",
				Help:      "Synchronous outbound pushes by platform and result.",
			}, []string{"platform", "result"}),

			ItemDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "item_duration_seconds",
				Help:      "Sync item processing duration.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"platform", "entity_type"}),

			EnqueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "enqueued_total",
				Help:      "Sync queue items enqueued by source.",
			}, []string{"source"}),
		},

		Go: GoMetrics{
			InternalGoroutines: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "go",
				Name:      "internal_goroutines",
				Help:      "Number of running internal goroutines by name.",
			}, []string{"name"}),
		},
	}
}
