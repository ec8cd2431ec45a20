package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PublishedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_messages_total",
			Help: "Total number of submissions handled by the publisher (count)",
		},
		[]string{"topic", "status"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publisher_publish_duration_ms",
			Help:    "Duration of broker publish calls in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"broker"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_deliveries_total",
			Help: "Total number of deliveries resolved by the consumer (count)",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_processing_duration_ms",
			Help:    "Time from receive to resolution of a delivery in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"outcome"},
	)

	ReceiveErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_receive_errors_total",
			Help: "Total number of failed receive calls (count)",
		},
		[]string{"broker"},
	)

	ResolutionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_resolution_errors_total",
			Help: "Total number of failed complete/abandon calls (count)",
		},
		[]string{"operation"},
	)

	LockRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_lock_renewals_total",
			Help: "Total number of delivery lock renewals (count)",
		},
		[]string{"status"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_active_workers",
			Help: "Number of running consumer workers (count)",
		},
	)

	ClassifierRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_requests_total",
			Help: "Total number of classification requests (count)",
		},
		[]string{"status"},
	)

	ClassifierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_duration_ms",
			Help:    "Duration of classification requests in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"status"},
	)

	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_verdicts_total",
			Help: "Total number of verdicts by category (count)",
		},
		[]string{"category"},
	)

	ClassifierCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_cache_total",
			Help: "Verdict cache lookups (count)",
		},
		[]string{"result"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of record store operations (count)",
		},
		[]string{"backend", "operation", "status"},
	)

	StoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_ms",
			Help:    "Duration of record store operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"backend", "operation"},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Total number of messages moved through a broker backend (count)",
		},
		[]string{"broker", "topic", "direction"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"broker", "direction"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"broker", "topic", "reason"},
	)

	InspectionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspection_requests_total",
			Help: "Total number of model inspection requests (count)",
		},
		[]string{"status"},
	)

	InspectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inspection_duration_ms",
			Help:    "Duration of model inspection calls in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	ViewerQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewer_queries_total",
			Help: "Total number of record listing requests (count)",
		},
		[]string{"status"},
	)
)

var (
	publisherOnce      sync.Once
	consumerOnce       sync.Once
	inspectionOnce     sync.Once
	viewerOnce         sync.Once
	brokerOnce         sync.Once
	storeOnce          sync.Once
	circuitBreakerOnce sync.Once
	rateLimitOnce      sync.Once
)

func RegisterPublisherMetrics() {
	publisherOnce.Do(func() {
		prometheus.MustRegister(PublishedMessagesTotal)
		prometheus.MustRegister(PublishDuration)
	})
	registerRateLimitMetrics()
	RegisterBrokerMetrics()
}

func RegisterConsumerMetrics() {
	consumerOnce.Do(func() {
		prometheus.MustRegister(DeliveriesTotal)
		prometheus.MustRegister(ProcessingDuration)
		prometheus.MustRegister(ReceiveErrorsTotal)
		prometheus.MustRegister(ResolutionErrorsTotal)
		prometheus.MustRegister(LockRenewalsTotal)
		prometheus.MustRegister(ActiveWorkers)
		prometheus.MustRegister(ClassifierRequestsTotal)
		prometheus.MustRegister(ClassifierDuration)
		prometheus.MustRegister(VerdictsTotal)
		prometheus.MustRegister(ClassifierCacheTotal)
	})
	RegisterBrokerMetrics()
	RegisterStoreMetrics()
}

func RegisterInspectionMetrics() {
	inspectionOnce.Do(func() {
		prometheus.MustRegister(InspectionRequestsTotal)
		prometheus.MustRegister(InspectionDuration)
	})
}

func RegisterViewerMetrics() {
	viewerOnce.Do(func() {
		prometheus.MustRegister(ViewerQueriesTotal)
	})
	RegisterStoreMetrics()
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(BrokerMessagesTotal)
		prometheus.MustRegister(BrokerMessageSizeBytes)
		prometheus.MustRegister(DLQMessagesTotal)
	})
}

func RegisterStoreMetrics() {
	storeOnce.Do(func() {
		prometheus.MustRegister(StoreOperationsTotal)
		prometheus.MustRegister(StoreDuration)
	})
}

func RegisterCircuitBreakerMetrics() {
	circuitBreakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func registerRateLimitMetrics() {
	rateLimitOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}

func IncPublished(topic, status string) {
	PublishedMessagesTotal.WithLabelValues(topic, status).Inc()
}

func ObservePublishDuration(broker string, duration time.Duration) {
	PublishDuration.WithLabelValues(broker).Observe(float64(duration.Milliseconds()))
}

func ObserveDelivery(outcome string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	ProcessingDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func IncReceiveError(broker string) {
	ReceiveErrorsTotal.WithLabelValues(broker).Inc()
}

func IncResolutionError(operation string) {
	ResolutionErrorsTotal.WithLabelValues(operation).Inc()
}

func IncLockRenewal(status string) {
	LockRenewalsTotal.WithLabelValues(status).Inc()
}

func ObserveClassification(status string, duration time.Duration) {
	ClassifierRequestsTotal.WithLabelValues(status).Inc()
	ClassifierDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncVerdict(category string) {
	VerdictsTotal.WithLabelValues(category).Inc()
}

func IncClassifierCache(result string) {
	ClassifierCacheTotal.WithLabelValues(result).Inc()
}

func ObserveStoreOperation(backend, operation, status string, duration time.Duration) {
	StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	StoreDuration.WithLabelValues(backend, operation).Observe(float64(duration.Milliseconds()))
}

func IncBrokerMessage(broker, topic, direction string, sizeBytes int) {
	BrokerMessagesTotal.WithLabelValues(broker, topic, direction).Inc()
	BrokerMessageSizeBytes.WithLabelValues(broker, direction).Observe(float64(sizeBytes))
}

func IncDLQ(broker, topic, reason string) {
	DLQMessagesTotal.WithLabelValues(broker, topic, reason).Inc()
}

func ObserveInspection(status string, duration time.Duration) {
	InspectionRequestsTotal.WithLabelValues(status).Inc()
	InspectionDuration.Observe(float64(duration.Milliseconds()))
}

func IncViewerQuery(status string) {
	ViewerQueriesTotal.WithLabelValues(status).Inc()
}
