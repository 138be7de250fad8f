package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// 外部 API 调用延迟（毫秒）：GHL / OpenAI
	ExternalCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_latency_ms",
			Help:    "Outbound provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
		[]string{"provider", "endpoint", "status"},
	)

	// 慢查询计数
	DBSlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Number of queries slower than the configured threshold",
		},
		[]string{"command"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 发送结果计数
	DispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_contacts_total",
			Help: "Priority dispatch outcome per contact",
		},
		[]string{"outcome"}, // outcome: sent, failed, skipped_no_external_id, skipped_existing
	)

	// webhook 事件计数
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Delivery webhook events by kind and result",
		},
		[]string{"kind", "result"},
	)

	// 投递状态迁移计数
	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_status_transitions_total",
			Help: "Applied delivery status transitions",
		},
		[]string{"from", "to"},
	)

	// 实验变体生成计数
	VariantGeneration = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "experiment_variants_generated_total",
			Help: "Experiment variants generated, by result",
		},
		[]string{"result"}, // result: stored, malformed, error
	)

	// 分析缓存命中
	AnalyticsCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_cache_requests_total",
			Help: "Analytics cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// 消费结果计数
	MQHandlerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_handler_results_total",
			Help: "Consumed messages by routing key and result",
		},
		[]string{"routing_key", "result"}, // result: ok, retry, dlq, dropped
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordExternalCall 记录外部调用延迟
func RecordExternalCall(provider, endpoint, status string, duration time.Duration) {
	ExternalCallLatency.WithLabelValues(provider, endpoint, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(command string) {
	DBSlowQueries.WithLabelValues(command).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementDispatch(outcome string) {
	DispatchResults.WithLabelValues(outcome).Inc()
}

func IncrementWebhookEvent(kind, result string) {
	WebhookEvents.WithLabelValues(kind, result).Inc()
}

func IncrementTransition(from, to string) {
	DeliveryTransitions.WithLabelValues(from, to).Inc()
}

func IncrementVariantGeneration(result string) {
	VariantGeneration.WithLabelValues(result).Inc()
}

func IncrementAnalyticsCache(result string) {
	AnalyticsCache.WithLabelValues(result).Inc()
}

func IncrementMQHandlerResult(routingKey, result string) {
	MQHandlerResults.WithLabelValues(routingKey, result).Inc()
}
