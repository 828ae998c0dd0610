package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal           *prometheus.CounterVec
	HTTPRequestDuration         *prometheus.HistogramVec
	NotificationsIngestedTotal  *prometheus.CounterVec
	NotificationsProcessedTotal *prometheus.CounterVec
	SendDuration                *prometheus.HistogramVec
	RetriesScheduledTotal       *prometheus.CounterVec
	RateLimitRejectionsTotal    *prometheus.CounterVec
	CallbacksProcessedTotal     *prometheus.CounterVec
	QueueDepth                  prometheus.Gauge
	WorkerInFlight              prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		NotificationsIngestedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_ingested_total",
				Help: "Total number of notifications accepted at ingestion",
			},
			[]string{"status", "tenant"},
		),
		NotificationsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_processed_total",
				Help: "Total number of notifications processed by outcome",
			},
			[]string{"outcome"},
		),
		SendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_send_duration_seconds",
				Help:    "Duration of outbound provider send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RetriesScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retries_scheduled_total",
				Help: "Total number of retries scheduled",
			},
			[]string{"reason"},
		),
		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_rejections_total",
				Help: "Total number of rate-limited admissions",
			},
			[]string{"stage"},
		),
		CallbacksProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbacks_processed_total",
				Help: "Total number of provider status callbacks processed",
			},
			[]string{"status"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current work queue depth",
			},
		),
		WorkerInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_in_flight",
				Help: "Number of work items currently being processed",
			},
		),
	}
}
