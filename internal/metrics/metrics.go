// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する。
// ingest.RefreshMetrics、delivery.WorkerMetrics、inbox.InboxMetricsを実装する。
type Collector struct {
	feedRefresh     *prometheus.CounterVec
	delivery        *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	task            *prometheus.CounterVec
	inboundActivity *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		feedRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpub_feed_refresh_total",
			Help: "フィードリフレッシュの結果別合計数",
		}, []string{"outcome"}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpub_delivery_total",
			Help: "アクティビティ配送の結果別合計数",
		}, []string{"outcome"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpub_delivery_latency_seconds",
			Help:    "アクティビティ配送のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		task: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpub_task_total",
			Help: "タスク処理の種別・結果別合計数",
		}, []string{"kind", "outcome"}),
		inboundActivity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpub_inbound_activity_total",
			Help: "受信アクティビティの種別・結果別合計数",
		}, []string{"type", "outcome"}),
	}

	reg.MustRegister(
		c.feedRefresh,
		c.delivery,
		c.deliveryLatency,
		c.task,
		c.inboundActivity,
	)

	return c
}

// FeedRefreshed はフィードリフレッシュ結果を記録する。
func (c *Collector) FeedRefreshed(outcome string) {
	c.feedRefresh.WithLabelValues(outcome).Inc()
}

// DeliveryCompleted は配送結果とレイテンシを記録する。
func (c *Collector) DeliveryCompleted(outcome string, seconds float64) {
	c.delivery.WithLabelValues(outcome).Inc()
	c.deliveryLatency.Observe(seconds)
}

// TaskProcessed はタスク処理結果を記録する。
func (c *Collector) TaskProcessed(kind, outcome string) {
	c.task.WithLabelValues(kind, outcome).Inc()
}

// InboundActivity は受信アクティビティの処理結果を記録する。
func (c *Collector) InboundActivity(activityType, outcome string) {
	c.inboundActivity.WithLabelValues(activityType, outcome).Inc()
}

// SetupMetricsRoute はメトリクス公開用のHTTPハンドラーを返す。
func SetupMetricsRoute(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
