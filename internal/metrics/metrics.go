// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証・課金・アクセス判定の各層から利用する。
type MetricsCollector interface {
	RecordSessionIssued()
	RecordLoginFailure(reason string)
	RecordBillingEvent(eventType, outcome string)
	RecordWebhookLatency(duration time.Duration)
	RecordRateLimitDenied(operation string)
	RecordAccessDecision(granted bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsIssued  prometheus.Counter
	loginFailures   *prometheus.CounterVec
	billingEvents   *prometheus.CounterVec
	webhookLatency  prometheus.Histogram
	rateLimitDenied *prometheus.CounterVec
	accessDecisions *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sanctum_sessions_issued_total",
			Help: "発行したセッションの合計数",
		}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctum_login_failures_total",
			Help: "理由別のログイン失敗数",
		}, []string{"reason"}),
		billingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctum_billing_events_total",
			Help: "種別・処理結果別の課金イベント数",
		}, []string{"type", "outcome"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sanctum_billing_webhook_latency_seconds",
			Help:    "課金Webhook処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctum_rate_limit_denied_total",
			Help: "操作別のレート制限による拒否数",
		}, []string{"operation"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctum_access_decisions_total",
			Help: "ティア判定の結果別件数",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		c.sessionsIssued,
		c.loginFailures,
		c.billingEvents,
		c.webhookLatency,
		c.rateLimitDenied,
		c.accessDecisions,
	)

	return c
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued() {
	c.sessionsIssued.Inc()
}

// RecordLoginFailure はログイン失敗を記録する。
func (c *Collector) RecordLoginFailure(reason string) {
	c.loginFailures.WithLabelValues(reason).Inc()
}

// RecordBillingEvent は課金イベントの処理結果を記録する。
func (c *Collector) RecordBillingEvent(eventType, outcome string) {
	c.billingEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordWebhookLatency はWebhook処理のレイテンシを記録する。
func (c *Collector) RecordWebhookLatency(duration time.Duration) {
	c.webhookLatency.Observe(duration.Seconds())
}

// RecordRateLimitDenied はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitDenied(operation string) {
	c.rateLimitDenied.WithLabelValues(operation).Inc()
}

// RecordAccessDecision はティア判定の結果を記録する。
func (c *Collector) RecordAccessDecision(granted bool) {
	decision := "denied"
	if granted {
		decision = "granted"
	}
	c.accessDecisions.WithLabelValues(decision).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス不要な呼び出し元とテストで使う。
type Nop struct{}

func (Nop) RecordSessionIssued()               {}
func (Nop) RecordLoginFailure(string)          {}
func (Nop) RecordBillingEvent(string, string)  {}
func (Nop) RecordWebhookLatency(time.Duration) {}
func (Nop) RecordRateLimitDenied(string)       {}
func (Nop) RecordAccessDecision(bool)          {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
