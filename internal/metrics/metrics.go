// Package metrics は、取り込み処理の Prometheus メトリクスを提供します。
// すべてのメソッドは nil レシーバでも安全に呼べるため、メトリクス無効時は nil を渡します。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matomeln"

// Metrics は取り込みパイプラインのメトリクス一式です。
type Metrics struct {
	registry *prometheus.Registry

	FetchAttempts  *prometheus.CounterVec
	IngestResults  *prometheus.CounterVec
	LayoutMatches  *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec
}

// New は専用のレジストリにメトリクスを登録して返します。
// グローバルなレジストリを使わないので、テストで何度生成しても衝突しません。
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Number of candidate URL fetch attempts",
		},
		[]string{"source", "status"},
	)
	m.IngestResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_results_total",
			Help:      "Number of ingest calls by outcome",
		},
		[]string{"source", "outcome"},
	)
	m.LayoutMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layout_matches_total",
			Help:      "Number of documents parsed by each format layout",
		},
		[]string{"source", "layout"},
	)
	m.IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of ingest calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	m.HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.registry.MustRegister(
		m.FetchAttempts,
		m.IngestResults,
		m.LayoutMatches,
		m.IngestDuration,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAttempt は候補URLへの取得の試みを1件記録します。status が 0 なら通信エラーです。
func (m *Metrics) ObserveAttempt(source string, status int) {
	if m == nil || m.FetchAttempts == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.FetchAttempts.WithLabelValues(source, label).Inc()
}

// ObserveIngest は取り込み1回の結果と所要時間を記録します。
func (m *Metrics) ObserveIngest(source, outcome string, elapsed time.Duration) {
	if m == nil || m.IngestResults == nil {
		return
	}
	m.IngestResults.WithLabelValues(source, outcome).Inc()
	m.IngestDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveLayout は、文書の解析に使われた形式を記録します。
func (m *Metrics) ObserveLayout(source, layout string) {
	if m == nil || m.LayoutMatches == nil {
		return
	}
	m.LayoutMatches.WithLabelValues(source, layout).Inc()
}

// Middleware は API リクエスト数を数える gin ミドルウェアです。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil || m.HTTPRequests == nil {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler は /metrics 用の HTTP ハンドラを返します。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry はテストや追加のコレクタ登録のためにレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
