// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(backend, outcome string)
	RecordLogout(backend string)
	RecordRegistration(outcome string)
	RecordTokenResolve(outcome string, duration time.Duration)
	RecordOAuthLogin(provider, outcome string)
	RecordHookFailure(hook string)
	RecordTokensPurged(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins        *prometheus.CounterVec
	logouts       *prometheus.CounterVec
	registrations *prometheus.CounterVec
	resolves      *prometheus.CounterVec
	resolveTime   prometheus.Histogram
	oauthLogins   *prometheus.CounterVec
	hookFailures  *prometheus.CounterVec
	tokensPurged  prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_login_total",
			Help: "バックエンド・結果別のログイン試行数",
		}, []string{"backend", "outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_logout_total",
			Help: "バックエンド別のログアウト数",
		}, []string{"backend"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_registration_total",
			Help: "結果別のユーザー登録試行数",
		}, []string{"outcome"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_token_resolve_total",
			Help: "結果別のトークン解決数",
		}, []string{"outcome"}),
		resolveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authbackend_token_resolve_seconds",
			Help:    "リクエスト認証にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		oauthLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_oauth_login_total",
			Help: "プロバイダー・結果別のOAuthログイン数",
		}, []string{"provider", "outcome"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_hook_failure_total",
			Help: "フック別の失敗数",
		}, []string{"hook"}),
		tokensPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authbackend_tokens_purged_total",
			Help: "クリーンアップで削除された期限切れトークンの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbackend_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.logouts,
		c.registrations,
		c.resolves,
		c.resolveTime,
		c.oauthLogins,
		c.hookFailures,
		c.tokensPurged,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(backend, outcome string) {
	c.logins.WithLabelValues(backend, outcome).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout(backend string) {
	c.logouts.WithLabelValues(backend).Inc()
}

// RecordRegistration は登録試行を記録する。
func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordTokenResolve はリクエスト認証の結果と所要時間を記録する。
func (c *Collector) RecordTokenResolve(outcome string, duration time.Duration) {
	c.resolves.WithLabelValues(outcome).Inc()
	c.resolveTime.Observe(duration.Seconds())
}

// RecordOAuthLogin はOAuthログインを記録する。
func (c *Collector) RecordOAuthLogin(provider, outcome string) {
	c.oauthLogins.WithLabelValues(provider, outcome).Inc()
}

// RecordHookFailure はフックの失敗を記録する。
func (c *Collector) RecordHookFailure(hook string) {
	c.hookFailures.WithLabelValues(hook).Inc()
}

// RecordTokensPurged は削除したトークン数を記録する。
func (c *Collector) RecordTokensPurged(count int64) {
	c.tokensPurged.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string, string)               {}
func (Nop) RecordLogout(string)                      {}
func (Nop) RecordRegistration(string)                {}
func (Nop) RecordTokenResolve(string, time.Duration) {}
func (Nop) RecordOAuthLogin(string, string)          {}
func (Nop) RecordHookFailure(string)                 {}
func (Nop) RecordTokensPurged(int64)                 {}
func (Nop) RecordHTTPStatus(int)                     {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
