// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションやリアルタイムクライアントから利用する。
type MetricsCollector interface {
	RecordMutationSuccess(op string)
	RecordMutationFailure(op string)
	RecordRollback()
	RecordWinnerResolution()
	RecordDeltaReset()
	RecordPrefetch()
	RecordListFetchLatency(duration time.Duration)
	RecordRealtimeEvent(eventType string)
	RecordRealtimeReconnect()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	mutationSuccess    *prometheus.CounterVec
	mutationFail       *prometheus.CounterVec
	rollbacks          prometheus.Counter
	winnerResolutions  prometheus.Counter
	deltaResets        prometheus.Counter
	prefetches         prometheus.Counter
	listFetchLatency   prometheus.Histogram
	realtimeEvents     *prometheus.CounterVec
	realtimeReconnects prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mutationSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_mutation_success_total",
			Help: "状態更新成功の操作別合計数",
		}, []string{"op"}),
		mutationFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_mutation_fail_total",
			Help: "状態更新失敗の操作別合計数",
		}, []string{"op"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_rollback_total",
			Help: "楽観的更新の巻き戻しの合計数",
		}),
		winnerResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_winner_resolution_total",
			Help: "並行書き込みの勝者決定の合計数",
		}),
		deltaResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_delta_reset_total",
			Help: "デルタストア全破棄リセットの合計数",
		}),
		prefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_prefetch_total",
			Help: "先読みページフェッチの合計数",
		}),
		listFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_list_fetch_latency_seconds",
			Help:    "一覧フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_realtime_event_total",
			Help: "受信したリアルタイムイベントの種別別合計数",
		}, []string{"type"}),
		realtimeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_realtime_reconnect_total",
			Help: "リアルタイム接続の再接続試行の合計数",
		}),
	}

	reg.MustRegister(
		c.mutationSuccess,
		c.mutationFail,
		c.rollbacks,
		c.winnerResolutions,
		c.deltaResets,
		c.prefetches,
		c.listFetchLatency,
		c.realtimeEvents,
		c.realtimeReconnects,
	)

	return c
}

// RecordMutationSuccess は状態更新成功を記録する。
func (c *Collector) RecordMutationSuccess(op string) {
	c.mutationSuccess.WithLabelValues(op).Inc()
}

// RecordMutationFailure は状態更新失敗を記録する。
func (c *Collector) RecordMutationFailure(op string) {
	c.mutationFail.WithLabelValues(op).Inc()
}

// RecordRollback は楽観的更新の巻き戻しを記録する。
func (c *Collector) RecordRollback() {
	c.rollbacks.Inc()
}

// RecordWinnerResolution は並行書き込みの勝者決定を記録する。
func (c *Collector) RecordWinnerResolution() {
	c.winnerResolutions.Inc()
}

// RecordDeltaReset はデルタストアの全破棄リセットを記録する。
func (c *Collector) RecordDeltaReset() {
	c.deltaResets.Inc()
}

// RecordPrefetch は先読みページフェッチの発火を記録する。
func (c *Collector) RecordPrefetch() {
	c.prefetches.Inc()
}

// RecordListFetchLatency は一覧フェッチのレイテンシを記録する。
func (c *Collector) RecordListFetchLatency(duration time.Duration) {
	c.listFetchLatency.Observe(duration.Seconds())
}

// RecordRealtimeEvent は受信したリアルタイムイベントを記録する。
func (c *Collector) RecordRealtimeEvent(eventType string) {
	c.realtimeEvents.WithLabelValues(eventType).Inc()
}

// RecordRealtimeReconnect は再接続試行を記録する。
func (c *Collector) RecordRealtimeReconnect() {
	c.realtimeReconnects.Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordMutationSuccess(string)         {}
func (Nop) RecordMutationFailure(string)         {}
func (Nop) RecordRollback()                      {}
func (Nop) RecordWinnerResolution()              {}
func (Nop) RecordDeltaReset()                    {}
func (Nop) RecordPrefetch()                      {}
func (Nop) RecordListFetchLatency(time.Duration) {}
func (Nop) RecordRealtimeEvent(string)           {}
func (Nop) RecordRealtimeReconnect()             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
