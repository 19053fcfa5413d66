// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラーやポーリングサイクルから利用する。
type MetricsCollector interface {
	RecordSweep()
	RecordCycleSuccess(platform string)
	RecordCycleFailure(platform string, reason string)
	RecordCycleLatency(duration time.Duration)
	RecordItemsArchived(count int)
	RecordDuplicates(count int)
	RecordNotModified()
	RecordJobConflict()
	RecordQuotaRecovery()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sweeps          prometheus.Counter
	cycleSuccess    *prometheus.CounterVec
	cycleFailure    *prometheus.CounterVec
	cycleLatency    prometheus.Histogram
	itemsArchived   prometheus.Counter
	duplicates      prometheus.Counter
	notModified     prometheus.Counter
	jobConflicts    prometheus.Counter
	quotaRecoveries prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_sweeps_total",
			Help: "ポーリングスイープ実行の合計数",
		}),
		cycleSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialarch_cycle_success_total",
			Help: "ポーリングサイクル成功の合計数",
		}, []string{"platform"}),
		cycleFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialarch_cycle_failure_total",
			Help: "ポーリングサイクル失敗の合計数",
		}, []string{"platform", "reason"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialarch_cycle_latency_seconds",
			Help:    "ポーリングサイクルのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_items_archived_total",
			Help: "アーカイブ登録された投稿の合計数",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_duplicates_total",
			Help: "重複判定で除外された投稿の合計数",
		}),
		notModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_not_modified_total",
			Help: "条件付きGETで304応答を受けた合計数",
		}),
		jobConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_job_conflicts_total",
			Help: "アクティブジョブ重複コンフリクトの合計数",
		}),
		quotaRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialarch_quota_recoveries_total",
			Help: "ストレージ容量回復処理の実行回数",
		}),
	}

	reg.MustRegister(
		c.sweeps,
		c.cycleSuccess,
		c.cycleFailure,
		c.cycleLatency,
		c.itemsArchived,
		c.duplicates,
		c.notModified,
		c.jobConflicts,
		c.quotaRecoveries,
	)

	return c
}

// RecordSweep はスイープ実行を記録する。
func (c *Collector) RecordSweep() {
	c.sweeps.Inc()
}

// RecordCycleSuccess はサイクル成功を記録する。
func (c *Collector) RecordCycleSuccess(platform string) {
	c.cycleSuccess.WithLabelValues(platform).Inc()
}

// RecordCycleFailure はサイクル失敗を記録する。
func (c *Collector) RecordCycleFailure(platform string, reason string) {
	c.cycleFailure.WithLabelValues(platform, reason).Inc()
}

// RecordCycleLatency はサイクルのレイテンシを記録する。
func (c *Collector) RecordCycleLatency(duration time.Duration) {
	c.cycleLatency.Observe(duration.Seconds())
}

// RecordItemsArchived はアーカイブ登録された投稿数を記録する。
func (c *Collector) RecordItemsArchived(count int) {
	c.itemsArchived.Add(float64(count))
}

// RecordDuplicates は重複除外された投稿数を記録する。
func (c *Collector) RecordDuplicates(count int) {
	c.duplicates.Add(float64(count))
}

// RecordNotModified は304応答を記録する。
func (c *Collector) RecordNotModified() {
	c.notModified.Inc()
}

// RecordJobConflict はジョブ重複コンフリクトを記録する。
func (c *Collector) RecordJobConflict() {
	c.jobConflicts.Inc()
}

// RecordQuotaRecovery は容量回復処理の実行を記録する。
func (c *Collector) RecordQuotaRecovery() {
	c.quotaRecoveries.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しない実装。テストで利用する。
type NopCollector struct{}

func (NopCollector) RecordSweep()                               {}
func (NopCollector) RecordCycleSuccess(platform string)         {}
func (NopCollector) RecordCycleFailure(platform, reason string) {}
func (NopCollector) RecordCycleLatency(duration time.Duration)  {}
func (NopCollector) RecordItemsArchived(count int)              {}
func (NopCollector) RecordDuplicates(count int)                 {}
func (NopCollector) RecordNotModified()                         {}
func (NopCollector) RecordJobConflict()                         {}
func (NopCollector) RecordQuotaRecovery()                       {}
