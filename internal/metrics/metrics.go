// ============================================================================
// Cardfarm Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 farming pass 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - farm_sessions_started_total: 取得 slot 的 session 總數
//      - farm_sessions_finished_total{outcome}: 結束的 session（done / abandoned）
//      - farm_executors_spawned_total: 啟動的 helper 總數
//      - farm_step_errors_total{kind}: 可恢復錯誤（network / busy / client_unavailable ...）
//      - farm_passes_completed_total: 完整結束的 pass 數
//
//   2. 性能指標 (Histogram)：
//      - farm_step_latency_seconds: 單步執行時間（包含等待的 tick）
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - farm_slots_in_use: 目前被持有的 slot
//      - farm_sessions_remaining: 尚未結束的 session
//      - farm_items_remaining: 剩餘物品總數
//      - farm_pass_duration_seconds: 最近一次 pass 的耗時
//
// Prometheus 查詢示例:
//
//   # 每小時掉落的物品數
//   -delta(farm_items_remaining[1h])
//
//   # 伺服器忙碌比例
//   rate(farm_step_errors_total{kind="busy"}[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// session 相關指標
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	executorsSpawned prometheus.Counter
	stepErrors       *prometheus.CounterVec
	passesCompleted  prometheus.Counter

	// 效能指標
	stepLatency  prometheus.Histogram
	passDuration prometheus.Gauge

	// 狀態指標
	slotsInUse        prometheus.Gauge
	sessionsRemaining prometheus.Gauge
	itemsRemaining    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farm_sessions_started_total",
			Help: "Total number of sessions that acquired a slot",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_sessions_finished_total",
			Help: "Total number of sessions that finished, by outcome",
		}, []string{"outcome"}),
		executorsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farm_executors_spawned_total",
			Help: "Total number of helper executors started",
		}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farm_step_errors_total",
			Help: "Total number of recoverable errors, by kind",
		}, []string{"kind"}),
		passesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farm_passes_completed_total",
			Help: "Total number of farming passes that ran to completion",
		}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "farm_step_latency_seconds",
			Help:    "Time spent in one session step in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 60},
		}),
		passDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farm_pass_duration_seconds",
			Help: "Duration of the last completed pass in seconds",
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farm_slots_in_use",
			Help: "Current number of held slots",
		}),
		sessionsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farm_sessions_remaining",
			Help: "Current number of sessions that have not finished",
		}),
		itemsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "farm_items_remaining",
			Help: "Current number of items left to drop across all entries",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(
		c.sessionsStarted,
		c.sessionsFinished,
		c.executorsSpawned,
		c.stepErrors,
		c.passesCompleted,
		c.stepLatency,
		c.passDuration,
		c.slotsInUse,
		c.sessionsRemaining,
		c.itemsRemaining,
	)

	return c
}

// RecordSessionStarted 記錄 session 取得 slot
func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

// RecordSessionFinished 記錄 session 結束
func (c *Collector) RecordSessionFinished(outcome string) {
	c.sessionsFinished.WithLabelValues(outcome).Inc()
}

// RecordExecutorSpawned 記錄啟動一個 helper
func (c *Collector) RecordExecutorSpawned() {
	c.executorsSpawned.Inc()
}

// RecordStep 記錄單步耗時
func (c *Collector) RecordStep(latencySeconds float64) {
	c.stepLatency.Observe(latencySeconds)
}

// RecordStepError 記錄可恢復錯誤
func (c *Collector) RecordStepError(kind string) {
	c.stepErrors.WithLabelValues(kind).Inc()
}

// UpdatePassStats 更新 pass 狀態統計
func (c *Collector) UpdatePassStats(active, remaining, items int) {
	c.slotsInUse.Set(float64(active))
	c.sessionsRemaining.Set(float64(remaining))
	c.itemsRemaining.Set(float64(items))
}

// RecordPassCompleted 記錄 pass 完成與耗時
func (c *Collector) RecordPassCompleted(seconds float64) {
	c.passesCompleted.Inc()
	c.passDuration.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
