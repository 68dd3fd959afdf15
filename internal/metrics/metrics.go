// ============================================================================
// drt-dist Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露節點運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - drt_messages_total{kind}            收到的訊息
//      - drt_protocol_errors_total           格式錯誤 / 種類不符
//      - drt_rejected_total                  被 Gate 拒絕（ErrBusy）
//      - drt_batches_total                   完成的初始批次
//      - drt_units_total{outcome}            批次中的 tile（ok / failed）
//      - drt_flushes_total{kind}             進度回覆（ack / success）
//      - drt_attempts_total{outcome}         探索嘗試（ok / aborted / banned）
//      - drt_cache_lookups_total{result}     ResultRequest（hit / miss）
//      - drt_design_sync_errors_total        失敗的設計同步
//
//   2. 分佈 (Histogram)：
//      - drt_design_sync_seconds             一次 DesignUpdate 的耗時
//      - drt_batch_seconds                   一個初始批次的耗時
//
//   3. 狀態 (Gauge)：
//      - drt_policy_max_ops                  目前的操作上限（-1 = 不限）
//      - drt_policy_banned_workers           封鎖名單大小
//      - drt_active_jobs                     執行中的工作
//      - drt_pool_pending{pool}              各池排隊中的任務
//
// Prometheus 查詢示例:
//
//   # 探索嘗試被判無效的比例
//   rate(drt_attempts_total{outcome!="ok"}[5m]) / rate(drt_attempts_total[5m])
//
//   # 95 分位設計同步時間
//   histogram_quantile(0.95, drt_design_sync_seconds_bucket)
//
// 所有方法對 nil *Collector 都是 no-op，元件可以不帶 metrics 使用。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// Attempt outcomes
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
	OutcomeBanned  = "banned"
	OutcomeFailed  = "failed"
)

// Collector Prometheus 指標收集器
type Collector struct {
	reg prometheus.Registerer

	messages       *prometheus.CounterVec
	protocolErrors prometheus.Counter
	rejected       prometheus.Counter
	batches        prometheus.Counter
	units          *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	syncErrors     prometheus.Counter

	designSync    prometheus.Histogram
	batchDuration prometheus.Histogram

	maxOps        prometheus.Gauge
	bannedWorkers prometheus.Gauge
	activeJobs    prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		reg: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drt_messages_total",
			Help: "Inbound messages by job kind",
		}, []string{"kind"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drt_protocol_errors_total",
			Help: "Malformed or mismatched inbound messages",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drt_rejected_total",
			Help: "Messages rejected because the node phase did not allow them",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drt_batches_total",
			Help: "Initial batches completed",
		}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drt_units_total",
			Help: "Batch work units routed",
		}, []string{"outcome"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drt_flushes_total",
			Help: "Progress replies sent to requesters",
		}, []string{"kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drt_attempts_total",
			Help: "Exploration attempts by outcome",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drt_cache_lookups_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drt_design_sync_errors_total",
			Help: "Design updates that failed",
		}),
		designSync: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drt_design_sync_seconds",
			Help:    "Wall time of one design update",
			Buckets: prometheus.DefBuckets,
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drt_batch_seconds",
			Help:    "Wall time of one initial batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		maxOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drt_policy_max_ops",
			Help: "Current operation cap, -1 when unlimited",
		}),
		bannedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drt_policy_banned_workers",
			Help: "Number of banned worker ids",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drt_active_jobs",
			Help: "Jobs currently running on this node",
		}),
	}
	c.maxOps.Set(float64(types.MaxOpsUnlimited))

	reg.MustRegister(
		c.messages, c.protocolErrors, c.rejected, c.batches, c.units,
		c.flushes, c.attempts, c.cacheLookups, c.syncErrors,
		c.designSync, c.batchDuration,
		c.maxOps, c.bannedWorkers, c.activeJobs,
	)
	return c
}

// RecordMessage 記錄收到的訊息
func (c *Collector) RecordMessage(kind types.JobKind) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(kind.String()).Inc()
}

// RecordProtocolError 記錄協定錯誤
func (c *Collector) RecordProtocolError() {
	if c == nil {
		return
	}
	c.protocolErrors.Inc()
}

// RecordRejected 記錄被拒絕的訊息
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}

// RecordUnit 記錄一個批次 tile
func (c *Collector) RecordUnit(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.units.WithLabelValues(OutcomeOK).Inc()
		return
	}
	c.units.WithLabelValues(OutcomeFailed).Inc()
}

// RecordBatch 記錄完成的批次
func (c *Collector) RecordBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.batches.Inc()
	c.batchDuration.Observe(d.Seconds())
}

// RecordFlush 記錄一次進度回覆
func (c *Collector) RecordFlush(kind types.JobKind) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(kind.String()).Inc()
}

// RecordAttempt 記錄一次探索嘗試
func (c *Collector) RecordAttempt(outcome string) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup 記錄 ResultRequest 命中與否
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveDesignSync 記錄一次設計同步
func (c *Collector) ObserveDesignSync(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.designSync.Observe(d.Seconds())
	if err != nil {
		c.syncErrors.Inc()
	}
}

// SetPolicy 更新治理策略狀態
func (c *Collector) SetPolicy(maxOps int64, banned int) {
	if c == nil {
		return
	}
	c.maxOps.Set(float64(maxOps))
	c.bannedWorkers.Set(float64(banned))
}

// AddActiveJobs 調整執行中的工作數
func (c *Collector) AddActiveJobs(delta int) {
	if c == nil {
		return
	}
	c.activeJobs.Add(float64(delta))
}

// RegisterPool 以 GaugeFunc 暴露一個池的排隊長度
func (c *Collector) RegisterPool(name string, pending func() int) error {
	if c == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "drt_pool_pending",
		Help:        "Tasks queued in a worker pool",
		ConstLabels: prometheus.Labels{"pool": name},
	}, func() float64 { return float64(pending()) })
	return c.reg.Register(g)
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - ctx: 生命週期
//   - port: HTTP 伺服器端口
//   - gatherer: 要暴露的 registry；nil 時使用 prometheus.DefaultGatherer
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
