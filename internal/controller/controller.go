// ============================================================================
// drt-dist Controller - 單一節點組裝器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 建立並運行一個節點：gRPC 伺服器、dispatcher、executor、兩個 worker pool、
//       設計同步、策略、結果快取、metrics 與 sink
//
// 組件關係:
//
//   gRPC server ──Dispatch──▶ dispatcher ──▶ design.Synchronizer
//                                        ──▶ executor ──▶ routing pool (N threads)
//                                                     ──▶ reply pool  (1 thread)
//                                                     ──▶ GrpcSender ──▶ 請求端
//
// 並發 Goroutine (errgroup):
//   1. Serve Loop    - gRPC 伺服器，ctx 取消時 GracefulStop
//   2. Metrics Loop  - /metrics HTTP（metrics.port > 0 時）
//   3. Snapshot Loop - 定期把 via-data 寫成快照（設定 snapshot 路徑時）
//
// 啟動恢復:
//   snapshot 檔存在時先載入 via-data，重啟後不需要等下一次 DesignUpdate 才能
//   跑 exploration
//
// 關閉順序:
//   1. ctx 取消 → 伺服器 GracefulStop（等待進行中的 batch 串流）
//   2. dispatcher.Wait() → 背景 exploration 與快取結果送出完成
//   3. routing pool / reply pool Stop
//   4. sender Close、最後一次快照、sink Close
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/drt-dist/internal/design"
	"github.com/ChuLiYu/drt-dist/internal/dispatcher"
	"github.com/ChuLiYu/drt-dist/internal/executor"
	"github.com/ChuLiYu/drt-dist/internal/governance"
	"github.com/ChuLiYu/drt-dist/internal/jobmanager"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/routing"
	"github.com/ChuLiYu/drt-dist/internal/server"
	"github.com/ChuLiYu/drt-dist/internal/snapshot"
	"github.com/ChuLiYu/drt-dist/internal/storage/journal"
	"github.com/ChuLiYu/drt-dist/internal/storage/sqlsink"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/internal/worker"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyRunning Run 只能呼叫一次
	ErrAlreadyRunning = errors.New("controller already running")
	// ErrNoListenAddr 沒有監聽位址也沒有注入 listener
	ErrNoListenAddr = errors.New("no listen address")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// SinkConfig 選擇 metrics sink；Journal 與 SQL 可同時啟用
type SinkConfig struct {
	Design      string          // 設計名稱，所有紀錄以此分組
	JournalPath string          // 空字串表示不寫 journal
	SQLDialect  sqlsink.Dialect // 空字串表示不寫資料庫
	SQLDSN      string
}

// Config Controller 配置
type Config struct {
	ListenAddr   string       // gRPC 監聽位址，例如 ":50051"
	Listener     net.Listener // 測試可注入（bufconn），優先於 ListenAddr
	Threads      int          // routing pool 大小，預設 runtime.NumCPU()
	ReplyWorkers int          // reply pool 大小，預設 1（保持回覆順序）
	QueueSize    int          // 兩個 pool 的佇列長度，預設 256

	SendTimeout time.Duration // 每次送出的逾時，0 表示不限
	SendRate    float64       // 每秒送出上限，0 表示不限
	SendBurst   int
	// DialOptions 等；上面三個欄位會覆蓋其中同名設定
	Transport transport.SenderConfig

	SharedDir        string        // 預先設定的共享目錄，DesignUpdate 仍可覆蓋
	SnapshotPath     string        // via-data 快照檔，空字串表示停用
	SnapshotInterval time.Duration // 預設 30s

	MetricsPort int                  // 0 表示不開 /metrics
	Registry    *prometheus.Registry // 預設建立新的 registry

	Sink         SinkConfig
	SinkOverride metrics.Sink // 測試注入，優先於 Sink

	Router  routing.Router             // 預設 SimRouter
	Results dispatcher.ResultCollector // 收到 StubbornResult 時使用，可為 nil
}

// Controller 一個節點
type Controller struct {
	cfg    Config
	logger *slog.Logger

	registry   *prometheus.Registry
	collector  *metrics.Collector
	sink       metrics.Sink
	via        *design.ViaHolder
	store      *design.FileStore
	gate       *jobmanager.Gate
	jobs       *jobmanager.JobManager
	policy     *governance.Policy
	cache      *governance.ResultCache
	routing    *worker.Pool
	replies    *worker.Pool
	sender     *transport.GrpcSender
	executor   *executor.Executor
	dispatcher *dispatcher.Dispatcher
	server     *server.Server
	snapshot   *snapshot.Manager

	mu        sync.Mutex
	running   bool
	startTime time.Time
	addr      net.Addr
	ready     chan struct{}
	lastSnap  *types.ViaData // 最後寫入快照的 via-data；每次 design update 都換新指標
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立並組裝所有組件；不啟動任何 goroutine
func NewController(cfg Config) (*Controller, error) {
	if cfg.Threads < 1 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.ReplyWorkers < 1 {
		cfg.ReplyWorkers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.Router == nil {
		cfg.Router = routing.NewSimRouter(0)
	}
	if cfg.Listener == nil && cfg.ListenAddr == "" {
		return nil, ErrNoListenAddr
	}

	c := &Controller{
		cfg:      cfg,
		logger:   slog.Default().With("component", "controller"),
		registry: cfg.Registry,
		via:      &design.ViaHolder{},
		store:    design.NewFileStore(),
		gate:     jobmanager.NewGate(),
		jobs:     jobmanager.NewJobManager(0),
		policy:   governance.NewPolicy(),
		cache:    governance.NewResultCache(),
		routing:  worker.NewPool("routing", cfg.QueueSize),
		replies:  worker.NewPool("replies", cfg.QueueSize),
		ready:    make(chan struct{}),
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.collector = metrics.NewCollector(c.registry)
	for _, p := range []*worker.Pool{c.routing, c.replies} {
		if err := c.collector.RegisterPool(p.Name(), func() int { return p.Stats().Pending }); err != nil {
			return nil, fmt.Errorf("register pool %s: %w", p.Name(), err)
		}
	}

	if cfg.SharedDir != "" {
		if err := c.store.SetSharedVolume(cfg.SharedDir); err != nil {
			return nil, err
		}
	}

	sink, err := openSink(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	c.sink = sink

	senderCfg := cfg.Transport
	senderCfg.SendTimeout = cfg.SendTimeout
	senderCfg.Rate = cfg.SendRate
	senderCfg.Burst = cfg.SendBurst
	c.sender = transport.NewGrpcSender(senderCfg)

	if cfg.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}

	c.executor = executor.New(executor.Config{
		Router:    cfg.Router,
		Via:       c.via,
		Routing:   c.routing,
		Replies:   c.replies,
		Sender:    c.sender,
		Policy:    c.policy,
		Cache:     c.cache,
		Collector: c.collector,
		Sink:      c.sink,
	})
	c.dispatcher = dispatcher.New(dispatcher.Config{
		Jobs:      c.jobs,
		Gate:      c.gate,
		Design:    design.NewSynchronizer(c.store, c.via, c.collector, c.sink),
		Runner:    c.executor,
		Policy:    c.policy,
		Cache:     c.cache,
		Sender:    c.sender,
		Results:   cfg.Results,
		Collector: c.collector,
	})
	c.server = server.NewServer(c.dispatcher, c.collector)
	return c, nil
}

// openSink 依設定組合 sink；都沒設定時為 Discard
func openSink(ctx context.Context, cfg Config) (metrics.Sink, error) {
	if cfg.SinkOverride != nil {
		return cfg.SinkOverride, nil
	}
	var sinks []metrics.Sink
	if cfg.Sink.JournalPath != "" {
		j, err := journal.Open(cfg.Sink.JournalPath, journal.Options{Design: cfg.Sink.Design})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, j)
	}
	if cfg.Sink.SQLDialect != "" {
		s, err := sqlsink.Open(ctx, cfg.Sink.SQLDialect, cfg.Sink.SQLDSN, cfg.Sink.Design)
		if err != nil {
			for _, opened := range sinks {
				opened.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return metrics.Discard, nil
	case 1:
		return sinks[0], nil
	}
	return metrics.Tee(sinks...), nil
}

/*
Run 啟動節點並阻塞到 ctx 取消或任一 loop 失敗

流程：
 1. 恢復：載入 via-data 快照（若存在）
 2. 啟動 routing / reply pool
 3. 監聽並以 errgroup 運行 serve / metrics / snapshot loop
 4. 結束後依序關閉（見檔頭）
*/
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	if err := c.restore(); err != nil {
		return err
	}

	if err := c.routing.Start(c.cfg.Threads); err != nil {
		return err
	}
	if err := c.replies.Start(c.cfg.ReplyWorkers); err != nil {
		c.routing.Stop()
		return err
	}

	lis := c.cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", c.cfg.ListenAddr)
		if err != nil {
			c.shutdown()
			return fmt.Errorf("listen %s: %w", c.cfg.ListenAddr, err)
		}
	}
	c.mu.Lock()
	c.addr = lis.Addr()
	c.mu.Unlock()
	close(c.ready)

	c.logger.Info("node started",
		"addr", lis.Addr().String(),
		"threads", c.cfg.Threads,
		"replyWorkers", c.cfg.ReplyWorkers,
		"recovery", time.Since(c.startTime))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Serve(gctx, lis)
	})
	if c.cfg.MetricsPort > 0 {
		g.Go(func() error {
			return metrics.StartServer(gctx, c.cfg.MetricsPort, c.registry)
		})
	}
	if c.snapshot != nil {
		g.Go(func() error {
			c.snapshotLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	c.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// restore 從快照恢復 via-data；沒有快照不是錯誤
func (c *Controller) restore() error {
	if c.snapshot == nil || !c.snapshot.Exists() {
		return nil
	}
	via, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("restore via-data: %w", err)
	}
	c.via.Set(via)
	c.lastSnap = via
	c.logger.Info("via-data restored", "path", c.snapshot.GetPath(), "version", via.Version)
	return nil
}

// snapshotLoop 定期寫快照，via-data 沒變時略過
func (c *Controller) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	via := c.via.Get()
	if via == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// 版本號可能重複使用，以指標判斷是否換過
	if via == c.lastSnap {
		return nil
	}
	start := time.Now()
	if err := c.snapshot.Write(via); err != nil {
		return err
	}
	c.lastSnap = via
	c.logger.Info("snapshot taken", "version", via.Version, "duration", time.Since(start))
	return nil
}

// shutdown 關閉順序見檔頭
func (c *Controller) shutdown() {
	c.dispatcher.Wait()
	c.routing.Stop()
	c.replies.Stop()

	if err := c.sender.Close(); err != nil {
		c.logger.Warn("sender close failed", "error", err)
	}
	if err := c.takeSnapshot(); err != nil {
		c.logger.Error("final snapshot failed", "error", err)
	}
	if err := c.sink.Close(); err != nil {
		c.logger.Error("sink close failed", "error", err)
	}
	c.logger.Info("node stopped", "jobs", c.jobs.Stats())
}

// ============================================================================
// 公開方法
// ============================================================================

// Ready 在開始監聽後關閉
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr 回傳實際監聽位址；Ready 之前為 nil
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Registry 回傳 metrics registry
func (c *Controller) Registry() *prometheus.Registry {
	return c.registry
}

// Status 節點狀態快照
type Status struct {
	Uptime  time.Duration
	Phase   string
	Running int
	Jobs    map[string]int
	Routing worker.Stats
	Replies worker.Stats
	Policy  governance.PolicySnapshot
	Cached  int
	ViaVer  int // -1 表示尚未有 via-data
}

// GetStatus 取得節點狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	phase, running := c.gate.Phase()
	viaVer := -1
	if v := c.via.Get(); v != nil {
		viaVer = v.Version
	}
	return Status{
		Uptime:  uptime,
		Phase:   phase.String(),
		Running: running,
		Jobs:    c.jobs.Stats(),
		Routing: c.routing.Stats(),
		Replies: c.replies.Stats(),
		Policy:  c.policy.Snapshot(),
		Cached:  c.cache.Len(),
		ViaVer:  viaVer,
	}
}
