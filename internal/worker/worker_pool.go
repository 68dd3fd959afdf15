// ============================================================================
// drt-dist Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 固定數量的 goroutine 消費共享的任務 channel
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務（先到先取，動態排程）
//   3. 結果透過 Task.Done 回呼交回提交者
//
// 架構組件:
//   ┌─────────────┐
//   │  Executor   │ --Submit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ task.Done(result)
//   │  │Worker 2│←── taskCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 同一個型別服務兩個池：
//   - routing pool: N = 執行緒數，跑 CPU 密集的繞線
//   - reply pool:   N = 1，只負責送回覆，保證送出順序
//
// 並發控制:
//   - taskCh: 帶緩衝 channel；滿了 Submit 會等待
//   - RWMutex: Submit 持讀鎖送出，Stop 持寫鎖關閉 taskCh，
//     因此不會對已關閉的 channel 送值
//   - stopCh: Stop 先關閉它，讓卡在滿 channel 上的 Submit 放掉讀鎖
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh
//   2. 取得寫鎖，標記 stopped，關閉 taskCh
//   3. Worker 把 channel 中剩下的任務做完後退出
//   4. WaitGroup.Wait() 等待所有 Worker 完成
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrTaskPanic 任務執行時 panic
	ErrTaskPanic = errors.New("task panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	name     string
	workers  []*Worker
	taskCh   chan Task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.RWMutex

	executed atomic.Int64
	failed   atomic.Int64
	logger   *slog.Logger
}

// Stats 池的累計統計
type Stats struct {
	Workers  int
	Pending  int
	Executed int64
	Failed   int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - name: 池名稱，用於 log 與 metrics
//   - bufferSize: 任務通道的緩衝大小
func NewPool(name string, bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		name:    name,
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
		logger:  slog.Default().With("component", "pool", "pool", name),
	}
}

// Start 啟動指定數量的 Worker，workerCount < 1 時視為 1
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, &p.executed, &p.failed, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Debug("pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool。通道滿時會等待，直到有空位或 Pool 關閉。
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool；已接受的任務都會執行完畢
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("pool stopped", "executed", p.executed.Load(), "failed", p.failed.Load())
}

// Name 回傳池名稱
func (p *Pool) Name() string {
	return p.name
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stats 返回統計快照
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.GetWorkerCount(),
		Pending:  len(p.taskCh),
		Executed: p.executed.Load(),
		Failed:   p.failed.Load(),
	}
}
