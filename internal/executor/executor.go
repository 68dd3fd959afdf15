// ============================================================================
// drt-dist Executor - 批次與探索執行
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Purpose: Run routing work on the routing pool and hand results to the
//          requester without blocking compute goroutines.
//
// 兩種模式:
//
//   Batch (InitialBatch)
//     units ──Submit──▶ routing pool ──Done──▶ progress.Reporter ──▶ reply pool
//     全部完成後 Finish()：終結 flush（Success）
//
//   Exploration (StubbornBatch)
//     strategies ──Submit──▶ routing pool
//       每個 attempt：ban 檢查 → LoadWorker → Configure → Run → Judge
//       → cache.Store → reply pool 送 StubbornResult 到 replyAddr
//
// 失敗語意:
//   - RunTile 失敗：空 blob 的結果照樣計入進度，不會被丟掉
//   - attempt 失敗 / panic / 被判定：NumOfViolations = -1，照樣回報
//   - 不自動重試，重試由請求端決定
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/drt-dist/internal/design"
	"github.com/ChuLiYu/drt-dist/internal/governance"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/progress"
	"github.com/ChuLiYu/drt-dist/internal/routing"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/internal/worker"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoSender exploration 需要 Sender 才能回報結果
	ErrNoSender = errors.New("exploration requires a sender")
	// ErrNoReplyAddr 沒有回覆位址
	ErrNoReplyAddr = errors.New("missing reply address")
)

// FlowInitial is the flow type recorded for initial batches.
const FlowInitial = "initial"

// Config wires an Executor. Router, Routing and Replies are required;
// everything else may be left nil.
type Config struct {
	Router    routing.Router
	Via       *design.ViaHolder
	Routing   *worker.Pool // compute goroutines
	Replies   *worker.Pool // outbound replies, size 1 keeps their order
	Sender    transport.Sender
	Policy    *governance.Policy
	Cache     *governance.ResultCache
	Collector *metrics.Collector
	Sink      metrics.Sink
}

// Executor runs batches and explorations.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.Via == nil {
		cfg.Via = &design.ViaHolder{}
	}
	if cfg.Policy == nil {
		cfg.Policy = governance.NewPolicy()
	}
	if cfg.Cache == nil {
		cfg.Cache = governance.NewResultCache()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Discard
	}
	return &Executor{
		cfg:    cfg,
		logger: slog.Default().With("component", "executor"),
	}
}

// ============================================================================
// Batch 模式
// ============================================================================

// BatchStats summarizes one finished batch.
type BatchStats struct {
	Units    int
	Failed   int
	Flushes  int
	Duration time.Duration
}

// RunBatch routes every unit of desc and streams progress replies on reply.
// It returns after the terminal flush was delivered or failed.
func (e *Executor) RunBatch(ctx context.Context, desc *types.BatchDescription, reply transport.ReplyHandle) (BatchStats, error) {
	start := time.Now()
	size := len(desc.Units)
	via := e.cfg.Via.Get()

	rep := progress.New(size, desc.SendEvery, e.cfg.Replies, func(ctx context.Context, f progress.Flush) error {
		e.cfg.Collector.RecordFlush(f.Kind)
		return reply.Reply(ctx, f.Message())
	})

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	complete := func(id int, blob []byte, err error) {
		if err != nil {
			failed.Add(1)
			blob = nil
			e.logger.Warn("tile failed", "workerID", id, "error", err)
		}
		e.cfg.Collector.RecordUnit(err == nil)
		if aerr := rep.Add(types.TileResult{WorkerID: id, Blob: blob}); aerr != nil {
			e.logger.Error("progress add failed", "workerID", id, "error", aerr)
		}
	}

	for _, unit := range desc.Units {
		var (
			blob   []byte
			runErr error
		)
		wg.Add(1)
		err := e.cfg.Routing.Submit(worker.Task{
			ID: fmt.Sprintf("tile-%d", unit.WorkerID),
			Run: func(context.Context) error {
				blob, runErr = e.cfg.Router.RunTile(ctx, unit.Blob, via)
				return runErr
			},
			Done: func(r worker.Result) {
				defer wg.Done()
				complete(unit.WorkerID, blob, r.Err)
			},
		})
		if err != nil {
			complete(unit.WorkerID, nil, err)
			wg.Done()
		}
	}
	wg.Wait()

	err := rep.Finish()
	stats := BatchStats{
		Units:    size,
		Failed:   int(failed.Load()),
		Flushes:  rep.Flushes(),
		Duration: time.Since(start),
	}
	e.cfg.Collector.RecordBatch(stats.Duration)

	if serr := e.cfg.Sink.WriteIteration(ctx, metrics.IterationEntry{
		Iteration:     desc.Iteration,
		TotalWorkers:  size,
		ActiveWorkers: size - stats.Failed,
		FlowType:      FlowInitial,
	}); serr != nil {
		e.logger.Warn("metrics sink write failed", "error", serr)
	}

	e.logger.Info("batch done",
		"units", size,
		"failed", stats.Failed,
		"flushes", stats.Flushes,
		"duration", stats.Duration)
	return stats, err
}

// ============================================================================
// Exploration 模式
// ============================================================================

// ExplorationStats summarizes one finished exploration.
type ExplorationStats struct {
	Attempts int
	Aborted  int
	Best     int // index of the strategy with the fewest violations, -1 if none
}

// RunExploration runs one attempt per strategy on desc.Worker and sends each
// result to replyAddr as soon as it is known. It waits for every attempt and
// every send; the error joins send failures.
func (e *Executor) RunExploration(ctx context.Context, desc *types.StubbornDescription, replyAddr string) (ExplorationStats, error) {
	if e.cfg.Sender == nil {
		return ExplorationStats{Best: -1}, ErrNoSender
	}
	if replyAddr == "" {
		return ExplorationStats{Best: -1}, ErrNoReplyAddr
	}

	e.cfg.Cache.Reset()
	via := e.cfg.Via.Get()
	n := len(desc.Strategies)
	results := make([]types.WorkerResult, n)

	var (
		attempts sync.WaitGroup
		sends    sync.WaitGroup
		errMu    sync.Mutex
		errs     []error
	)
	recordErr := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	finish := func(i int, res types.WorkerResult) {
		results[i] = res
		e.cfg.Cache.Store(res)
		e.logger.Debug("attempt done",
			"workerID", res.ID,
			"strategy", i,
			"violations", res.NumOfViolations,
			"heapOps", res.HeapOps,
			"elapsed", formatElapsed(res.RunTime))

		msg := types.MustMessage(types.KindStubbornResult, &types.ResultDescription{Result: res})
		sends.Add(1)
		err := e.cfg.Replies.Submit(worker.Task{
			ID: "result-" + msg.ID,
			Run: func(context.Context) error {
				_, err := e.cfg.Sender.Send(ctx, msg, replyAddr)
				return err
			},
			Done: func(r worker.Result) {
				defer sends.Done()
				if r.Err != nil {
					e.logger.Warn("result send failed", "workerID", res.ID, "addr", replyAddr, "error", r.Err)
					recordErr(fmt.Errorf("send result of strategy %d: %w", i, r.Err))
				}
			},
		})
		if err != nil {
			sends.Done()
			recordErr(fmt.Errorf("post result of strategy %d: %w", i, err))
		}
	}

	for i, s := range desc.Strategies {
		var (
			res types.WorkerResult
			ok  bool
		)
		attempts.Add(1)
		err := e.cfg.Routing.Submit(worker.Task{
			ID: fmt.Sprintf("attempt-%d-%d", desc.WorkerID, i),
			Run: func(context.Context) error {
				res = e.attempt(ctx, desc, s, via)
				ok = true
				return nil
			},
			Done: func(r worker.Result) {
				defer attempts.Done()
				if !ok {
					e.logger.Error("attempt crashed", "workerID", desc.WorkerID, "strategy", i, "error", r.Err)
					e.cfg.Collector.RecordAttempt(metrics.OutcomeFailed)
					res = abortedResult(desc.WorkerID, s, r.Duration)
				}
				finish(i, res)
			},
		})
		if err != nil {
			e.cfg.Collector.RecordAttempt(metrics.OutcomeFailed)
			finish(i, abortedResult(desc.WorkerID, s, 0))
			attempts.Done()
		}
	}
	attempts.Wait()
	sends.Wait()

	stats := ExplorationStats{Attempts: n, Best: -1}
	for i, r := range results {
		if r.Aborted() {
			stats.Aborted++
			continue
		}
		if stats.Best < 0 || r.NumOfViolations < results[stats.Best].NumOfViolations {
			stats.Best = i
		}
	}
	for i, r := range results {
		if serr := e.cfg.Sink.WriteWorker(ctx, metrics.WorkerEntry{
			Iteration:      desc.Iteration,
			WorkerID:       r.ID,
			DrcCostMult:    r.Strategy.DrcCost,
			MarkerCostMult: r.Strategy.MarkerCost,
			EndDRVs:        r.NumOfViolations,
			Chosen:         i == stats.Best,
		}); serr != nil {
			e.logger.Warn("metrics sink write failed", "error", serr)
		}
	}

	e.logger.Info("exploration done",
		"workerID", desc.WorkerID,
		"attempts", n,
		"aborted", stats.Aborted,
		"best", stats.Best)
	return stats, errors.Join(errs...)
}

// attempt runs one strategy. Banned workers are not run at all; everything
// else is judged after the fact.
func (e *Executor) attempt(ctx context.Context, desc *types.StubbornDescription, s types.Strategy, via *types.ViaData) types.WorkerResult {
	start := time.Now()
	id := desc.WorkerID

	if e.cfg.Policy.IsBanned(id) {
		e.cfg.Collector.RecordAttempt(metrics.OutcomeBanned)
		return abortedResult(id, s, time.Since(start))
	}

	h, err := e.cfg.Router.LoadWorker(ctx, desc.Worker, via)
	if err != nil {
		e.logger.Warn("load worker failed", "workerID", id, "error", err)
		e.cfg.Collector.RecordAttempt(metrics.OutcomeFailed)
		return abortedResult(id, s, time.Since(start))
	}
	h.Configure(s)
	out, err := h.Run(ctx)
	if err != nil {
		e.logger.Warn("attempt failed", "workerID", id, "error", err)
		e.cfg.Collector.RecordAttempt(metrics.OutcomeFailed)
		return abortedResult(id, s, time.Since(start))
	}

	res := types.WorkerResult{
		ID:              id,
		NumOfViolations: e.cfg.Policy.Judge(id, out.HeapOps, out.Violations),
		RunTime:         time.Since(start),
		HeapOps:         out.HeapOps,
		Strategy:        s,
		Blob:            out.Blob,
	}
	if res.Aborted() {
		e.cfg.Collector.RecordAttempt(metrics.OutcomeAborted)
	} else {
		e.cfg.Collector.RecordAttempt(metrics.OutcomeOK)
	}
	return res
}

func abortedResult(id int, s types.Strategy, d time.Duration) types.WorkerResult {
	return types.WorkerResult{
		ID:              id,
		NumOfViolations: types.ViolationsAborted,
		RunTime:         d,
		Strategy:        s,
	}
}

// formatElapsed renders d as hh:mm:ss, truncated to whole seconds.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
