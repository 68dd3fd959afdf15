// ============================================================================
// drt-dist Dispatcher - 訊息分派
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Route every inbound JobMessage to its handler by kind.
//
// 分派表:
//   DesignUpdate    Gate.BeginSync → Apply → Ack / Error → close
//   InitialBatch    Gate.BeginRun  → RunBatch（進度回覆走同一條連線）→ close
//   StubbornBatch   Gate.BeginRun  → Ack → close → 背景 RunExploration
//   StubbornResult  ResultCollector → Ack → close
//   TimeoutPolicy   Policy.Apply → Ack → close
//   ResultRequest   Ack → close → cache 命中時背景送 StubbornResult
//   其他             協定錯誤：Error ack → close
//
// 背景工作使用 BaseContext，不受入站 RPC 結束影響；Wait() 等它們全部結束。
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/drt-dist/internal/executor"
	"github.com/ChuLiYu/drt-dist/internal/governance"
	"github.com/ChuLiYu/drt-dist/internal/jobmanager"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnexpectedKind 這個種類不是節點會處理的請求
	ErrUnexpectedKind = errors.New("unexpected job kind")
	// ErrNoCollector 節點沒有設定結果收集器
	ErrNoCollector = errors.New("no result collector configured")
)

// DesignApplier applies design updates. *design.Synchronizer satisfies it.
type DesignApplier interface {
	Apply(ctx context.Context, d *types.DesignUpdateDescription) error
}

// Runner executes routing work. *executor.Executor satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, desc *types.BatchDescription, reply transport.ReplyHandle) (executor.BatchStats, error)
	RunExploration(ctx context.Context, desc *types.StubbornDescription, replyAddr string) (executor.ExplorationStats, error)
}

// Config wires a Dispatcher. Jobs, Gate and Policy default to fresh
// instances; Design, Runner and Sender are needed only by the kinds that use
// them.
type Config struct {
	Jobs      *jobmanager.JobManager
	Gate      *jobmanager.Gate
	Design    DesignApplier
	Runner    Runner
	Policy    *governance.Policy
	Cache     *governance.ResultCache
	Sender    transport.Sender
	Results   ResultCollector
	Collector *metrics.Collector

	// BaseContext is the parent of background work. Defaults to
	// context.Background().
	BaseContext context.Context
}

// Dispatcher implements server.Handler.
type Dispatcher struct {
	cfg    Config
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Jobs == nil {
		cfg.Jobs = jobmanager.NewJobManager(0)
	}
	if cfg.Gate == nil {
		cfg.Gate = jobmanager.NewGate()
	}
	if cfg.Policy == nil {
		cfg.Policy = governance.NewPolicy()
	}
	if cfg.Cache == nil {
		cfg.Cache = governance.NewResultCache()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: slog.Default().With("component", "dispatcher"),
	}
}

// Jobs returns the job table.
func (d *Dispatcher) Jobs() *jobmanager.JobManager {
	return d.cfg.Jobs
}

// Wait blocks until every background job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch handles one inbound message. It never panics on bad input and
// always closes reply before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) {
	defer reply.Close()

	if err := msg.Validate(); err != nil {
		d.protocolError(ctx, msg, reply, err)
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	d.cfg.Collector.RecordMessage(msg.Kind)

	if err := d.cfg.Jobs.Track(msg, reply.Peer()); err != nil {
		d.logger.Warn("rejecting message", "jobID", msg.ID, "kind", msg.Kind, "error", err)
		d.ack(ctx, reply, err)
		return
	}

	log := d.logger.With("jobID", msg.ID, "kind", msg.Kind.String(), "peer", reply.Peer())
	log.Debug("dispatching")

	var err error
	switch msg.Kind {
	case types.KindDesignUpdate:
		err = d.handleDesignUpdate(ctx, msg, reply)
	case types.KindInitialBatch:
		err = d.handleBatch(ctx, msg, reply)
	case types.KindStubbornBatch:
		err = d.handleStubborn(ctx, msg, reply)
	case types.KindStubbornResult:
		err = d.handleStubbornResult(ctx, msg, reply)
	case types.KindTimeoutPolicy:
		err = d.handlePolicy(ctx, msg, reply)
	case types.KindResultRequest:
		err = d.handleResultRequest(ctx, msg, reply)
	default:
		err = fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind)
		d.cfg.Collector.RecordProtocolError()
		d.ack(ctx, reply, err)
	}

	if err != nil {
		log.Warn("job failed", "error", err)
		_ = d.cfg.Jobs.MarkFailed(msg.ID, err)
	}
}

func (d *Dispatcher) protocolError(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle, err error) {
	d.cfg.Collector.RecordProtocolError()
	id, kind := "", types.KindNone
	if msg != nil {
		id, kind = msg.ID, msg.Kind
	}
	d.logger.Warn("protocol error", "jobID", id, "kind", kind, "peer", reply.Peer(), "error", err)
	d.ack(ctx, reply, err)
}

// ack replies with Ack on nil err and Error otherwise.
func (d *Dispatcher) ack(ctx context.Context, reply transport.ReplyHandle, err error) {
	msg := types.NewAck()
	if err != nil {
		msg = types.NewErrorAck(err)
	}
	if rerr := reply.Reply(ctx, msg); rerr != nil {
		d.logger.Debug("ack not delivered", "error", rerr)
	}
}

func (d *Dispatcher) reject(ctx context.Context, reply transport.ReplyHandle, err error) error {
	d.cfg.Collector.RecordRejected()
	d.ack(ctx, reply, err)
	return err
}

// ============================================================================
// Handlers
// ============================================================================

func (d *Dispatcher) handleDesignUpdate(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.DesignUpdate()
	if d.cfg.Design == nil {
		return d.reject(ctx, reply, fmt.Errorf("%w: no design store", ErrUnexpectedKind))
	}

	release, err := d.cfg.Gate.BeginSync()
	if err != nil {
		return d.reject(ctx, reply, err)
	}
	defer release()

	_ = d.cfg.Jobs.MarkRunning(msg.ID)
	err = d.cfg.Design.Apply(ctx, desc)
	d.ack(ctx, reply, err)
	if err != nil {
		return err
	}
	return d.cfg.Jobs.MarkCompleted(msg.ID)
}

func (d *Dispatcher) handleBatch(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.Batch()
	if d.cfg.Runner == nil {
		return d.reject(ctx, reply, fmt.Errorf("%w: no executor", ErrUnexpectedKind))
	}

	release, err := d.cfg.Gate.BeginRun()
	if err != nil {
		return d.reject(ctx, reply, err)
	}
	defer release()

	_ = d.cfg.Jobs.MarkRunning(msg.ID)
	d.cfg.Collector.AddActiveJobs(1)
	defer d.cfg.Collector.AddActiveJobs(-1)

	if _, err := d.cfg.Runner.RunBatch(ctx, desc, reply); err != nil {
		return err
	}
	return d.cfg.Jobs.MarkCompleted(msg.ID)
}

func (d *Dispatcher) handleStubborn(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.Stubborn()
	if d.cfg.Runner == nil {
		return d.reject(ctx, reply, fmt.Errorf("%w: no executor", ErrUnexpectedKind))
	}
	addr, err := replyAddress(desc.ReplyHost, desc.ReplyPort, reply.Peer())
	if err != nil {
		return d.reject(ctx, reply, err)
	}

	release, err := d.cfg.Gate.BeginRun()
	if err != nil {
		return d.reject(ctx, reply, err)
	}

	_ = d.cfg.Jobs.MarkRunning(msg.ID)
	d.ack(ctx, reply, nil)
	reply.Close()

	d.cfg.Collector.AddActiveJobs(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.cfg.Collector.AddActiveJobs(-1)
		defer release()

		stats, err := d.cfg.Runner.RunExploration(d.cfg.BaseContext, desc, addr)
		if err != nil {
			d.logger.Warn("exploration failed", "jobID", msg.ID, "addr", addr, "error", err)
			_ = d.cfg.Jobs.MarkFailed(msg.ID, err)
			return
		}
		d.logger.Info("exploration reported", "jobID", msg.ID, "attempts", stats.Attempts, "aborted", stats.Aborted)
		_ = d.cfg.Jobs.MarkCompleted(msg.ID)
	}()
	return nil
}

func (d *Dispatcher) handleStubbornResult(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.Result()
	if d.cfg.Results == nil {
		d.ack(ctx, reply, ErrNoCollector)
		return ErrNoCollector
	}
	err := d.cfg.Results.Collect(ctx, desc.Result)
	d.ack(ctx, reply, err)
	if err != nil {
		return err
	}
	return d.cfg.Jobs.MarkCompleted(msg.ID)
}

func (d *Dispatcher) handlePolicy(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.Policy()
	d.cfg.Policy.Apply(*desc)

	snap := d.cfg.Policy.Snapshot()
	d.cfg.Collector.SetPolicy(snap.MaxOps, len(snap.Banned))
	d.logger.Info("policy updated", "jobID", msg.ID, "maxOps", snap.MaxOps, "banned", snap.Banned)

	d.ack(ctx, reply, nil)
	return d.cfg.Jobs.MarkCompleted(msg.ID)
}

func (d *Dispatcher) handleResultRequest(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) error {
	desc, _ := msg.ResultRequest()
	d.ack(ctx, reply, nil)

	res, hit := d.cfg.Cache.Lookup(desc.WorkerID, desc.Strategy)
	d.cfg.Collector.RecordCacheLookup(hit)
	if !hit {
		d.logger.Debug("result cache miss", "jobID", msg.ID, "workerID", desc.WorkerID)
		return d.cfg.Jobs.MarkCompleted(msg.ID)
	}
	if d.cfg.Sender == nil {
		return fmt.Errorf("cache hit for worker %d: no sender", desc.WorkerID)
	}
	addr, err := replyAddress(desc.ReplyHost, desc.ReplyPort, reply.Peer())
	if err != nil {
		return err
	}

	_ = d.cfg.Jobs.MarkRunning(msg.ID)
	out := types.MustMessage(types.KindStubbornResult, &types.ResultDescription{Result: res})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.cfg.Sender.Send(d.cfg.BaseContext, out, addr); err != nil {
			d.logger.Warn("cached result not delivered", "jobID", msg.ID, "addr", addr, "error", err)
			_ = d.cfg.Jobs.MarkFailed(msg.ID, err)
			return
		}
		_ = d.cfg.Jobs.MarkCompleted(msg.ID)
	}()
	return nil
}

// replyAddress resolves where results go. An empty host falls back to the
// host of the inbound peer.
func replyAddress(host string, port int, peer string) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("%w: port %d", executor.ErrNoReplyAddr, port)
	}
	if host == "" {
		h, _, err := net.SplitHostPort(peer)
		if err != nil || h == "" {
			return "", fmt.Errorf("%w: no reply host and peer %q", executor.ErrNoReplyAddr, peer)
		}
		host = h
	}
	return types.ReplyAddress(host, port), nil
}
