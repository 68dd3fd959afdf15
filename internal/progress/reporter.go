// ============================================================================
// drt-dist Progress Reporter - 批次進度回報
// ============================================================================
//
// Package: internal/progress
// File: reporter.go
// Purpose: Accumulate finished tiles of an initial batch and flush them to
//          the requester at decile boundaries, plus one terminal flush.
//
// 規則:
//   cnt       已完成數
//   prevPerc  上一次越過的 decile（0, 10, ..., 90）
//
//   每完成一個 tile：
//     if prevPerc < 90 && cnt*100 >= (prevPerc+10)*size:
//         prevPerc += 10
//         if prevPerc % sendEvery == 0: 非終結 flush（KindAck），清空累積
//   全部完成後：Finish() 一定送一次終結 flush（KindSuccess）
//
//   每次完成最多前進一個 decile：小批次時一個 tile
//   可能跨過多個 decile，但只記一個，剩下的由終結 flush 收尾。
//
// 並發:
//   - 累積、cnt、prevPerc 由同一把鎖保護，decile 判斷與 append 是原子的
//   - flush 在持鎖時交給 reply pool（單一 worker 時送出順序 = 產生順序）
//   - Finish 先等所有已交出的 flush 送達，再送終結 flush
//
// ============================================================================

package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/drt-dist/internal/worker"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ErrFinished is returned by Add after Finish.
var ErrFinished = errors.New("reporter already finished")

// Flush is one reply sent to the requester.
type Flush struct {
	Kind      types.JobKind // KindAck (non-terminal) or KindSuccess (terminal)
	Results   []types.TileResult
	Completed int // units completed when the flush was cut
	Decile    int // decile that triggered it; 100 for the terminal flush
}

// Message wraps the flush into a reply message.
func (f Flush) Message() *types.JobMessage {
	return types.MustMessage(f.Kind, &types.ReplyDescription{
		Results:   f.Results,
		Completed: f.Completed,
	})
}

// SendFunc delivers one flush.
type SendFunc func(ctx context.Context, f Flush) error

// Poster runs reply work off the compute goroutines. *worker.Pool satisfies it.
type Poster interface {
	Submit(task worker.Task) error
}

// Reporter paces replies for one batch. Use New.
type Reporter struct {
	mu        sync.Mutex
	size      int
	sendEvery int
	cnt       int
	prevPerc  int
	pending   []types.TileResult
	finished  bool

	post     Poster
	send     SendFunc
	inflight sync.WaitGroup
	errMu    sync.Mutex
	firstErr error
	flushes  int
}

// New creates a reporter for a batch of size units. A sendEvery of 0 or less
// means no interim flushes. post may be nil, in which case flushes are sent
// on the calling goroutine.
func New(size, sendEvery int, post Poster, send SendFunc) *Reporter {
	if sendEvery <= 0 {
		sendEvery = 100
	}
	return &Reporter{
		size:      size,
		sendEvery: sendEvery,
		pending:   make([]types.TileResult, 0, size),
		post:      post,
		send:      send,
	}
}

// Add records one finished tile and flushes when a qualifying decile is
// crossed.
func (r *Reporter) Add(res types.TileResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return ErrFinished
	}
	r.pending = append(r.pending, res)
	r.cnt++

	if r.prevPerc < 90 && r.cnt*100 >= (r.prevPerc+10)*r.size {
		r.prevPerc += 10
		if r.prevPerc%r.sendEvery == 0 {
			r.emitLocked(types.KindAck, r.prevPerc)
		}
	}
	return nil
}

// Finish sends the terminal flush with everything not yet sent and waits
// until every flush of this batch has been delivered. It returns the first
// delivery error.
func (r *Reporter) Finish() error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return ErrFinished
	}
	r.finished = true
	r.mu.Unlock()

	// reply pool 可能不只一個 worker：先等所有非終結 flush 送達，
	// 終結 flush 才能保證是最後一個。
	r.inflight.Wait()

	r.mu.Lock()
	r.emitLocked(types.KindSuccess, 100)
	r.mu.Unlock()
	r.inflight.Wait()

	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

// Completed returns the number of units added so far.
func (r *Reporter) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cnt
}

// Flushes returns how many flushes were cut so far.
func (r *Reporter) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func (r *Reporter) emitLocked(kind types.JobKind, decile int) {
	f := Flush{
		Kind:      kind,
		Results:   r.pending,
		Completed: r.cnt,
		Decile:    decile,
	}
	r.pending = make([]types.TileResult, 0, max(r.size-r.cnt, 0))
	r.flushes++

	r.inflight.Add(1)
	if r.post == nil {
		r.deliver(context.Background(), f)
		return
	}
	err := r.post.Submit(worker.Task{
		ID: fmt.Sprintf("flush-%s-%d", kind, decile),
		Run: func(ctx context.Context) error {
			r.deliver(ctx, f)
			return nil
		},
	})
	if err != nil {
		r.recordErr(fmt.Errorf("post %s flush: %w", kind, err))
		r.inflight.Done()
	}
}

func (r *Reporter) deliver(ctx context.Context, f Flush) {
	defer r.inflight.Done()
	if err := r.send(ctx, f); err != nil {
		r.recordErr(fmt.Errorf("send %s flush at %d%%: %w", f.Kind, f.Decile, err))
	}
}

func (r *Reporter) recordErr(err error) {
	r.errMu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.errMu.Unlock()
}
