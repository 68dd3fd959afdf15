// ============================================================================
// drt-dist Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine of the pool; pulls tasks until the channel closes.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context (opt. timeout)  │   │
//   │  │   ├─ execute(task), recover  │   │
//   │  │   └─ task.Done(result)       │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - A panic inside Task.Run is recovered and reported as ErrTaskPanic, so
//     one bad routing call never takes the whole pool down.
//   - Timeout errors come back as context.DeadlineExceeded from the task.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	executed *atomic.Int64
	failed   *atomic.Int64
	logger   *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, executed, failed *atomic.Int64, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		executed: executed,
		failed:   failed,
		logger:   logger,
	}
}

// Run is the main loop of Worker. It drains taskCh even after Stop closes it,
// so every accepted task gets its Done callback.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		err := w.execute(ctx, task)
		cancel()

		w.executed.Add(1)
		if err != nil {
			w.failed.Add(1)
			w.logger.Debug("task failed", "worker", w.id, "task", task.ID, "error", err)
		}

		if task.Done != nil {
			task.Done(Result{
				TaskID:   task.ID,
				WorkerID: w.id,
				Err:      err,
				Duration: time.Since(start),
			})
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}
