package dispatcher

import (
	"context"
	"sync"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ResultCollector receives StubbornResults on the requester side.
type ResultCollector interface {
	Collect(ctx context.Context, res types.WorkerResult) error
}

// ResultCollectorFunc adapts a function to ResultCollector.
type ResultCollectorFunc func(ctx context.Context, res types.WorkerResult) error

// Collect implements ResultCollector.
func (f ResultCollectorFunc) Collect(ctx context.Context, res types.WorkerResult) error {
	return f(ctx, res)
}

// ResultBuffer keeps collected results in arrival order.
type ResultBuffer struct {
	mu      sync.Mutex
	results []types.WorkerResult
	notify  chan struct{}
}

// NewResultBuffer creates an empty buffer.
func NewResultBuffer() *ResultBuffer {
	return &ResultBuffer{notify: make(chan struct{})}
}

// Collect implements ResultCollector.
func (b *ResultBuffer) Collect(_ context.Context, res types.WorkerResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.results = append(b.results, res)
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Results returns a copy of everything collected so far.
func (b *ResultBuffer) Results() []types.WorkerResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.WorkerResult(nil), b.results...)
}

// WaitFor blocks until at least n results arrived or ctx ends. On timeout it
// returns what it has together with ctx's error; the caller treats missing
// results as aborted.
func (b *ResultBuffer) WaitFor(ctx context.Context, n int) ([]types.WorkerResult, error) {
	for {
		b.mu.Lock()
		if len(b.results) >= n {
			out := append([]types.WorkerResult(nil), b.results...)
			b.mu.Unlock()
			return out, nil
		}
		ch := b.notify
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return b.Results(), ctx.Err()
		}
	}
}
