// Package routing defines the boundary to the detailed router. The node
// never looks inside work or result blobs; it only moves them between the
// wire and a Router.
package routing

import (
	"context"
	"errors"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ErrEmptyWork is returned for a work unit without a payload.
var ErrEmptyWork = errors.New("empty work unit")

// Router runs tiles. Implementations must be safe for concurrent use; the
// executor calls them from every goroutine of the routing pool.
type Router interface {
	// RunTile routes one tile of an initial batch and returns its result blob.
	RunTile(ctx context.Context, work []byte, via *types.ViaData) ([]byte, error)
	// LoadWorker deserializes a tile for exploration. Every strategy gets its
	// own handle.
	LoadWorker(ctx context.Context, work []byte, via *types.ViaData) (WorkerHandle, error)
}

// WorkerHandle is one loaded tile that can be configured and run once.
type WorkerHandle interface {
	Configure(s types.Strategy)
	Run(ctx context.Context) (Outcome, error)
}

// Outcome is what a finished exploration attempt reports.
type Outcome struct {
	Violations int
	HeapOps    int64
	Blob       []byte
}
