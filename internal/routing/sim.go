package routing

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// SimRouter is a deterministic stand-in for the real router, used by the
// demo binary and by tests. The same work and strategy always give the same
// violation count and op counter, so governance behavior is reproducible.
type SimRouter struct {
	// Delay is slept per call, scaled by the tile's cost (0..1).
	Delay time.Duration
}

// NewSimRouter returns a router that sleeps up to delay per tile.
func NewSimRouter(delay time.Duration) *SimRouter {
	return &SimRouter{Delay: delay}
}

// RunTile implements Router.
func (r *SimRouter) RunTile(ctx context.Context, work []byte, via *types.ViaData) ([]byte, error) {
	if len(work) == 0 {
		return nil, ErrEmptyWork
	}
	h := tileHash(work)
	if err := r.sleep(ctx, h); err != nil {
		return nil, err
	}
	return simResult(work, h, via), nil
}

// LoadWorker implements Router.
func (r *SimRouter) LoadWorker(ctx context.Context, work []byte, via *types.ViaData) (WorkerHandle, error) {
	if len(work) == 0 {
		return nil, ErrEmptyWork
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simWorker{router: r, work: work, hash: tileHash(work), via: via}, nil
}

func (r *SimRouter) sleep(ctx context.Context, h uint64) error {
	if r.Delay <= 0 {
		return ctx.Err()
	}
	d := time.Duration(h%1000) * r.Delay / 1000
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type simWorker struct {
	router   *SimRouter
	work     []byte
	hash     uint64
	via      *types.ViaData
	strategy types.Strategy
}

func (w *simWorker) Configure(s types.Strategy) {
	w.strategy = s
}

// Run derives a cost from the tile and strategy: deeper searches spend more
// ops and leave fewer violations.
func (w *simWorker) Run(ctx context.Context) (Outcome, error) {
	s := w.strategy
	h := w.hash ^ strategyHash(s)
	if err := w.router.sleep(ctx, h); err != nil {
		return Outcome{}, err
	}

	depth := int64(s.MazeEndIter)
	if depth < 1 {
		depth = 1
	}
	ops := int64(h%100+1) * depth * int64(s.RipupMode+1)

	violations := int(h % 7)
	if s.FollowGuide {
		violations++
	}
	violations -= int(depth / 16)
	if violations < 0 {
		violations = 0
	}

	return Outcome{
		Violations: violations,
		HeapOps:    ops,
		Blob:       simResult(w.work, h, w.via),
	}, nil
}

func tileHash(work []byte) uint64 {
	f := fnv.New64a()
	f.Write(work)
	return f.Sum64()
}

func strategyHash(s types.Strategy) uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(s.MazeEndIter))
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.DrcCost))
	binary.LittleEndian.PutUint32(buf[8:], uint32(s.MarkerCost))
	binary.LittleEndian.PutUint32(buf[12:], uint32(s.RipupMode))
	if s.FollowGuide {
		buf[16] = 1
	}
	return tileHash(buf[:])
}

func simResult(work []byte, h uint64, via *types.ViaData) []byte {
	version := 0
	if via != nil {
		version = via.Version
	}
	return []byte(fmt.Sprintf("routed:%x:via%d:%d", h, version, len(work)))
}
