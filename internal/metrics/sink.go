package metrics

import (
	"context"
	"errors"
)

// IterationEntry summarizes one routing iteration (one initial batch).
type IterationEntry struct {
	Iteration       int    `json:"iteration"`
	DRVs            int    `json:"drvs"`
	TotalWorkers    int    `json:"total_workers"`
	ActiveWorkers   int    `json:"active_workers"`
	ViolatingGCells int    `json:"violating_gcells"`
	ViolatingNets   int    `json:"violating_nets"`
	FlowType        string `json:"flow_type"`
}

// WorkerEntry describes one exploration attempt on a stubborn tile.
type WorkerEntry struct {
	Iteration      int  `json:"iteration"`
	WorkerID       int  `json:"worker_id"`
	DrcCostMult    int  `json:"drc_cost_mult"`
	MarkerCostMult int  `json:"marker_cost_mult"`
	InitDRVs       int  `json:"init_drvs"`
	EndDRVs        int  `json:"end_drvs"`
	Chosen         bool `json:"chosen"`
}

// DesignEntry describes the design loaded on the node.
type DesignEntry struct {
	Area   int64 `json:"area"`
	GCells int   `json:"gcells"`
	Nets   int   `json:"nets"`
}

// Sink is the write-only metrics log. Implementations must be safe for
// concurrent use.
type Sink interface {
	WriteIteration(ctx context.Context, e IterationEntry) error
	WriteWorker(ctx context.Context, e WorkerEntry) error
	WriteDesign(ctx context.Context, e DesignEntry) error
	Close() error
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) WriteIteration(context.Context, IterationEntry) error { return nil }
func (discard) WriteWorker(context.Context, WorkerEntry) error       { return nil }
func (discard) WriteDesign(context.Context, DesignEntry) error       { return nil }
func (discard) Close() error                                         { return nil }

// Tee writes every entry to all sinks and joins their errors.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) WriteIteration(ctx context.Context, e IterationEntry) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteIteration(ctx, e))
	}
	return errors.Join(errs...)
}

func (t tee) WriteWorker(ctx context.Context, e WorkerEntry) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteWorker(ctx, e))
	}
	return errors.Join(errs...)
}

func (t tee) WriteDesign(ctx context.Context, e DesignEntry) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.WriteDesign(ctx, e))
	}
	return errors.Join(errs...)
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
