// ============================================================================
// drt-dist Design Synchronizer
// ============================================================================
//
// Package: internal/design
// File: synchronizer.go
// Purpose: Apply a DesignUpdate to the local design state before any work
//          runs on it.
//
// Order of operations in Apply:
//   1. globals   path differs from the applied one → shared volume, globals
//   2. design    1 update → UpdateDesign, n updates → UpdateDesignBatch,
//                no updates + design path → ResetDB
//   3. via-data  inline bytes, else snapshot path → swap wholesale
//
// The caller holds the node in the Syncing phase, so no routing attempt
// reads the state while it changes.
//
// ============================================================================

package design

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/drt-dist/internal/codec"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/snapshot"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ErrDesignSync wraps every failure of Apply.
var ErrDesignSync = errors.New("design sync failed")

// Synchronizer applies design updates. Safe for concurrent use; calls are
// serialized.
type Synchronizer struct {
	mu          sync.Mutex
	store       Store
	via         *ViaHolder
	collector   *metrics.Collector
	sink        metrics.Sink
	logger      *slog.Logger
	globalsPath string
}

// NewSynchronizer wires a synchronizer. collector and sink may be nil.
func NewSynchronizer(store Store, via *ViaHolder, collector *metrics.Collector, sink metrics.Sink) *Synchronizer {
	if sink == nil {
		sink = metrics.Discard
	}
	return &Synchronizer{
		store:     store,
		via:       via,
		collector: collector,
		sink:      sink,
		logger:    slog.Default().With("component", "design"),
	}
}

// GlobalsPath returns the globals path applied last.
func (s *Synchronizer) GlobalsPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalsPath
}

// Apply brings the local design in line with d.
func (s *Synchronizer) Apply(ctx context.Context, d *types.DesignUpdateDescription) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		s.collector.ObserveDesignSync(elapsed, err)
		if err != nil {
			s.logger.Error("design update failed", "duration", elapsed, "error", err)
			return
		}
		s.logger.Info("design updated", "duration", elapsed)
	}()

	if d == nil {
		return fmt.Errorf("%w: nil description", ErrDesignSync)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDesignSync, err)
	}

	if d.GlobalsPath != "" && d.GlobalsPath != s.globalsPath {
		if err := s.store.SetSharedVolume(d.SharedDir); err != nil {
			return fmt.Errorf("%w: %w", ErrDesignSync, err)
		}
		if err := s.store.UpdateGlobals(d.GlobalsPath); err != nil {
			return fmt.Errorf("%w: %w", ErrDesignSync, err)
		}
		s.globalsPath = d.GlobalsPath
		s.logger.Debug("globals applied", "path", d.GlobalsPath, "sharedDir", d.SharedDir)
	}

	switch {
	case len(d.Updates) == 1:
		err = s.store.UpdateDesign(d.Updates[0])
	case len(d.Updates) > 1:
		err = s.store.UpdateDesignBatch(d.Updates)
	case d.DesignPath != "":
		err = s.store.ResetDB(d.DesignPath)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDesignSync, err)
	}

	if err := s.applyVia(d); err != nil {
		return fmt.Errorf("%w: %w", ErrDesignSync, err)
	}

	if desc, ok := s.store.(Describer); ok && (len(d.Updates) > 0 || d.DesignPath != "") {
		if err := s.sink.WriteDesign(ctx, desc.Describe()); err != nil {
			s.logger.Warn("metrics sink write failed", "error", err)
		}
	}
	return nil
}

func (s *Synchronizer) applyVia(d *types.DesignUpdateDescription) error {
	var (
		via *types.ViaData
		err error
	)
	switch {
	case len(d.ViaData) > 0:
		via, err = codec.UnmarshalViaData(d.ViaData)
		if err != nil {
			return fmt.Errorf("decode via-data: %w", err)
		}
	case d.ViaDataPath != "":
		via, err = snapshot.LoadFile(d.ViaDataPath)
		if err != nil {
			return fmt.Errorf("load via-data: %w", err)
		}
	default:
		return nil
	}
	s.via.Set(via)
	s.logger.Debug("via-data replaced", "version", via.Version, "tables", len(via.Tables))
	return nil
}
