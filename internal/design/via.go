package design

import (
	"sync/atomic"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ViaHolder owns the process-wide via-data. Readers get an immutable
// snapshot; a design update swaps it wholesale.
type ViaHolder struct {
	p atomic.Pointer[types.ViaData]
}

// Get returns the current via-data, nil before the first update.
func (h *ViaHolder) Get() *types.ViaData {
	return h.p.Load()
}

// Set replaces the via-data.
func (h *ViaHolder) Set(v *types.ViaData) {
	h.p.Store(v)
}
