// ============================================================================
// drt-dist Governance - 操作上限與封鎖名單
// ============================================================================
//
// Package: internal/governance
// File: policy.go
// Purpose: Process-wide policy that lets a controller devalue attempts from
//          workers that spend too much effort, without killing them.
//
// TimeoutPolicy 狀態轉移:
//   maxOps == -2        → 上限不變
//   maxOps 其他值        → 取代上限（-1 = 不限）
//   bannedId != -1      → 加入封鎖名單（與上限變更無關）
//   新上限 == -1         → 清空封鎖名單
//
// 判定（每次探索嘗試完成後）:
//   banned(id) || (maxOps != -1 && heapOps > maxOps)  →  violations = -1
//
// ============================================================================

package governance

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// Policy holds the operation cap and the ban set. The zero value is not
// usable; call NewPolicy.
type Policy struct {
	mu     sync.RWMutex
	maxOps int64
	banned map[int]struct{}
}

// PolicySnapshot is a read-only copy of the policy state.
type PolicySnapshot struct {
	MaxOps int64
	Banned []int
}

// NewPolicy returns an unlimited policy with no bans.
func NewPolicy() *Policy {
	return &Policy{
		maxOps: types.MaxOpsUnlimited,
		banned: make(map[int]struct{}),
	}
}

// Apply processes one TimeoutPolicy directive.
func (p *Policy) Apply(d types.PolicyDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.MaxOps != types.MaxOpsUnchanged {
		p.maxOps = d.MaxOps
	}
	if d.BannedID != types.NoBan {
		p.banned[d.BannedID] = struct{}{}
	}
	if d.MaxOps == types.MaxOpsUnlimited {
		clear(p.banned)
	}
}

// IsBanned reports whether results from worker id are devalued.
func (p *Policy) IsBanned(id int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.banned[id]
	return ok
}

// MaxOps returns the current cap, -1 when unlimited.
func (p *Policy) MaxOps() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxOps
}

// Judge returns the violation count to report for a finished attempt:
// either the real one or ViolationsAborted.
func (p *Policy) Judge(id int, heapOps int64, violations int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.banned[id]; ok {
		return types.ViolationsAborted
	}
	if p.maxOps != types.MaxOpsUnlimited && heapOps > p.maxOps {
		return types.ViolationsAborted
	}
	return violations
}

// Snapshot copies the current state, bans sorted ascending.
func (p *Policy) Snapshot() PolicySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	banned := make([]int, 0, len(p.banned))
	for id := range p.banned {
		banned = append(banned, id)
	}
	sort.Ints(banned)
	return PolicySnapshot{MaxOps: p.maxOps, Banned: banned}
}
