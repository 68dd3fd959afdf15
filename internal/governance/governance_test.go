package governance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

func TestPolicy_StartsUnlimited(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, types.MaxOpsUnlimited, p.MaxOps())
	assert.Empty(t, p.Snapshot().Banned)
	assert.Equal(t, 3, p.Judge(1, 1<<40, 3))
}

func TestPolicy_Apply(t *testing.T) {
	tests := []struct {
		name       string
		start      []types.PolicyDescription
		apply      types.PolicyDescription
		wantMaxOps int64
		wantBanned []int
	}{
		{
			name:       "set cap",
			apply:      types.PolicyDescription{MaxOps: 100, BannedID: types.NoBan},
			wantMaxOps: 100,
			wantBanned: []int{},
		},
		{
			name:       "unchanged cap with ban",
			start:      []types.PolicyDescription{{MaxOps: 100, BannedID: types.NoBan}},
			apply:      types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: 7},
			wantMaxOps: 100,
			wantBanned: []int{7},
		},
		{
			name: "unlimited clears bans",
			start: []types.PolicyDescription{
				{MaxOps: 100, BannedID: 3},
				{MaxOps: types.MaxOpsUnchanged, BannedID: 7},
			},
			apply:      types.PolicyDescription{MaxOps: types.MaxOpsUnlimited, BannedID: types.NoBan},
			wantMaxOps: types.MaxOpsUnlimited,
			wantBanned: []int{},
		},
		{
			name:       "unlimited with ban still clears",
			start:      []types.PolicyDescription{{MaxOps: 50, BannedID: 1}},
			apply:      types.PolicyDescription{MaxOps: types.MaxOpsUnlimited, BannedID: 9},
			wantMaxOps: types.MaxOpsUnlimited,
			wantBanned: []int{},
		},
		{
			name:       "cap replaced keeps bans",
			start:      []types.PolicyDescription{{MaxOps: 50, BannedID: 2}},
			apply:      types.PolicyDescription{MaxOps: 0, BannedID: 4},
			wantMaxOps: 0,
			wantBanned: []int{2, 4},
		},
		{
			name:       "ban id zero is a real ban",
			apply:      types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: 0},
			wantMaxOps: types.MaxOpsUnlimited,
			wantBanned: []int{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy()
			for _, d := range tt.start {
				p.Apply(d)
			}
			p.Apply(tt.apply)

			snap := p.Snapshot()
			assert.Equal(t, tt.wantMaxOps, snap.MaxOps)
			assert.Equal(t, tt.wantBanned, snap.Banned)
		})
	}
}

func TestPolicy_Judge(t *testing.T) {
	p := NewPolicy()
	p.Apply(types.PolicyDescription{MaxOps: 100, BannedID: types.NoBan})

	assert.Equal(t, 4, p.Judge(42, 50, 4))
	assert.Equal(t, 4, p.Judge(42, 100, 4), "cap is inclusive")
	assert.Equal(t, types.ViolationsAborted, p.Judge(42, 150, 4))

	p.Apply(types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: 7})
	assert.True(t, p.IsBanned(7))
	assert.Equal(t, types.ViolationsAborted, p.Judge(7, 0, 0))
	assert.Equal(t, int64(100), p.MaxOps())

	p.Apply(types.PolicyDescription{MaxOps: types.MaxOpsUnlimited, BannedID: types.NoBan})
	assert.False(t, p.IsBanned(7))
	assert.Equal(t, 0, p.Judge(7, 1<<50, 0))
}

func TestPolicy_ConcurrentAccess(t *testing.T) {
	p := NewPolicy()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p.Apply(types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: i})
		}(i)
		go func(i int) {
			defer wg.Done()
			p.Judge(i, int64(i), 1)
		}(i)
	}
	wg.Wait()
	assert.Len(t, p.Snapshot().Banned, 50)
}

func TestResultCache(t *testing.T) {
	c := NewResultCache()
	s1 := types.Strategy{MazeEndIter: 8, DrcCost: 8, MarkerCost: 16}
	s2 := types.Strategy{MazeEndIter: 16, DrcCost: 8, MarkerCost: 16}

	_, ok := c.Lookup(3, s1)
	assert.False(t, ok)

	r := types.WorkerResult{ID: 3, NumOfViolations: 2, Strategy: s1, Blob: []byte("r")}
	c.Store(r)

	got, ok := c.Lookup(3, s1)
	assert.True(t, ok)
	assert.Equal(t, r, got)

	// Same request twice yields the same answer.
	again, ok := c.Lookup(3, s1)
	assert.True(t, ok)
	assert.Equal(t, got, again)

	_, ok = c.Lookup(3, s2)
	assert.False(t, ok, "different strategy is a miss")

	// A newer result replaces the older one.
	c.Store(types.WorkerResult{ID: 3, NumOfViolations: 0, Strategy: s2})
	_, ok = c.Lookup(3, s1)
	assert.False(t, ok)
	_, ok = c.Lookup(3, s2)
	assert.True(t, ok)

	c.Reset()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Lookup(3, s2)
	assert.False(t, ok)
}

func TestResultCache_Concurrent(t *testing.T) {
	c := NewResultCache()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := types.Strategy{MazeEndIter: i}
			c.Store(types.WorkerResult{ID: i % 10, Strategy: s, Blob: []byte(fmt.Sprint(i))})
			c.Lookup(i%10, s)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, c.Len())
}
