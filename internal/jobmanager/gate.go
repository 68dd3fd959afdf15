package jobmanager

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy 節點目前的階段不允許這個操作
var ErrBusy = errors.New("node busy")

// Phase 節點階段
type Phase int

const (
	PhaseIdle    Phase = iota // 閒置
	PhaseSyncing              // 正在套用 DesignUpdate，獨佔設計狀態
	PhaseRunning              // 有一個以上的批次在讀設計狀態
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSyncing:
		return "syncing"
	case PhaseRunning:
		return "running"
	}
	return "unknown"
}

// Gate 是 Idle / Syncing / Running(n) 狀態機。
//
//	Idle ──BeginSync──▶ Syncing ──release──▶ Idle
//	Idle ──BeginRun───▶ Running(1) ──BeginRun──▶ Running(n+1)
//	Running(1) ──release──▶ Idle
//
// Syncing 時 BeginRun 失敗，Running 時 BeginSync 失敗，兩者都回 ErrBusy。
type Gate struct {
	mu      sync.Mutex
	syncing bool
	running int
}

// NewGate 建立閒置狀態的 Gate
func NewGate() *Gate {
	return &Gate{}
}

// BeginSync 進入 Syncing。回傳的 release 可重複呼叫。
func (g *Gate) BeginSync() (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.syncing {
		return nil, fmt.Errorf("%w: design update already in progress", ErrBusy)
	}
	if g.running > 0 {
		return nil, fmt.Errorf("%w: %d job(s) running", ErrBusy, g.running)
	}
	g.syncing = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.syncing = false
			g.mu.Unlock()
		})
	}, nil
}

// BeginRun 登記一個讀取設計狀態的工作。回傳的 release 可重複呼叫。
func (g *Gate) BeginRun() (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.syncing {
		return nil, fmt.Errorf("%w: design update in progress", ErrBusy)
	}
	g.running++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
		})
	}, nil
}

// Phase 回傳目前階段與執行中的工作數
func (g *Gate) Phase() (Phase, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.syncing:
		return PhaseSyncing, 0
	case g.running > 0:
		return PhaseRunning, g.running
	}
	return PhaseIdle, 0
}
