// ============================================================================
// drt-dist 工作管理器 - inbound 工作表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 記錄節點收到的每一則訊息及其狀態，供 log 關聯與 status 查詢
//
// 狀態轉換:
//   Pending
//      ↓ MarkRunning()
//   Running
//      ↓ MarkCompleted() / MarkFailed()
//   Completed / Failed
//
//   Pending 也可以直接 MarkCompleted()（例如 TimeoutPolicy、只需 ack 的訊息）
//   或 MarkFailed()（例如被 Gate 拒絕）。
//
// 數據結構:
//   jobs  map[id]*Job   主存儲
//   order []id          收到的順序，用於淘汰舊的已結束紀錄
//
// 重送:
//   同一 ID 的紀錄已結束時，Track 把它重設為 Pending 並累加 Attempts；
//   仍在 Pending/Running 時回 ErrDuplicateJob。
//
// 淘汰:
//   已結束的紀錄超過 maxHistory 時，從最舊的開始移除；執行中的不會被移除。
//
// 並發安全:
//   sync.RWMutex 保護所有數據結構
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition 狀態轉換不合法
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// DefaultMaxHistory 預設保留的已結束紀錄數
const DefaultMaxHistory = 1024

// JobManager 代表節點的工作表
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*types.Job
	order      []string
	maxHistory int
	now        func() time.Time
}

// NewJobManager 建立新的工作表；maxHistory <= 0 時使用 DefaultMaxHistory
func NewJobManager(maxHistory int) *JobManager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &JobManager{
		jobs:       make(map[string]*types.Job),
		order:      make([]string, 0),
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

// Track 登記一個新收到的訊息，狀態為 Pending。
// 已結束的同 ID 紀錄會被重新啟用（requester 重送同一個 envelope）；
// 尚未結束的同 ID 紀錄回 ErrDuplicateJob。
func (jm *JobManager) Track(msg *types.JobMessage, peer string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	if job, exists := jm.jobs[msg.ID]; exists {
		if !job.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrDuplicateJob, msg.ID, job.Status)
		}
		job.Status = types.StatusPending
		job.Error = ""
		job.Peer = peer
		job.Attempts++
		job.UpdatedAt = now
		jm.moveToBackLocked(msg.ID)
		return nil
	}

	jm.jobs[msg.ID] = &types.Job{
		ID:        msg.ID,
		Kind:      msg.Kind,
		Status:    types.StatusPending,
		Peer:      peer,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jm.order = append(jm.order, msg.ID)
	jm.evictLocked()
	return nil
}

// moveToBackLocked 讓重新啟用的紀錄排到最後，淘汰時不會先被移除
func (jm *JobManager) moveToBackLocked(id string) {
	for i, v := range jm.order {
		if v == id {
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			break
		}
	}
	jm.order = append(jm.order, id)
}

// MarkRunning Pending → Running
func (jm *JobManager) MarkRunning(id string) error {
	return jm.transition(id, types.StatusRunning, "", types.StatusPending)
}

// MarkCompleted Pending/Running → Completed
func (jm *JobManager) MarkCompleted(id string) error {
	return jm.transition(id, types.StatusCompleted, "", types.StatusPending, types.StatusRunning)
}

// MarkFailed Pending/Running → Failed，記錄錯誤訊息
func (jm *JobManager) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return jm.transition(id, types.StatusFailed, msg, types.StatusPending, types.StatusRunning)
}

func (jm *JobManager) transition(id string, to types.JobStatus, errMsg string, from ...types.JobStatus) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, job.Status, to)
	}

	job.Status = to
	job.Error = errMsg
	job.UpdatedAt = jm.now()
	if job.Terminal() {
		jm.evictLocked()
	}
	return nil
}

// evictLocked 移除最舊的已結束紀錄，直到數量不超過 maxHistory
func (jm *JobManager) evictLocked() {
	terminal := 0
	for _, job := range jm.jobs {
		if job.Terminal() {
			terminal++
		}
	}
	if terminal <= jm.maxHistory {
		return
	}

	kept := jm.order[:0]
	for _, id := range jm.order {
		job := jm.jobs[id]
		if terminal > jm.maxHistory && job.Terminal() {
			delete(jm.jobs, id)
			terminal--
			continue
		}
		kept = append(kept, id)
	}
	jm.order = kept
}

// GetJob 取得紀錄的副本
func (jm *JobManager) GetJob(id string) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Active 回傳所有未結束工作的 ID（依收到順序）
func (jm *JobManager) Active() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var active []string
	for _, id := range jm.order {
		if !jm.jobs[id].Terminal() {
			active = append(active, id)
		}
	}
	return active
}

// Stats 取得各狀態的數量
//
//	stats := jm.Stats()
//	log.Info("jobs", "running", stats["running"], "failed", stats["failed"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusRunning):   0,
		string(types.StatusCompleted): 0,
		string(types.StatusFailed):    0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}
