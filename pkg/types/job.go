package types

import "time"

// JobStatus 節點上一個 inbound 工作的狀態
type JobStatus string

// 定義工作狀態常數
const (
	StatusPending   JobStatus = "pending"   // 已收到，尚未開始
	StatusRunning   JobStatus = "running"   // 執行中
	StatusCompleted JobStatus = "completed" // 完成（含已送出終結回覆）
	StatusFailed    JobStatus = "failed"    // 失敗或被拒絕
)

// Job 節點收到的一則訊息在工作表中的紀錄
type Job struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
	Peer      string    `json:"peer,omitempty"` // 來源位址
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"` // 同一 ID 被收到的次數（重送會累加）
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal 回報工作是否已結束
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
