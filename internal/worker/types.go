package worker

import (
	"context"
	"time"
)

// Task 代表提交給 Pool 的一個工作
type Task struct {
	ID      string                          // 任務識別碼（log 用）
	Run     func(ctx context.Context) error // 實際執行的函式
	Timeout time.Duration                   // 執行超時時間，0 表示不限
	Done    func(Result)                    // 完成回呼，在 worker goroutine 上執行，可為 nil
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	WorkerID int           // 執行此任務的 worker
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 回報任務是否成功
func (r Result) Success() bool {
	return r.Err == nil
}
