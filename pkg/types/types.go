// Package types 定義了 drt-dist 協調層使用的核心領域模型
package types

import (
	"time"
)

// JobKind 訊息種類（訊息信封的判別欄位）
type JobKind int

// 定義訊息種類常數
const (
	KindNone           JobKind = iota
	KindInitialBatch           // 初始批次：整批 tile 交給 worker pool 執行
	KindStubbornBatch          // 頑固 tile：同一 tile 以多組策略並行探索
	KindStubbornResult         // 單一探索結果（逐筆回傳）
	KindResultRequest          // 向 cache 索取既有結果
	KindDesignUpdate           // 設計狀態同步
	KindTimeoutPolicy          // 治理策略（操作上限與封鎖）
	KindAck                    // 確認 / 非終結進度回覆
	KindSuccess                // 終結回覆：允許請求端結束該工作
	KindError                  // 錯誤確認
)

var kindNames = map[JobKind]string{
	KindNone:           "none",
	KindInitialBatch:   "initial_batch",
	KindStubbornBatch:  "stubborn_batch",
	KindStubbornResult: "stubborn_result",
	KindResultRequest:  "result_request",
	KindDesignUpdate:   "design_update",
	KindTimeoutPolicy:  "timeout_policy",
	KindAck:            "ack",
	KindSuccess:        "success",
	KindError:          "error",
}

func (k JobKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind 將名稱轉回 JobKind（CLI 與設定檔使用）
func ParseKind(name string) (JobKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindNone, false
}

// RipupMode 拆線重繞模式
type RipupMode int

const (
	RipupDRC     RipupMode = iota // 只拆有 DRC 的線
	RipupAll                      // 全部拆
	RipupNearDRC                  // 拆 DRC 附近的線
)

// Strategy 一次繞線嘗試的參數組，可比較（== 即全欄位相等）
type Strategy struct {
	MazeEndIter int       `json:"maze_end_iter" yaml:"maze_end_iter"` // 搜尋深度上限
	DrcCost     int       `json:"drc_cost" yaml:"drc_cost"`           // DRC 成本倍率
	MarkerCost  int       `json:"marker_cost" yaml:"marker_cost"`     // marker 成本倍率
	RipupMode   RipupMode `json:"ripup_mode" yaml:"ripup_mode"`       // 拆線模式
	FollowGuide bool      `json:"follow_guide" yaml:"follow_guide"`   // 是否遵循 guide
}

// WorkUnit 一個 tile 的序列化工作單元，只讀
type WorkUnit struct {
	WorkerID int    `json:"worker_id" yaml:"worker_id"` // 批次內唯一
	Blob     []byte `json:"blob" yaml:"blob"`
}

// ViolationsAborted 表示該次嘗試被中止或被治理策略判為無效
const ViolationsAborted = -1

// WorkerResult 一次繞線嘗試的結果
type WorkerResult struct {
	ID              int           `json:"id"`
	NumOfViolations int           `json:"num_of_violations"` // -1 = aborted
	RunTime         time.Duration `json:"run_time"`
	HeapOps         int64         `json:"heap_ops"`
	Strategy        Strategy      `json:"strategy"`
	Blob            []byte        `json:"blob,omitempty"`
}

// Aborted 回報此結果是否為中止結果
func (r WorkerResult) Aborted() bool {
	return r.NumOfViolations == ViolationsAborted
}

// TileResult 批次模式下單一 tile 的結果 (workerId, resultBlob)
type TileResult struct {
	WorkerID int    `json:"worker_id"`
	Blob     []byte `json:"blob"`
}

// ViaTable 一張 via 查找表
type ViaTable struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// ViaData 跨嘗試共享的唯讀 via 查找資料，每次更新整體替換
type ViaData struct {
	Version int        `json:"version"`
	Tables  []ViaTable `json:"tables"`
}

// Table 依名稱取得查找表
func (v *ViaData) Table(name string) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	for _, t := range v.Tables {
		if t.Name == name {
			return t.Data, true
		}
	}
	return nil, false
}
