package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrKindMismatch 訊息種類與 payload 型別不符
	ErrKindMismatch = errors.New("job kind does not match description type")
	// ErrUnknownKind 未知的訊息種類
	ErrUnknownKind = errors.New("unknown job kind")
)

// ============================================================================
// Description 變體（封閉的 sum type）
// ============================================================================

// Description is the payload carried by a JobMessage. The set of
// implementations is closed: only types in this package satisfy it.
type Description interface {
	isDescription()
}

// BatchDescription 初始批次
type BatchDescription struct {
	Units     []WorkUnit `json:"units"`
	ReplyHost string     `json:"reply_host"`
	ReplyPort int        `json:"reply_port"`
	SendEvery int        `json:"send_every"` // 每 N% 回傳一次進度（10 的倍數）
	Iteration int        `json:"iteration"`
}

// StubbornDescription 頑固 tile 探索：一個 tile、多組策略
type StubbornDescription struct {
	WorkerID   int        `json:"worker_id"`
	Worker     []byte     `json:"worker"`
	Strategies []Strategy `json:"strategies"`
	ReplyHost  string     `json:"reply_host"`
	ReplyPort  int        `json:"reply_port"`
	Iteration  int        `json:"iteration"`
}

// ResultDescription 單一結果（StubbornResult 以及 cache 命中的回覆）
type ResultDescription struct {
	Result WorkerResult `json:"result"`
}

// ResultRequestDescription 以 worker id + 策略向 cache 索取結果
type ResultRequestDescription struct {
	WorkerID  int      `json:"worker_id"`
	Strategy  Strategy `json:"strategy"`
	ReplyHost string   `json:"reply_host"`
	ReplyPort int      `json:"reply_port"`
}

// DesignUpdateDescription 設計狀態同步指令
type DesignUpdateDescription struct {
	GlobalsPath string   `json:"globals_path"`
	SharedDir   string   `json:"shared_dir"`
	DesignPath  string   `json:"design_path"`
	Updates     [][]byte `json:"updates"`
	ViaData     []byte   `json:"via_data"`
	ViaDataPath string   `json:"via_data_path"`
}

// 治理策略的特殊值
const (
	MaxOpsUnlimited int64 = -1 // 不限制，同時清空封鎖名單
	MaxOpsUnchanged int64 = -2 // 保持目前上限
	NoBan                 = -1 // 不新增封鎖
)

// PolicyDescription TimeoutPolicy 的內容
type PolicyDescription struct {
	MaxOps   int64 `json:"max_ops"`
	BannedID int   `json:"banned_id"`
}

// ReplyDescription 批次進度 / 終結回覆，兩者格式相同
type ReplyDescription struct {
	Results   []TileResult `json:"results"`
	Completed int          `json:"completed"`
}

// AckDescription 確認訊息，Error 非空代表失敗
type AckDescription struct {
	Error string `json:"error,omitempty"`
}

func (*BatchDescription) isDescription()         {}
func (*StubbornDescription) isDescription()      {}
func (*ResultDescription) isDescription()        {}
func (*ResultRequestDescription) isDescription() {}
func (*DesignUpdateDescription) isDescription()  {}
func (*PolicyDescription) isDescription()        {}
func (*ReplyDescription) isDescription()         {}
func (*AckDescription) isDescription()           {}

// ReplyAddress 組合回覆位址 host:port
func ReplyAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ============================================================================
// JobMessage 信封
// ============================================================================

// JobMessage is the envelope exchanged between nodes. Kind decides which
// Description variant Desc holds; NewMessage and Validate enforce it.
type JobMessage struct {
	ID   string
	Kind JobKind
	Desc Description
}

// NewMessage 建立訊息並檢查種類與 payload 是否相符
func NewMessage(kind JobKind, desc Description) (*JobMessage, error) {
	msg := &JobMessage{
		ID:   uuid.NewString(),
		Kind: kind,
		Desc: desc,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// MustMessage 與 NewMessage 相同，但組合錯誤時 panic（僅用於靜態已知的組合）
func MustMessage(kind JobKind, desc Description) *JobMessage {
	msg, err := NewMessage(kind, desc)
	if err != nil {
		panic(err)
	}
	return msg
}

// Validate checks that Desc is the variant Kind requires.
func (m *JobMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrKindMismatch)
	}
	ok := false
	switch m.Kind {
	case KindInitialBatch:
		_, ok = m.Desc.(*BatchDescription)
	case KindStubbornBatch:
		_, ok = m.Desc.(*StubbornDescription)
	case KindStubbornResult:
		_, ok = m.Desc.(*ResultDescription)
	case KindResultRequest:
		_, ok = m.Desc.(*ResultRequestDescription)
	case KindDesignUpdate:
		_, ok = m.Desc.(*DesignUpdateDescription)
	case KindTimeoutPolicy:
		_, ok = m.Desc.(*PolicyDescription)
	case KindAck:
		switch m.Desc.(type) {
		case nil, *AckDescription, *ReplyDescription:
			ok = true
		}
	case KindSuccess:
		switch m.Desc.(type) {
		case nil, *ReplyDescription:
			ok = true
		}
	case KindError:
		_, ok = m.Desc.(*AckDescription)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(m.Kind))
	}
	if !ok {
		return fmt.Errorf("%w: kind=%s desc=%T", ErrKindMismatch, m.Kind, m.Desc)
	}
	return nil
}

// Batch 取得 InitialBatch 的內容
func (m *JobMessage) Batch() (*BatchDescription, error) {
	d, ok := m.Desc.(*BatchDescription)
	if !ok || m.Kind != KindInitialBatch {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindInitialBatch, m.Kind)
	}
	return d, nil
}

// Stubborn 取得 StubbornBatch 的內容
func (m *JobMessage) Stubborn() (*StubbornDescription, error) {
	d, ok := m.Desc.(*StubbornDescription)
	if !ok || m.Kind != KindStubbornBatch {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindStubbornBatch, m.Kind)
	}
	return d, nil
}

// Result 取得 StubbornResult 的內容
func (m *JobMessage) Result() (*ResultDescription, error) {
	d, ok := m.Desc.(*ResultDescription)
	if !ok || m.Kind != KindStubbornResult {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindStubbornResult, m.Kind)
	}
	return d, nil
}

// ResultRequest 取得 ResultRequest 的內容
func (m *JobMessage) ResultRequest() (*ResultRequestDescription, error) {
	d, ok := m.Desc.(*ResultRequestDescription)
	if !ok || m.Kind != KindResultRequest {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindResultRequest, m.Kind)
	}
	return d, nil
}

// DesignUpdate 取得 DesignUpdate 的內容
func (m *JobMessage) DesignUpdate() (*DesignUpdateDescription, error) {
	d, ok := m.Desc.(*DesignUpdateDescription)
	if !ok || m.Kind != KindDesignUpdate {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindDesignUpdate, m.Kind)
	}
	return d, nil
}

// Policy 取得 TimeoutPolicy 的內容
func (m *JobMessage) Policy() (*PolicyDescription, error) {
	d, ok := m.Desc.(*PolicyDescription)
	if !ok || m.Kind != KindTimeoutPolicy {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, KindTimeoutPolicy, m.Kind)
	}
	return d, nil
}

// Reply 取得批次回覆內容（Ack 或 Success）
func (m *JobMessage) Reply() (*ReplyDescription, error) {
	d, ok := m.Desc.(*ReplyDescription)
	if !ok || (m.Kind != KindAck && m.Kind != KindSuccess) {
		return nil, fmt.Errorf("%w: want reply, got %s/%T", ErrKindMismatch, m.Kind, m.Desc)
	}
	return d, nil
}

// AckError 若為錯誤確認則回傳錯誤訊息
func (m *JobMessage) AckError() error {
	if m.Kind != KindError {
		return nil
	}
	if d, ok := m.Desc.(*AckDescription); ok && d.Error != "" {
		return errors.New(d.Error)
	}
	return errors.New("remote error")
}

// NewAck 建立空的確認訊息
func NewAck() *JobMessage {
	return MustMessage(KindAck, nil)
}

// NewErrorAck 建立錯誤確認訊息
func NewErrorAck(err error) *JobMessage {
	return MustMessage(KindError, &AckDescription{Error: err.Error()})
}
