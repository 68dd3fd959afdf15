package journal

// ============================================================================
// Metrics Journal 核心實作
// 職責：
// 1. 以 append-only JSON lines 記錄 metrics sink 的每一筆紀錄
// 2. 每筆紀錄有遞增 seq 與 CRC32 校驗和
// 3. 批次寫入：buffer 滿、超過 flush 間隔或 Close 時落盤
// 4. Replay 供離線稽核與 `drtnode journal` 指令使用
// ============================================================================

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/drt-dist/internal/metrics"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorrupted 檔案無法解析
	ErrCorrupted = errors.New("journal: file is corrupted")
	// ErrChecksumMismatch 校驗和不符
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrClosed journal 已關閉
	ErrClosed = errors.New("journal: already closed")
	// ErrSeqGap seq 不連續
	ErrSeqGap = errors.New("journal: sequence gap")
)

// RecordType 紀錄種類
type RecordType string

const (
	RecordIteration RecordType = "ITERATION"
	RecordWorker    RecordType = "WORKER"
	RecordDesign    RecordType = "DESIGN"
)

// Record 一行 journal
type Record struct {
	Seq       uint64          `json:"seq"`
	Type      RecordType      `json:"type"`
	Design    string          `json:"design,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"`
}

// Handler 處理 Replay 讀到的每一筆紀錄
type Handler func(r Record) error

// Options 設定 Journal
type Options struct {
	Design        string        // 紀錄所屬的設計名稱
	SyncOnFlush   bool          // flush 時是否 fsync
	BufferSize    int           // 累積幾筆就 flush，預設 64
	FlushInterval time.Duration // 距上次 flush 超過此時間就 flush，預設 1s
}

// Journal 實作 metrics.Sink
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
	opts    Options

	buffer        []Record
	lastFlushTime time.Time
}

var _ metrics.Sink = (*Journal)(nil)

/*
Open 建立或開啟一個 journal

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時掃描最後一筆紀錄的 seq 並接續
- 以 O_APPEND 開啟，寫入不會覆蓋舊紀錄
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	last, err := LastSeq(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)

	return &Journal{
		file:          file,
		encoder:       encoder,
		path:          path,
		seq:           last,
		opts:          opts,
		buffer:        make([]Record, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// WriteIteration implements metrics.Sink.
func (j *Journal) WriteIteration(_ context.Context, e metrics.IterationEntry) error {
	return j.append(RecordIteration, e, false)
}

// WriteWorker implements metrics.Sink.
func (j *Journal) WriteWorker(_ context.Context, e metrics.WorkerEntry) error {
	return j.append(RecordWorker, e, false)
}

// WriteDesign implements metrics.Sink. Design records are rare and flushed
// right away.
func (j *Journal) WriteDesign(_ context.Context, e metrics.DesignEntry) error {
	return j.append(RecordDesign, e, true)
}

func (j *Journal) append(typ RecordType, v any, force bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", typ, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	j.seq++
	r := Record{
		Seq:       j.seq,
		Type:      typ,
		Design:    j.opts.Design,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	r.Checksum = Checksum(r)
	j.buffer = append(j.buffer, r)

	if force || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 將緩衝的紀錄寫入檔案
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq 取得目前已分配的最後一個 seq
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close flush 後關閉檔案；關閉後不可再用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	ferr := j.flushLocked()
	return errors.Join(ferr, j.file.Close())
}

// flushLocked 假設呼叫者已持有 j.mu
func (j *Journal) flushLocked() error {
	for _, r := range j.buffer {
		if err := j.encoder.Encode(r); err != nil {
			return fmt.Errorf("journal: write seq=%d: %w", r.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 校驗和
// ============================================================================

// Checksum 計算 Type + Design + Seq + Payload 的 CRC32-IEEE
func Checksum(r Record) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(r.Type))
	h.Write([]byte{0})
	h.Write([]byte(r.Design))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(r.Seq, 10)))
	h.Write([]byte{0})
	h.Write(r.Payload)
	return h.Sum32()
}

// ============================================================================
// 讀取
// ============================================================================

// Replay 從頭讀取 path，驗證每筆 checksum 後交給 handler；遇到錯誤立即停止
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var r Record
		err := decoder.Decode(&r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if got := Checksum(r); got != r.Checksum {
			return fmt.Errorf("%w: seq=%d (expected=0x%08x, got=0x%08x)", ErrChecksumMismatch, r.Seq, r.Checksum, got)
		}
		if err := handler(r); err != nil {
			return err
		}
	}
}

// LastSeq 掃描檔案取得最後一筆紀錄的 seq；空檔回傳 0
func LastSeq(path string) (uint64, error) {
	var last uint64
	err := Replay(path, func(r Record) error {
		last = r.Seq
		return nil
	})
	return last, err
}

// Summary 檔案內容統計
type Summary struct {
	Records int
	ByType  map[RecordType]int
	LastSeq uint64
}

// Validate 驗證整個檔案：JSON 格式、checksum 與 seq 連續（從 1 開始）
func Validate(path string) (Summary, error) {
	s := Summary{ByType: make(map[RecordType]int)}
	err := Replay(path, func(r Record) error {
		if r.Seq != s.LastSeq+1 {
			return fmt.Errorf("%w: seq=%d after %d", ErrSeqGap, r.Seq, s.LastSeq)
		}
		s.Records++
		s.ByType[r.Type]++
		s.LastSeq = r.Seq
		return nil
	})
	return s, err
}

// Decode 將 payload 解回對應的 metrics 紀錄型別
func Decode(r Record) (any, error) {
	var (
		v   any
		err error
	)
	switch r.Type {
	case RecordIteration:
		var e metrics.IterationEntry
		err = json.Unmarshal(r.Payload, &e)
		v = e
	case RecordWorker:
		var e metrics.WorkerEntry
		err = json.Unmarshal(r.Payload, &e)
		v = e
	case RecordDesign:
		var e metrics.DesignEntry
		err = json.Unmarshal(r.Payload, &e)
		v = e
	default:
		return nil, fmt.Errorf("%w: unknown record type %q", ErrCorrupted, r.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return v, nil
}
