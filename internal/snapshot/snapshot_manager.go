package snapshot

// ============================================================================
// 職責說明：
// 1. 將 via-data 存成快照檔，讓 DesignUpdate 只需帶路徑而非整包資料
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本與 CRC32
//
// 檔案格式（JSON 外殼，payload 為 codec 編碼後的 via-data）：
//   {
//     "schema_ver": 1,
//     "via_version": 7,
//     "written_at": "2026-01-02T15:04:05Z",
//     "crc32": 123456789,
//     "payload": "<base64>"
//   }
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/drt-dist/internal/codec"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

const schemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

type envelope struct {
	SchemaVer  int       `json:"schema_ver"`
	ViaVersion int       `json:"via_version"`
	WrittenAt  time.Time `json:"written_at"`
	CRC32      uint32    `json:"crc32"`
	Payload    []byte    `json:"payload"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入 via-data 快照
//
// 流程：
// 1. codec 編碼 + CRC32
// 2. 寫入臨時檔案（.tmp）
// 3. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(via *types.ViaData) error {
	if via == nil {
		return errors.New("nil via-data")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	payload := codec.MarshalViaData(via)
	env := envelope{
		SchemaVer:  schemaVersion,
		ViaVersion: via.Version,
		WrittenAt:  time.Now().UTC(),
		CRC32:      crc32.ChecksumIEEE(payload),
		Payload:    payload,
	}

	jsonBytes, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在 → ErrSnapshotNotFound（via-data 沒有「空狀態」可回退）
//   - JSON、CRC32 或 codec 任一失敗 → ErrCorruptedSnapshot
//   - schema 版本不符 → ErrIncompatibleVersion
func (m *Manager) Load() (*types.ViaData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != schemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, schemaVersion)
	}
	if crc32.ChecksumIEEE(env.Payload) != env.CRC32 {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
	}

	via, err := codec.UnmarshalViaData(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return via, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// LoadFile 讀取任意路徑的 via-data 快照
func LoadFile(path string) (*types.ViaData, error) {
	return NewManager(path).Load()
}
