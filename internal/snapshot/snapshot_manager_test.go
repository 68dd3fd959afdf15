package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證 via-data 快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

func sampleVia(version int) *types.ViaData {
	return &types.ViaData{
		Version: version,
		Tables: []types.ViaTable{
			{Name: "via1_2", Data: []byte{1, 2, 3, 4}},
			{Name: "via2_3", Data: []byte{5, 6}},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("via.snap")
	assert.NotNil(t, manager)
	assert.Equal(t, "via.snap", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "via.snap")
	manager := NewManager(path)
	assert.False(t, manager.Exists())

	original := sampleVia(7)
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, original, loaded)

	// 暫存檔不應殘留
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestOverwrite(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "via.snap"))
	require.NoError(t, manager.Write(sampleVia(1)))
	require.NoError(t, manager.Write(sampleVia(2)))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "via.snap")
	require.NoError(t, NewManager(path).Write(sampleVia(3)))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Version)
}

func TestWriteNil(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "via.snap"))
	assert.Error(t, manager.Write(nil))
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadNotFound(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.snap"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadCorruptedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "via.snap")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "via.snap")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleVia(1)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Payload[len(env.Payload)-1] ^= 0xff
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "via.snap")
	raw, err := json.Marshal(envelope{SchemaVer: 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWriteLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "via.snap"))
	require.NoError(t, manager.Write(sampleVia(0)))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleVia(v)))
		}(i)
		go func() {
			defer wg.Done()
			via, err := manager.Load()
			if assert.NoError(t, err) {
				assert.Len(t, via.Tables, 2)
			}
		}()
	}
	wg.Wait()
}
