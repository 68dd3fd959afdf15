package design

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/drt-dist/internal/metrics"
)

// ErrNoDesign is returned by stores that need a design before an update.
var ErrNoDesign = errors.New("no design loaded")

// Store is the node's design database as seen by the synchronizer. The
// schema behind it is not this package's concern.
type Store interface {
	SetSharedVolume(dir string) error
	UpdateGlobals(path string) error
	UpdateDesign(update []byte) error
	UpdateDesignBatch(updates [][]byte) error
	ResetDB(path string) error
}

// Describer is implemented by stores that can summarize the loaded design
// for the metrics sink.
type Describer interface {
	Describe() metrics.DesignEntry
}

// FileStore is a Store backed by plain files on the shared volume. It does
// not interpret the design; it validates paths, keeps the raw bytes and
// counts applied updates. Relative paths resolve against the shared volume.
type FileStore struct {
	mu          sync.RWMutex
	sharedDir   string
	globalsPath string
	globals     []byte
	designPath  string
	design      []byte
	updates     int
}

// NewFileStore returns an empty store.
func NewFileStore() *FileStore {
	return &FileStore{}
}

// SetSharedVolume implements Store.
func (s *FileStore) SetSharedVolume(dir string) error {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("shared volume: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("shared volume %s is not a directory", dir)
		}
	}
	s.mu.Lock()
	s.sharedDir = dir
	s.mu.Unlock()
	return nil
}

// UpdateGlobals implements Store.
func (s *FileStore) UpdateGlobals(path string) error {
	data, resolved, err := s.read(path)
	if err != nil {
		return fmt.Errorf("load globals: %w", err)
	}
	s.mu.Lock()
	s.globalsPath = resolved
	s.globals = data
	s.mu.Unlock()
	return nil
}

// ResetDB implements Store. The previous design and its updates are dropped.
func (s *FileStore) ResetDB(path string) error {
	data, resolved, err := s.read(path)
	if err != nil {
		return fmt.Errorf("load design: %w", err)
	}
	s.mu.Lock()
	s.designPath = resolved
	s.design = data
	s.updates = 0
	s.mu.Unlock()
	return nil
}

// UpdateDesign implements Store.
func (s *FileStore) UpdateDesign(update []byte) error {
	return s.UpdateDesignBatch([][]byte{update})
}

// UpdateDesignBatch implements Store. Updates apply in order.
func (s *FileStore) UpdateDesignBatch(updates [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.design == nil {
		return ErrNoDesign
	}
	for _, u := range updates {
		s.design = append(s.design, u...)
		s.updates++
	}
	return nil
}

// Describe implements Describer with byte-level figures of the raw design.
func (s *FileStore) Describe() metrics.DesignEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return metrics.DesignEntry{
		Area:   int64(len(s.design)),
		GCells: len(s.globals),
		Nets:   s.updates,
	}
}

// State returns what the store currently holds, for status output and tests.
func (s *FileStore) State() (sharedDir, globalsPath, designPath string, updates int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharedDir, s.globalsPath, s.designPath, s.updates
}

func (s *FileStore) read(path string) ([]byte, string, error) {
	s.mu.RLock()
	dir := s.sharedDir
	s.mu.RUnlock()

	if dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		data = []byte{}
	}
	return data, path, nil
}
