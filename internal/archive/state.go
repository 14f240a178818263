package archive

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

// WriteStateFile atomically replaces path with the given sections. The
// previous file, if any, is kept as path.bak.
func WriteStateFile(path string, sections []*provider.Section) error {
	var buf bytes.Buffer
	if err := provider.WriteSections(&buf, sections); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".arena-state-*.ini")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if old, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", old, 0o644); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// ReadStateFile reads the sections stored at path. A missing file yields no
// sections and no error.
func ReadStateFile(path string) ([]*provider.Section, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer f.Close()
	sections, err := provider.ReadSections(f)
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	return sections, nil
}

// StateSink rewrites the state file after every saved game so an interrupted
// contest can resume from the last counted result.
type StateSink struct {
	mu       sync.Mutex
	path     string
	sections func() []*provider.Section
}

// NewStateSink writes the sections returned by sections to path.
func NewStateSink(path string, sections func() []*provider.Section) *StateSink {
	return &StateSink{path: path, sections: sections}
}

func (s *StateSink) SaveGame(*game.Record) error {
	return s.Flush()
}

// Flush writes the current state.
func (s *StateSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteStateFile(s.path, s.sections())
}
