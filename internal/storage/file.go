package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileAgentStore keeps one JSON file per symbol under dir.
type FileAgentStore struct {
	dir string
}

var _ AgentStore = (*FileAgentStore)(nil)

func NewFileAgentStore(dir string) (*FileAgentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &FileAgentStore{dir: dir}, nil
}

func (s *FileAgentStore) path(symbol string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol)+".agent.json")
}

func (s *FileAgentStore) Save(ctx context.Context, rec AgentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	if err := writeFileAtomic(s.path(rec.Symbol), data, 0644); err != nil {
		return fmt.Errorf("write agent record %s: %w", rec.Symbol, err)
	}
	return nil
}

func (s *FileAgentStore) Load(ctx context.Context, symbol string) (AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return AgentRecord{}, err
	}
	data, err := os.ReadFile(s.path(symbol))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, fmt.Errorf("read agent record %s: %w", symbol, err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AgentRecord{}, fmt.Errorf("decode agent record %s: %w", symbol, err)
	}
	if err := rec.Validate(); err != nil {
		return AgentRecord{}, err
	}
	return rec, nil
}

// writeFileAtomic writes data to path via tmp file, fsync and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
