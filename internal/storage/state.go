package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tickLend/internal/model"
)

// StateStore persists the ledger snapshot between runs.
type StateStore interface {
	Load(ctx context.Context) (model.LedgerSnapshot, bool, error)
	Save(ctx context.Context, snap model.LedgerSnapshot) error
}

// FileStateStore stores the snapshot in a local JSON file.
type FileStateStore struct {
	Path string
}

type stateRecord struct {
	Snapshot  model.LedgerSnapshot `json:"snapshot"`
	UpdatedAt string               `json:"updated_at"`
}

func (s *FileStateStore) Load(ctx context.Context) (model.LedgerSnapshot, bool, error) {
	if s == nil || s.Path == "" {
		return model.LedgerSnapshot{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.LedgerSnapshot{}, false, nil
		}
		return model.LedgerSnapshot{}, false, fmt.Errorf("read state: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.LedgerSnapshot{}, false, fmt.Errorf("parse state: %w", err)
	}
	return rec.Snapshot, true, nil
}

func (s *FileStateStore) Save(ctx context.Context, snap model.LedgerSnapshot) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	rec := stateRecord{
		Snapshot:  snap,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
