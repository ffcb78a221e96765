package storage

import (
	"context"

	"tickLend/internal/model"
	"tickLend/internal/storage/postgres"
)

// DBStateStore stores the snapshot in the ledger tables.
type DBStateStore struct {
	Store *postgres.Store
}

func (s *DBStateStore) Load(ctx context.Context) (model.LedgerSnapshot, bool, error) {
	if s == nil || s.Store == nil {
		return model.LedgerSnapshot{}, false, nil
	}
	return s.Store.LoadSnapshot(ctx)
}

func (s *DBStateStore) Save(ctx context.Context, snap model.LedgerSnapshot) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.SaveSnapshot(ctx, snap)
}
