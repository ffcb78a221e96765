package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickLend/internal/model"
)

// Store provides Postgres persistence for the lending ledger.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Amounts are stored as decimal text; uint256 values do not fit BIGINT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticklend_buckets (
		tick INTEGER PRIMARY KEY,
		liquidity TEXT NOT NULL,
		locked TEXT NOT NULL,
		total_shares TEXT NOT NULL,
		fee_growth_a TEXT NOT NULL,
		fee_growth_b TEXT NOT NULL,
		inside_a TEXT NOT NULL,
		inside_b TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticklend_lenders (
		tick INTEGER NOT NULL,
		owner TEXT NOT NULL,
		shares TEXT NOT NULL,
		snapshot_a TEXT NOT NULL,
		snapshot_b TEXT NOT NULL,
		PRIMARY KEY (tick, owner)
	)`,
	`CREATE TABLE IF NOT EXISTS ticklend_withdrawals (
		tick INTEGER NOT NULL,
		owner TEXT NOT NULL,
		amount_a TEXT NOT NULL,
		amount_b TEXT NOT NULL,
		eligible_at BIGINT NOT NULL,
		PRIMARY KEY (tick, owner)
	)`,
	`CREATE TABLE IF NOT EXISTS ticklend_collateral (
		tick INTEGER PRIMARY KEY,
		locked TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticklend_loans (
		owner TEXT NOT NULL,
		tick_bor INTEGER NOT NULL,
		tick_col INTEGER NOT NULL,
		liquidity_bor TEXT NOT NULL,
		liquidity_col TEXT NOT NULL,
		interest TEXT NOT NULL,
		fee TEXT NOT NULL,
		escrow_a TEXT NOT NULL DEFAULT '0',
		escrow_b TEXT NOT NULL DEFAULT '0',
		start_ts BIGINT NOT NULL,
		PRIMARY KEY (owner, tick_bor, tick_col)
	)`,
	`ALTER TABLE ticklend_loans ADD COLUMN IF NOT EXISTS escrow_a TEXT NOT NULL DEFAULT '0'`,
	`ALTER TABLE ticklend_loans ADD COLUMN IF NOT EXISTS escrow_b TEXT NOT NULL DEFAULT '0'`,
	`CREATE TABLE IF NOT EXISTS ticklend_ledger (
		id SMALLINT PRIMARY KEY,
		taken_at BIGINT NOT NULL,
		reserve_a TEXT NOT NULL,
		reserve_b TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticklend_state (
		name TEXT PRIMARY KEY,
		last_line BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the ledger tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces the stored ledger with snap in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.LedgerSnapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, table := range []string{"ticklend_buckets", "ticklend_lenders", "ticklend_withdrawals", "ticklend_collateral", "ticklend_loans"} {
			batch.Queue(`DELETE FROM ` + table)
		}
		for _, b := range snap.Buckets {
			batch.Queue(`
				INSERT INTO ticklend_buckets (
					tick, liquidity, locked, total_shares, fee_growth_a, fee_growth_b, inside_a, inside_b
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, b.Tick, b.Liquidity, b.Locked, b.TotalShares, b.FeeGrowthA, b.FeeGrowthB, b.InsideA, b.InsideB)
		}
		for _, l := range snap.Lenders {
			batch.Queue(`
				INSERT INTO ticklend_lenders (tick, owner, shares, snapshot_a, snapshot_b)
				VALUES ($1,$2,$3,$4,$5)
			`, l.Tick, l.Owner, l.Shares, l.SnapshotA, l.SnapshotB)
		}
		for _, w := range snap.Withdrawals {
			batch.Queue(`
				INSERT INTO ticklend_withdrawals (tick, owner, amount_a, amount_b, eligible_at)
				VALUES ($1,$2,$3,$4,$5)
			`, w.Tick, w.Owner, w.AmountA, w.AmountB, int64(w.EligibleAt))
		}
		for _, c := range snap.Collateral {
			batch.Queue(`INSERT INTO ticklend_collateral (tick, locked) VALUES ($1,$2)`, c.Tick, c.Locked)
		}
		for _, l := range snap.Loans {
			batch.Queue(`
				INSERT INTO ticklend_loans (
					owner, tick_bor, tick_col, liquidity_bor, liquidity_col, interest, fee, escrow_a, escrow_b, start_ts
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, l.Owner, l.TickBor, l.TickCol, l.LiquidityBor, l.LiquidityCol, l.Interest, l.Fee, orZero(l.EscrowA), orZero(l.EscrowB), int64(l.Start))
		}
		batch.Queue(`
			INSERT INTO ticklend_ledger (id, taken_at, reserve_a, reserve_b, updated_at)
			VALUES (1, $1, $2, $3, now())
			ON CONFLICT (id) DO UPDATE SET
				taken_at = EXCLUDED.taken_at,
				reserve_a = EXCLUDED.reserve_a,
				reserve_b = EXCLUDED.reserve_b,
				updated_at = now()
		`, int64(snap.TakenAt), snap.ReserveA, snap.ReserveB)

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("save snapshot: %w", err)
			}
		}
		return br.Close()
	})
}

// LoadSnapshot reads the stored ledger. ok is false when nothing was saved yet.
func (s *Store) LoadSnapshot(ctx context.Context) (model.LedgerSnapshot, bool, error) {
	var snap model.LedgerSnapshot
	var takenAt int64
	row := s.pool.QueryRow(ctx, `SELECT taken_at, reserve_a, reserve_b FROM ticklend_ledger WHERE id=1`)
	if err := row.Scan(&takenAt, &snap.ReserveA, &snap.ReserveB); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerSnapshot{}, false, nil
		}
		return model.LedgerSnapshot{}, false, err
	}
	snap.TakenAt = uint64(takenAt)

	var err error
	snap.Buckets, err = collect(ctx, s.pool, `
		SELECT tick, liquidity, locked, total_shares, fee_growth_a, fee_growth_b, inside_a, inside_b
		FROM ticklend_buckets ORDER BY tick`,
		func(row pgx.CollectableRow) (model.BucketRecord, error) {
			var b model.BucketRecord
			err := row.Scan(&b.Tick, &b.Liquidity, &b.Locked, &b.TotalShares, &b.FeeGrowthA, &b.FeeGrowthB, &b.InsideA, &b.InsideB)
			return b, err
		})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	snap.Lenders, err = collect(ctx, s.pool, `
		SELECT tick, owner, shares, snapshot_a, snapshot_b
		FROM ticklend_lenders ORDER BY tick, owner`,
		func(row pgx.CollectableRow) (model.LenderRecord, error) {
			var l model.LenderRecord
			err := row.Scan(&l.Tick, &l.Owner, &l.Shares, &l.SnapshotA, &l.SnapshotB)
			return l, err
		})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	snap.Withdrawals, err = collect(ctx, s.pool, `
		SELECT tick, owner, amount_a, amount_b, eligible_at
		FROM ticklend_withdrawals ORDER BY tick, owner`,
		func(row pgx.CollectableRow) (model.WithdrawalRecord, error) {
			var w model.WithdrawalRecord
			var eligible int64
			err := row.Scan(&w.Tick, &w.Owner, &w.AmountA, &w.AmountB, &eligible)
			w.EligibleAt = uint64(eligible)
			return w, err
		})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	snap.Collateral, err = collect(ctx, s.pool, `
		SELECT tick, locked FROM ticklend_collateral ORDER BY tick`,
		func(row pgx.CollectableRow) (model.CollateralRecord, error) {
			var c model.CollateralRecord
			err := row.Scan(&c.Tick, &c.Locked)
			return c, err
		})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	snap.Loans, err = collect(ctx, s.pool, `
		SELECT owner, tick_bor, tick_col, liquidity_bor, liquidity_col, interest, fee, escrow_a, escrow_b, start_ts
		FROM ticklend_loans ORDER BY owner, tick_bor, tick_col`,
		func(row pgx.CollectableRow) (model.LoanRecord, error) {
			var l model.LoanRecord
			var start int64
			err := row.Scan(&l.Owner, &l.TickBor, &l.TickCol, &l.LiquidityBor, &l.LiquidityCol, &l.Interest, &l.Fee, &l.EscrowA, &l.EscrowB, &start)
			l.Start = uint64(start)
			return l, err
		})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	return snap, true, nil
}

func collect[T any](ctx context.Context, pool *pgxpool.Pool, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

// LoadCheckpoint returns the last replayed line for a name.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var line int64
	row := s.pool.QueryRow(ctx, `SELECT last_line FROM ticklend_state WHERE name=$1`, name)
	if err := row.Scan(&line); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(line), true, nil
}

// SaveCheckpoint upserts the last replayed line for a name.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, line uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ticklend_state (name, last_line, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_line = EXCLUDED.last_line, updated_at = now()
	`, name, int64(line))
	return err
}

func orZero(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}
