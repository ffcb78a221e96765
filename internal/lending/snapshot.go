package lending

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tickLend/internal/model"
)

// Snapshot exports the ledger as storage records in a stable order.
func (e *Engine) Snapshot() model.LedgerSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return exportState(e.state, e.now())
}

// Restore replaces the ledger with a previously exported snapshot once no operation is running.
func (e *Engine) Restore(ctx context.Context, snap model.LedgerSnapshot) error {
	s, err := importState(snap)
	if err != nil {
		return err
	}
	if err := checkState(s); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	return nil
}

// ValidateSnapshot decodes snap and checks the ledger invariants without loading it.
func ValidateSnapshot(snap model.LedgerSnapshot) error {
	s, err := importState(snap)
	if err != nil {
		return err
	}
	return checkState(s)
}

func exportState(s *State, takenAt uint64) model.LedgerSnapshot {
	snap := model.LedgerSnapshot{
		TakenAt:  takenAt,
		ReserveA: s.Reserve.AmountA.Dec(),
		ReserveB: s.Reserve.AmountB.Dec(),
	}
	for tick, b := range s.Buckets {
		snap.Buckets = append(snap.Buckets, model.BucketRecord{
			Tick:        tick,
			Liquidity:   b.Liquidity.Dec(),
			Locked:      b.Locked.Dec(),
			TotalShares: b.TotalShares.Dec(),
			FeeGrowthA:  b.FeeGrowthA.Dec(),
			FeeGrowthB:  b.FeeGrowthB.Dec(),
			InsideA:     b.InsideA.Dec(),
			InsideB:     b.InsideB.Dec(),
		})
	}
	for k, l := range s.Lenders {
		snap.Lenders = append(snap.Lenders, model.LenderRecord{
			Tick:      k.Tick,
			Owner:     k.Owner.Hex(),
			Shares:    l.Shares.Dec(),
			SnapshotA: l.SnapshotA.Dec(),
			SnapshotB: l.SnapshotB.Dec(),
		})
	}
	for k, w := range s.Withdrawals {
		snap.Withdrawals = append(snap.Withdrawals, model.WithdrawalRecord{
			Tick:       k.Tick,
			Owner:      k.Owner.Hex(),
			AmountA:    w.AmountA.Dec(),
			AmountB:    w.AmountB.Dec(),
			EligibleAt: w.EligibleAt,
		})
	}
	for tick, c := range s.Collateral {
		snap.Collateral = append(snap.Collateral, model.CollateralRecord{Tick: tick, Locked: c.Locked.Dec()})
	}
	for k, l := range s.Loans {
		snap.Loans = append(snap.Loans, model.LoanRecord{
			Owner:        k.Owner.Hex(),
			TickBor:      k.TickBor,
			TickCol:      k.TickCol,
			LiquidityBor: l.LiquidityBor.Dec(),
			LiquidityCol: l.LiquidityCol.Dec(),
			Interest:     l.Interest.Dec(),
			Fee:          l.Fee.Dec(),
			EscrowA:      l.EscrowA.Dec(),
			EscrowB:      l.EscrowB.Dec(),
			Start:        l.Start,
		})
	}

	sort.Slice(snap.Buckets, func(i, j int) bool { return snap.Buckets[i].Tick < snap.Buckets[j].Tick })
	sort.Slice(snap.Lenders, func(i, j int) bool {
		a, b := snap.Lenders[i], snap.Lenders[j]
		if a.Tick != b.Tick {
			return a.Tick < b.Tick
		}
		return strings.Compare(a.Owner, b.Owner) < 0
	})
	sort.Slice(snap.Withdrawals, func(i, j int) bool {
		a, b := snap.Withdrawals[i], snap.Withdrawals[j]
		if a.Tick != b.Tick {
			return a.Tick < b.Tick
		}
		return strings.Compare(a.Owner, b.Owner) < 0
	})
	sort.Slice(snap.Collateral, func(i, j int) bool { return snap.Collateral[i].Tick < snap.Collateral[j].Tick })
	sort.Slice(snap.Loans, func(i, j int) bool {
		a, b := snap.Loans[i], snap.Loans[j]
		if a.Owner != b.Owner {
			return strings.Compare(a.Owner, b.Owner) < 0
		}
		if a.TickBor != b.TickBor {
			return a.TickBor < b.TickBor
		}
		return a.TickCol < b.TickCol
	})
	return snap
}

type decoder struct {
	err error
}

func (d *decoder) amount(field, v string) *uint256.Int {
	if d.err != nil {
		return new(uint256.Int)
	}
	if v == "" {
		return new(uint256.Int)
	}
	out, err := uint256.FromDecimal(v)
	if err != nil {
		d.err = fmt.Errorf("parse %s %q: %w", field, v, err)
		return new(uint256.Int)
	}
	return out
}

func (d *decoder) owner(v string) common.Address {
	if d.err == nil && !common.IsHexAddress(v) {
		d.err = fmt.Errorf("parse owner %q: not a hex address", v)
	}
	return common.HexToAddress(v)
}

func importState(snap model.LedgerSnapshot) (*State, error) {
	var d decoder
	s := NewState()
	for _, r := range snap.Buckets {
		s.Buckets[r.Tick] = &Bucket{
			Liquidity:   d.amount("liquidity", r.Liquidity),
			Locked:      d.amount("locked", r.Locked),
			TotalShares: d.amount("total_shares", r.TotalShares),
			FeeGrowthA:  d.amount("fee_growth_a", r.FeeGrowthA),
			FeeGrowthB:  d.amount("fee_growth_b", r.FeeGrowthB),
			InsideA:     d.amount("inside_a", r.InsideA),
			InsideB:     d.amount("inside_b", r.InsideB),
		}
	}
	for _, r := range snap.Lenders {
		s.Lenders[LenderKey{Tick: r.Tick, Owner: d.owner(r.Owner)}] = &Lender{
			Shares:    d.amount("shares", r.Shares),
			SnapshotA: d.amount("snapshot_a", r.SnapshotA),
			SnapshotB: d.amount("snapshot_b", r.SnapshotB),
		}
	}
	for _, r := range snap.Withdrawals {
		s.Withdrawals[LenderKey{Tick: r.Tick, Owner: d.owner(r.Owner)}] = &Withdrawal{
			AmountA:    d.amount("amount_a", r.AmountA),
			AmountB:    d.amount("amount_b", r.AmountB),
			EligibleAt: r.EligibleAt,
		}
	}
	for _, r := range snap.Collateral {
		s.Collateral[r.Tick] = &Collateral{Locked: d.amount("locked", r.Locked)}
	}
	for _, r := range snap.Loans {
		s.Loans[LoanKey{Owner: d.owner(r.Owner), TickBor: r.TickBor, TickCol: r.TickCol}] = &Loan{
			LiquidityBor: d.amount("liquidity_bor", r.LiquidityBor),
			LiquidityCol: d.amount("liquidity_col", r.LiquidityCol),
			Interest:     d.amount("interest", r.Interest),
			Fee:          d.amount("fee", r.Fee),
			EscrowA:      d.amount("escrow_a", r.EscrowA),
			EscrowB:      d.amount("escrow_b", r.EscrowB),
			Start:        r.Start,
		}
	}
	s.Reserve = Reserve{AmountA: d.amount("reserve_a", snap.ReserveA), AmountB: d.amount("reserve_b", snap.ReserveB)}
	if d.err != nil {
		return nil, d.err
	}
	return s, nil
}
