package lending

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tickLend/internal/amm"
	"tickLend/internal/interest"
	"tickLend/internal/tickmath"
)

func (e *Engine) Bucket(tick int32) (*Bucket, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.state.Buckets[tick]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Ticks returns the ticks of every non-empty bucket in ascending order.
func (e *Engine) Ticks() []int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int32, 0, len(e.state.Buckets))
	for tick := range e.state.Buckets {
		out = append(out, tick)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) Lender(tick int32, owner common.Address) (*Lender, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.state.Lenders[LenderKey{Tick: tick, Owner: owner}]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func (e *Engine) PendingWithdrawal(tick int32, owner common.Address) (*Withdrawal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.state.Withdrawals[LenderKey{Tick: tick, Owner: owner}]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

func (e *Engine) CollateralAt(tick int32) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.state.Collateral[tick]
	if !ok {
		return new(uint256.Int)
	}
	return clone(c.Locked)
}

func (e *Engine) Loan(owner common.Address, tickBor, tickCol int32) (*Loan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.state.Loans[LoanKey{Owner: owner, TickBor: tickBor, TickCol: tickCol}]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// LoanEnd is the unix second at which the loan expires.
func (e *Engine) LoanEnd(key LoanKey) (uint64, error) {
	loan, ok := e.Loan(key.Owner, key.TickBor, key.TickCol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrLoanNotFound, key)
	}
	return interest.LoanEnd(loan.Start, loan.LiquidityBor, loan.Interest, e.cfg.Rate)
}

// Interest is the deposit needed to borrow principal liquidity from start to end.
func (e *Engine) Interest(principal *uint256.Int, start, end uint64) (*uint256.Int, error) {
	return interest.Between(orZero(principal), e.cfg.Rate, start, end)
}

func (e *Engine) Reserve() (*uint256.Int, *uint256.Int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.state.Reserve.AmountA), clone(e.state.Reserve.AmountB)
}

// EarnedFees is what owner would be credited at tick right now: fees already folded into
// the bucket plus the owner's share of swap fees the pool has not paid out yet.
func (e *Engine) EarnedFees(ctx context.Context, tick int32, owner common.Address) (*uint256.Int, *uint256.Int, error) {
	if err := e.checkTick(tick); err != nil {
		return nil, nil, err
	}
	b, ok := e.Bucket(tick)
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}
	l, ok := e.Lender(tick, owner)
	if !ok || l.Shares.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}

	positionLiquidity, err := e.conn.PositionLiquidity(ctx, amm.Key{Book: amm.Lending, Tick: tick})
	if err != nil {
		return nil, nil, external("position liquidity", err)
	}
	insideA, insideB, err := e.conn.FeeGrowthInside(ctx, tick, tick+e.conn.TickSpacing())
	if err != nil {
		return nil, nil, external("fee growth inside", err)
	}

	var c arith
	project := func(growth, inside, last, snapshot *uint256.Int) *uint256.Int {
		pending := c.mulDiv(new(uint256.Int).Sub(inside, last), positionLiquidity, tickmath.Q128)
		g := new(uint256.Int).Add(growth, c.mulDiv(pending, tickmath.Q128, b.TotalShares))
		return c.mulDiv(g.Sub(g, snapshot), l.Shares, tickmath.Q128)
	}
	earnedA := project(b.FeeGrowthA, insideA, b.InsideA, l.SnapshotA)
	earnedB := project(b.FeeGrowthB, insideB, b.InsideB, l.SnapshotB)
	if c.err != nil {
		return nil, nil, c.err
	}
	return earnedA, earnedB, nil
}

// CheckInvariants verifies the ledger's internal consistency and returns the first violation.
func (e *Engine) CheckInvariants() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return checkState(e.state)
}

func checkState(s *State) error {
	shares := make(map[int32]*uint256.Int)
	for k, l := range s.Lenders {
		if _, ok := shares[k.Tick]; !ok {
			shares[k.Tick] = new(uint256.Int)
		}
		shares[k.Tick].Add(shares[k.Tick], l.Shares)
	}
	borrowed := make(map[int32]*uint256.Int)
	pledged := make(map[int32]*uint256.Int)
	for k, l := range s.Loans {
		if _, ok := borrowed[k.TickBor]; !ok {
			borrowed[k.TickBor] = new(uint256.Int)
		}
		borrowed[k.TickBor].Add(borrowed[k.TickBor], l.LiquidityBor)
		if _, ok := pledged[k.TickCol]; !ok {
			pledged[k.TickCol] = new(uint256.Int)
		}
		pledged[k.TickCol].Add(pledged[k.TickCol], l.LiquidityCol)
		if l.Interest.IsZero() && l.Fee.IsZero() && (!l.EscrowA.IsZero() || !l.EscrowB.IsZero()) {
			return fmt.Errorf("loan %s: escrow %s/%s without prepaid interest or fee", k, l.EscrowA.Dec(), l.EscrowB.Dec())
		}
	}
	for k, w := range s.Withdrawals {
		if w.empty() {
			return fmt.Errorf("withdrawal %s: nothing pending", k)
		}
	}

	for tick, b := range s.Buckets {
		if b.Locked.Gt(b.Liquidity) {
			return fmt.Errorf("bucket %d: locked %s above liquidity %s", tick, b.Locked.Dec(), b.Liquidity.Dec())
		}
		if b.TotalShares.IsZero() != b.Liquidity.IsZero() {
			return fmt.Errorf("bucket %d: shares %s with liquidity %s", tick, b.TotalShares.Dec(), b.Liquidity.Dec())
		}
		if !orZero(shares[tick]).Eq(b.TotalShares) {
			return fmt.Errorf("bucket %d: lender shares %s, total %s", tick, orZero(shares[tick]).Dec(), b.TotalShares.Dec())
		}
		if !orZero(borrowed[tick]).Eq(b.Locked) {
			return fmt.Errorf("bucket %d: loans %s, locked %s", tick, orZero(borrowed[tick]).Dec(), b.Locked.Dec())
		}
	}
	for tick, v := range shares {
		if _, ok := s.Buckets[tick]; !ok && !v.IsZero() {
			return fmt.Errorf("bucket %d: missing with %s lender shares", tick, v.Dec())
		}
	}
	for tick, v := range borrowed {
		if _, ok := s.Buckets[tick]; !ok && !v.IsZero() {
			return fmt.Errorf("bucket %d: missing with %s borrowed", tick, v.Dec())
		}
	}
	for tick, v := range pledged {
		locked := new(uint256.Int)
		if c, ok := s.Collateral[tick]; ok {
			locked = c.Locked
		}
		if !locked.Eq(v) {
			return fmt.Errorf("collateral %d: loans %s, locked %s", tick, v.Dec(), locked.Dec())
		}
	}
	for tick, c := range s.Collateral {
		if _, ok := pledged[tick]; !ok && !c.Locked.IsZero() {
			return fmt.Errorf("collateral %d: locked %s without loans", tick, c.Locked.Dec())
		}
	}
	return nil
}

// Positions is the liquidity every pool position should hold according to the ledger.
func (e *Engine) Positions() map[amm.Key]*uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[amm.Key]*uint256.Int, len(e.state.Buckets)+len(e.state.Collateral))
	for tick, b := range e.state.Buckets {
		out[amm.Key{Book: amm.Lending, Tick: tick}] = b.Free()
	}
	for tick, c := range e.state.Collateral {
		out[amm.Key{Book: amm.Collateral, Tick: tick}] = clone(c.Locked)
	}
	return out
}

// Reconcile compares the ledger with the pool's authoritative position liquidity.
func (e *Engine) Reconcile(ctx context.Context) error {
	for key, want := range e.Positions() {
		got, err := e.conn.PositionLiquidity(ctx, key)
		if err != nil {
			return external("position liquidity", err)
		}
		if !got.Eq(want) {
			return fmt.Errorf("position %s: pool holds %s, ledger expects %s", key, got.Dec(), want.Dec())
		}
	}
	return nil
}
