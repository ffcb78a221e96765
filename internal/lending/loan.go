package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/interest"
	"tickLend/internal/tickmath"
)

func (e *Engine) keeperFee(liquidity *uint256.Int) (*uint256.Int, error) {
	return tickmath.MulDivRoundingUp(liquidity,
		uint256.NewInt(e.cfg.KeeperFee.Numerator), uint256.NewInt(e.cfg.KeeperFee.Denominator))
}

// Open borrows p.LiquidityBor from the bucket at p.TickBor against collateral minted at
// p.TickCol. The prepaid interest and the keeper fee are withheld from the borrowed tokens
// into the loan's escrow. Opening again with the same ticks first pays the bucket's lenders
// the interest used so far, then adds to the loan and restarts its clock.
func (e *Engine) Open(ctx context.Context, owner common.Address, p OpenParams) (*Loan, error) {
	if err := e.checkTick(p.TickBor); err != nil {
		return nil, err
	}
	if err := e.checkTick(p.TickCol); err != nil {
		return nil, err
	}
	borrowed := orZero(p.LiquidityBor)
	if borrowed.IsZero() {
		return nil, fmt.Errorf("%w: zero liquidity", ErrInvalidAmount)
	}
	deposit := orZero(p.Interest)
	fee, err := e.keeperFee(borrowed)
	if err != nil {
		return nil, err
	}
	withheld := new(uint256.Int).Add(deposit, fee)
	if !withheld.Lt(borrowed) {
		return nil, fmt.Errorf("%w: interest %s and fee %s against %s", ErrExcessInterest, deposit.Dec(), fee.Dec(), borrowed.Dec())
	}
	colA, colB := orZero(p.ColA), orZero(p.ColB)

	var out *Loan
	err = e.run(ctx, "open", func(ctx context.Context, tx *txn) error {
		b, err := e.accrue(ctx, tx, p.TickBor)
		if err != nil {
			return err
		}
		if b.Free().Lt(borrowed) {
			return fmt.Errorf("%w: free %s, want %s", ErrInsufficientLiquidity, b.Free().Dec(), borrowed.Dec())
		}
		if err := e.accrueCollateral(ctx, tx, p.TickCol); err != nil {
			return err
		}

		now := e.now()
		key := LoanKey{Owner: owner, TickBor: p.TickBor, TickCol: p.TickCol}
		loan, ok := tx.loan(key)
		if !ok {
			loan = newLoan()
		}
		if !loan.LiquidityBor.IsZero() {
			if err := e.earn(tx, b, loan, now); err != nil {
				return err
			}
		}
		totalBor := new(uint256.Int).Add(loan.LiquidityBor, borrowed)

		sqrtP, err := e.conn.SqrtPriceX96(ctx)
		if err != nil {
			return external("price", err)
		}
		sqrtA, sqrtB, err := e.rangeOf(p.TickCol)
		if err != nil {
			return err
		}
		quoted, err := tickmath.LiquidityForAmounts(sqrtP, sqrtA, sqrtB, colA, colB)
		if err != nil {
			return err
		}
		if ok, err := collateralized(totalBor, new(uint256.Int).Add(loan.LiquidityCol, quoted), p.TickBor, p.TickCol); err != nil {
			return err
		} else if !ok {
			return ErrInsufficientCollateral
		}

		outA, outB, err := e.conn.RemoveLiquidity(ctx, amm.Key{Book: amm.Lending, Tick: p.TickBor}, borrowed, p.BorAMin, p.BorBMin)
		if err != nil {
			return external("remove liquidity", err)
		}
		var c arith
		keepA := c.mulDivUp(outA, withheld, borrowed)
		keepB := c.mulDivUp(outB, withheld, borrowed)
		if c.err != nil {
			return c.err
		}
		keepA, keepB = minOf(keepA, outA), minOf(keepB, outB)
		payA := new(uint256.Int).Sub(outA, keepA)
		payB := new(uint256.Int).Sub(outB, keepB)
		if err := e.vault.Push(ctx, owner, payA, payB); err != nil {
			return external("push", err)
		}

		added := new(uint256.Int)
		if !colA.IsZero() || !colB.IsZero() {
			liquidity, usedA, usedB, err := e.conn.AddLiquidity(ctx, amm.Key{Book: amm.Collateral, Tick: p.TickCol}, colA, colB)
			if err != nil {
				if errors.Is(err, amm.ErrZeroLiquidity) {
					return fmt.Errorf("%w: %w", ErrInsufficientCollateral, err)
				}
				return external("add collateral", err)
			}
			if err := e.vault.Pull(ctx, owner, usedA, usedB); err != nil {
				return external("pull", err)
			}
			added = liquidity
		}
		totalCol := new(uint256.Int).Add(loan.LiquidityCol, added)
		if ok, err := collateralized(totalBor, totalCol, p.TickBor, p.TickCol); err != nil {
			return err
		} else if !ok {
			return ErrInsufficientCollateral
		}

		b.Locked.Add(b.Locked, borrowed)
		col := tx.collateralAt(p.TickCol)
		col.Locked.Add(col.Locked, added)

		loan.LiquidityBor = totalBor
		loan.LiquidityCol = totalCol
		loan.Interest.Add(loan.Interest, deposit)
		loan.Fee.Add(loan.Fee, fee)
		loan.EscrowA.Add(loan.EscrowA, keepA)
		loan.EscrowB.Add(loan.EscrowB, keepB)
		loan.Start = now
		tx.putLoan(key, loan)
		out = loan.Clone()

		e.logger.Debug("open",
			zap.String("owner", owner.Hex()),
			zap.Int32("tick_bor", p.TickBor),
			zap.Int32("tick_col", p.TickCol),
			zap.Stringer("liquidity_bor", borrowed),
			zap.Stringer("liquidity_col", added),
			zap.Stringer("interest", deposit),
			zap.Stringer("fee", fee),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close repays p.LiquidityBor of a loan. The owner may close at any time; anyone may close
// an expired loan. The closer supplies the tokens that mint the closed liquidity back into
// the bucket and receives the released collateral together with the escrow backing the
// refund of unconsumed interest (none once the loan expired) and the keeper fee share. The
// consumed interest goes to the bucket's current lenders; its liquidity is left unchanged.
func (e *Engine) Close(ctx context.Context, caller common.Address, p CloseParams) (*Settlement, error) {
	if err := e.checkTick(p.TickBor); err != nil {
		return nil, err
	}
	if err := e.checkTick(p.TickCol); err != nil {
		return nil, err
	}
	closing := orZero(p.LiquidityBor)
	if closing.IsZero() {
		return nil, fmt.Errorf("%w: zero liquidity", ErrInvalidAmount)
	}

	var out *Settlement
	err := e.run(ctx, "close", func(ctx context.Context, tx *txn) error {
		key := LoanKey{Owner: p.Owner, TickBor: p.TickBor, TickCol: p.TickCol}
		loan, ok := tx.loan(key)
		if !ok || loan.LiquidityBor.IsZero() {
			return fmt.Errorf("%w: %s", ErrLoanNotFound, key)
		}
		now := e.now()
		used, end, err := e.consumed(loan, now)
		if err != nil {
			return err
		}
		expired := interest.Expired(now, end)
		if caller != p.Owner && !expired {
			return fmt.Errorf("%w: loan of %s runs until %d", ErrUnauthorized, p.Owner.Hex(), end)
		}
		if closing.Gt(loan.LiquidityBor) {
			return fmt.Errorf("%w: loan has %s, closing %s", ErrInsufficientLoanLiquidity, loan.LiquidityBor.Dec(), closing.Dec())
		}
		full := closing.Eq(loan.LiquidityBor)

		b, err := e.accrue(ctx, tx, p.TickBor)
		if err != nil {
			return err
		}
		if err := e.accrueCollateral(ctx, tx, p.TickCol); err != nil {
			return err
		}

		s, err := e.settlement(loan, closing, used, p, now, expired, full)
		if err != nil {
			return err
		}

		minted, usedA, usedB, err := e.repay(ctx, p.TickBor, closing)
		if err != nil {
			return err
		}
		if err := e.vault.Pull(ctx, caller, usedA, usedB); err != nil {
			return external("pull", err)
		}
		s.Repaid, s.RepaidA, s.RepaidB = minted, usedA, usedB
		// minted covers closing; rounding surplus stays with the lenders
		b.Liquidity.Add(b.Liquidity, minted)
		b.Liquidity.Sub(b.Liquidity, closing)
		b.Locked.Sub(b.Locked, closing)
		if err := e.distribute(tx, b, s.EarnedA, s.EarnedB); err != nil {
			return err
		}
		if !s.PayoutA.IsZero() || !s.PayoutB.IsZero() {
			if err := e.vault.Push(ctx, caller, s.PayoutA, s.PayoutB); err != nil {
				return external("push", err)
			}
		}

		if !s.Released.IsZero() {
			a, bb, err := e.conn.RemoveLiquidity(ctx, amm.Key{Book: amm.Collateral, Tick: p.TickCol}, s.Released, nil, nil)
			if err != nil {
				return external("remove collateral", err)
			}
			if err := e.vault.Push(ctx, caller, a, bb); err != nil {
				return external("push", err)
			}
			s.CollateralA, s.CollateralB = a, bb
			col := tx.collateralAt(p.TickCol)
			col.Locked.Sub(col.Locked, s.Released)
		}

		if full {
			tx.deleteLoan(key)
		} else {
			tx.putLoan(key, s.Remaining)
			s.Remaining = s.Remaining.Clone()
		}
		out = s

		e.logger.Debug("close",
			zap.String("owner", p.Owner.Hex()),
			zap.String("caller", caller.Hex()),
			zap.Int32("tick_bor", p.TickBor),
			zap.Int32("tick_col", p.TickCol),
			zap.Stringer("closed", closing),
			zap.Stringer("consumed", s.Consumed),
			zap.Stringer("refund", s.Refund),
			zap.Stringer("released", s.Released),
			zap.Bool("expired", expired),
			zap.Bool("full", full),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// consumed is the prepaid interest of loan used up at now, all of it once the loan has
// expired, together with the loan's end.
func (e *Engine) consumed(loan *Loan, now uint64) (*uint256.Int, uint64, error) {
	end, err := interest.LoanEnd(loan.Start, loan.LiquidityBor, loan.Interest, e.cfg.Rate)
	if err != nil {
		return nil, 0, err
	}
	if interest.Expired(now, end) {
		return clone(loan.Interest), end, nil
	}
	if now <= loan.Start {
		return new(uint256.Int), end, nil
	}
	owed, err := interest.ForDuration(loan.LiquidityBor, e.cfg.Rate, now-loan.Start)
	if err != nil {
		return nil, 0, err
	}
	return minOf(owed, loan.Interest), end, nil
}

// earn pays the bucket's lenders the escrow of the interest loan used up by now and
// re-bases the loan at now.
func (e *Engine) earn(tx *txn, b *Bucket, loan *Loan, now uint64) error {
	used, _, err := e.consumed(loan, now)
	if err != nil {
		return err
	}
	earnedA, earnedB, err := loan.escrowFor(used)
	if err != nil {
		return err
	}
	if err := e.distribute(tx, b, earnedA, earnedB); err != nil {
		return err
	}
	loan.Interest.Sub(loan.Interest, used)
	loan.EscrowA.Sub(loan.EscrowA, earnedA)
	loan.EscrowB.Sub(loan.EscrowB, earnedB)
	loan.Start = now
	return nil
}

// settlement computes the accounting of a close without touching any state.
func (e *Engine) settlement(loan *Loan, closing, used *uint256.Int, p CloseParams, now uint64, expired, full bool) (*Settlement, error) {
	var c arith
	deposit := loan.Interest
	unconsumed := new(uint256.Int).Sub(deposit, used)

	released := clone(deposit)
	if !full {
		requested := orZero(p.Interest)
		if requested.Gt(deposit) {
			return nil, fmt.Errorf("%w: releasing %s of %s", ErrExcessInterest, requested.Dec(), deposit.Dec())
		}
		released = minOf(maxOf(requested, c.mulDivUp(deposit, closing, loan.LiquidityBor)), deposit)
	}
	refund, kept := clone(nil), clone(nil)
	if !deposit.IsZero() {
		refund = c.mulDiv(released, unconsumed, deposit)
		kept = c.mulDiv(new(uint256.Int).Sub(deposit, released), unconsumed, deposit)
	}

	feePaid := clone(loan.Fee)
	if !full {
		feePaid = minOf(c.mulDivUp(loan.Fee, closing, loan.LiquidityBor), loan.Fee)
	}
	feeLeft := new(uint256.Int).Sub(loan.Fee, feePaid)

	col := clone(loan.LiquidityCol)
	if !full {
		col = c.mulDiv(loan.LiquidityCol, closing, loan.LiquidityBor)
		if amount := orZero(p.AmountCol); !amount.IsZero() {
			col = clone(amount)
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	if col.Gt(loan.LiquidityCol) {
		return nil, fmt.Errorf("%w: releasing %s of %s", ErrInsufficientCollateral, col.Dec(), loan.LiquidityCol.Dec())
	}

	payoutA, payoutB, err := loan.escrowFor(new(uint256.Int).Add(refund, feePaid))
	if err != nil {
		return nil, err
	}
	keptA, keptB := clone(nil), clone(nil)
	if !full {
		if keptA, keptB, err = loan.escrowFor(new(uint256.Int).Add(kept, feeLeft)); err != nil {
			return nil, err
		}
	}
	earnedA := new(uint256.Int).Sub(loan.EscrowA, payoutA)
	earnedA.Sub(earnedA, keptA)
	earnedB := new(uint256.Int).Sub(loan.EscrowB, payoutB)
	earnedB.Sub(earnedB, keptB)

	s := &Settlement{
		Full:        full,
		Expired:     expired,
		Closed:      clone(closing),
		Consumed:    new(uint256.Int).Sub(deposit, new(uint256.Int).Add(refund, kept)),
		Refund:      refund,
		FeePaid:     feePaid,
		PayoutA:     payoutA,
		PayoutB:     payoutB,
		EarnedA:     earnedA,
		EarnedB:     earnedB,
		Repaid:      clone(nil),
		RepaidA:     clone(nil),
		RepaidB:     clone(nil),
		Released:    col,
		CollateralA: clone(nil),
		CollateralB: clone(nil),
	}
	if full {
		return s, nil
	}

	remaining := &Loan{
		LiquidityBor: new(uint256.Int).Sub(loan.LiquidityBor, closing),
		LiquidityCol: new(uint256.Int).Sub(loan.LiquidityCol, col),
		Interest:     kept,
		Fee:          feeLeft,
		EscrowA:      keptA,
		EscrowB:      keptB,
		Start:        now,
	}
	ok, err := collateralized(remaining.LiquidityBor, remaining.LiquidityCol, p.TickBor, p.TickCol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: remaining loan undercollateralized", ErrInsufficientCollateral)
	}
	s.Remaining = remaining
	return s, nil
}

// repay mints at least liquidity back into the lending range from tokens rounded up at the
// current price. It returns the minted liquidity and the tokens used.
func (e *Engine) repay(ctx context.Context, tick int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	sqrtP, err := e.conn.SqrtPriceX96(ctx)
	if err != nil {
		return nil, nil, nil, external("price", err)
	}
	sqrtA, sqrtB, err := e.rangeOf(tick)
	if err != nil {
		return nil, nil, nil, err
	}
	target := clone(liquidity)
	var amountA, amountB *uint256.Int
	for i := 0; i < 3; i++ {
		amountA, amountB, err = tickmath.AmountsForLiquidity(sqrtP, sqrtA, sqrtB, target, true)
		if err != nil {
			return nil, nil, nil, err
		}
		got, err := tickmath.LiquidityForAmounts(sqrtP, sqrtA, sqrtB, amountA, amountB)
		if err != nil {
			return nil, nil, nil, err
		}
		if !got.Lt(liquidity) {
			break
		}
		target.Add(target, new(uint256.Int).Sub(liquidity, got))
	}
	minted, usedA, usedB, err := e.conn.AddLiquidity(ctx, amm.Key{Book: amm.Lending, Tick: tick}, amountA, amountB)
	if err != nil {
		return nil, nil, nil, external("add liquidity", err)
	}
	if minted.Lt(liquidity) {
		return nil, nil, nil, fmt.Errorf("%w: repaid %s of %s", ErrExternalCallFailed, minted.Dec(), liquidity.Dec())
	}
	return minted, usedA, usedB, nil
}
