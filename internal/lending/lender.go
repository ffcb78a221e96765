package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/tickmath"
)

// sharesFor converts liquidity into bucket shares at the bucket's current exchange rate.
func sharesFor(b *Bucket, liquidity *uint256.Int) (*uint256.Int, error) {
	if b.TotalShares.IsZero() {
		return new(uint256.Int).Set(liquidity), nil
	}
	return tickmath.MulDiv(liquidity, b.TotalShares, b.Liquidity)
}

// Provide deposits tokens into the bucket at tick and returns the shares minted to owner.
func (e *Engine) Provide(ctx context.Context, owner common.Address, tick int32, amountA, amountB *uint256.Int) (*uint256.Int, error) {
	amountA, amountB = orZero(amountA), orZero(amountB)
	if err := e.checkTick(tick); err != nil {
		return nil, err
	}
	if amountA.IsZero() && amountB.IsZero() {
		return nil, fmt.Errorf("%w: nothing to provide", ErrInvalidAmount)
	}

	var minted *uint256.Int
	err := e.run(ctx, "provide", func(ctx context.Context, tx *txn) error {
		b, err := e.accrue(ctx, tx, tick)
		if err != nil {
			return err
		}

		sqrtP, err := e.conn.SqrtPriceX96(ctx)
		if err != nil {
			return external("price", err)
		}
		sqrtA, sqrtB, err := e.rangeOf(tick)
		if err != nil {
			return err
		}
		quoted, err := tickmath.LiquidityForAmounts(sqrtP, sqrtA, sqrtB, amountA, amountB)
		if err != nil {
			return err
		}
		if shares, err := sharesFor(b, quoted); err != nil {
			return err
		} else if shares.IsZero() {
			return ErrZeroSharesMinted
		}

		liquidity, usedA, usedB, err := e.conn.AddLiquidity(ctx, amm.Key{Book: amm.Lending, Tick: tick}, amountA, amountB)
		if err != nil {
			if errors.Is(err, amm.ErrZeroLiquidity) {
				return fmt.Errorf("%w: %w", ErrZeroSharesMinted, err)
			}
			return external("add liquidity", err)
		}
		if err := e.vault.Pull(ctx, owner, usedA, usedB); err != nil {
			return external("pull", err)
		}

		shares, err := sharesFor(b, liquidity)
		if err != nil {
			return err
		}
		if shares.IsZero() {
			return ErrZeroSharesMinted
		}

		key := LenderKey{Tick: tick, Owner: owner}
		l, ok := tx.lender(key)
		if ok {
			if err := e.settleLender(tx, b, key, l); err != nil {
				return err
			}
		} else {
			l = newLender(b)
			tx.putLender(key, l)
		}
		b.Liquidity.Add(b.Liquidity, liquidity)
		b.TotalShares.Add(b.TotalShares, shares)
		l.Shares.Add(l.Shares, shares)
		minted = shares

		e.logger.Debug("provide",
			zap.Int32("tick", tick),
			zap.String("owner", owner.Hex()),
			zap.Stringer("liquidity", liquidity),
			zap.Stringer("shares", shares),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Take removes liquidity from the bucket on behalf of owner. The realized tokens and the
// owner's accrued fees become claimable through Withdraw once the cooldown has passed.
func (e *Engine) Take(ctx context.Context, owner common.Address, tick int32, liquidity, minA, minB *uint256.Int) error {
	liquidity = orZero(liquidity)
	if err := e.checkTick(tick); err != nil {
		return err
	}
	if liquidity.IsZero() {
		return fmt.Errorf("%w: zero liquidity", ErrInvalidAmount)
	}

	return e.run(ctx, "take", func(ctx context.Context, tx *txn) error {
		b, err := e.accrue(ctx, tx, tick)
		if err != nil {
			return err
		}
		key := LenderKey{Tick: tick, Owner: owner}
		l, ok := tx.lender(key)
		if !ok || l.Shares.IsZero() || b.TotalShares.IsZero() {
			return ErrInsufficientShares
		}

		var c arith
		claim := c.mulDiv(l.Shares, b.Liquidity, b.TotalShares)
		burn := c.mulDivUp(liquidity, b.TotalShares, b.Liquidity)
		if c.err != nil {
			return c.err
		}
		if claim.Lt(liquidity) {
			return fmt.Errorf("%w: claim %s, want %s", ErrInsufficientShares, claim.Dec(), liquidity.Dec())
		}
		if b.Free().Lt(liquidity) {
			return fmt.Errorf("%w: free %s, want %s", ErrInsufficientLiquidity, b.Free().Dec(), liquidity.Dec())
		}
		// the last shareholder keeps one share while liquidity remains in the bucket
		if !burn.Lt(b.TotalShares) && liquidity.Lt(b.Liquidity) {
			burn.SubUint64(b.TotalShares, 1)
		}
		if burn.Gt(l.Shares) {
			return ErrInsufficientShares
		}

		if err := e.settleLender(tx, b, key, l); err != nil {
			return err
		}
		amountA, amountB, err := e.conn.RemoveLiquidity(ctx, amm.Key{Book: amm.Lending, Tick: tick}, liquidity, minA, minB)
		if err != nil {
			return external("remove liquidity", err)
		}

		b.Liquidity.Sub(b.Liquidity, liquidity)
		b.TotalShares.Sub(b.TotalShares, burn)
		l.Shares.Sub(l.Shares, burn)
		// dust that realizes no tokens leaves no pending withdrawal behind
		if !amountA.IsZero() || !amountB.IsZero() {
			w := tx.pending(key)
			w.AmountA.Add(w.AmountA, amountA)
			w.AmountB.Add(w.AmountB, amountB)
			w.EligibleAt = e.cooldownEnd()
		}

		e.logger.Debug("take",
			zap.Int32("tick", tick),
			zap.String("owner", owner.Hex()),
			zap.Stringer("liquidity", liquidity),
			zap.Stringer("burned", burn),
			zap.Stringer("amount_a", amountA),
			zap.Stringer("amount_b", amountB),
		)
		return nil
	})
}

// Withdraw pays out owner's pending withdrawal at tick, including fees earned on the
// shares the owner still holds.
func (e *Engine) Withdraw(ctx context.Context, owner common.Address, tick int32) (*uint256.Int, *uint256.Int, error) {
	if err := e.checkTick(tick); err != nil {
		return nil, nil, err
	}

	var outA, outB *uint256.Int
	err := e.run(ctx, "withdraw", func(ctx context.Context, tx *txn) error {
		key := LenderKey{Tick: tick, Owner: owner}
		w, ok := tx.withdrawal(key)
		if !ok || w.empty() {
			return ErrNoWithdrawalPending
		}
		if now := e.now(); now < w.EligibleAt {
			return fmt.Errorf("%w: eligible at %d, now %d", ErrWithdrawalNotReady, w.EligibleAt, now)
		}

		b, err := e.accrue(ctx, tx, tick)
		if err != nil {
			return err
		}
		if l, ok := tx.lender(key); ok {
			if err := e.settleLender(tx, b, key, l); err != nil {
				return err
			}
			if l.Shares.IsZero() {
				tx.deleteLender(key)
			}
		}
		outA, outB = clone(w.AmountA), clone(w.AmountB)
		tx.deleteWithdrawal(key)

		if err := e.vault.Push(ctx, owner, outA, outB); err != nil {
			return external("push", err)
		}
		e.logger.Debug("withdraw",
			zap.Int32("tick", tick),
			zap.String("owner", owner.Hex()),
			zap.Stringer("amount_a", outA),
			zap.Stringer("amount_b", outB),
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outA, outB, nil
}
