package replay

import (
	"context"
	"fmt"
	"strconv"

	"tickLend/internal/amm"
	"tickLend/internal/config"
	"tickLend/internal/lending"
	"tickLend/internal/model"
	"tickLend/internal/settle"
)

func parseTimestamp(input string) (uint64, error) {
	return config.ParseTimestamp(input)
}

// Applier executes decoded operations against an engine, its simulated pool and vault.
type Applier struct {
	engine *lending.Engine
	pool   *amm.Simulator
	vault  *settle.Ledger
}

func NewApplier(engine *lending.Engine, pool *amm.Simulator, vault *settle.Ledger) *Applier {
	return &Applier{engine: engine, pool: pool, vault: vault}
}

// Apply runs op and describes its outcome as decimal strings.
func (ap *Applier) Apply(ctx context.Context, op model.Operation) (map[string]string, error) {
	var p amountParser

	switch op.Op {
	case model.OpMint:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		a, b := p.amount("amount_a", op.AmountA), p.amount("amount_b", op.AmountB)
		if p.err != nil {
			return nil, p.err
		}
		ap.vault.Mint(owner, a, b)
		balA, balB := ap.vault.Balance(owner)
		return map[string]string{"balance_a": balA.Dec(), "balance_b": balB.Dec()}, nil

	case model.OpPrice:
		if err := ap.pool.SetTick(op.Tick); err != nil {
			return nil, err
		}
		price, err := ap.pool.SqrtPriceX96(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sqrt_price_x96": price.Dec()}, nil

	case model.OpFees:
		a, b := p.amount("amount_a", op.AmountA), p.amount("amount_b", op.AmountB)
		if p.err != nil {
			return nil, p.err
		}
		if err := ap.pool.AccrueFees(op.Tick, a, b); err != nil {
			return nil, err
		}
		return map[string]string{"amount_a": a.Dec(), "amount_b": b.Dec()}, nil

	case model.OpProvide:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		a, b := p.amount("amount_a", op.AmountA), p.amount("amount_b", op.AmountB)
		if p.err != nil {
			return nil, p.err
		}
		shares, err := ap.engine.Provide(ctx, owner, op.Tick, a, b)
		if err != nil {
			return nil, err
		}
		return map[string]string{"shares": shares.Dec()}, nil

	case model.OpTake:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		liq := p.amount("liquidity", op.Liquidity)
		minA, minB := p.amount("min_a", op.MinA), p.amount("min_b", op.MinB)
		if p.err != nil {
			return nil, p.err
		}
		if err := ap.engine.Take(ctx, owner, op.Tick, liq, minA, minB); err != nil {
			return nil, err
		}
		out := map[string]string{"liquidity": liq.Dec()}
		if w, ok := ap.engine.PendingWithdrawal(op.Tick, owner); ok {
			out["pending_a"] = w.AmountA.Dec()
			out["pending_b"] = w.AmountB.Dec()
			out["eligible_at"] = strconv.FormatUint(w.EligibleAt, 10)
		}
		return out, nil

	case model.OpWithdraw:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		a, b, err := ap.engine.Withdraw(ctx, owner, op.Tick)
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount_a": a.Dec(), "amount_b": b.Dec()}, nil

	case model.OpOpen:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		params := lending.OpenParams{
			TickBor:      op.TickBor,
			TickCol:      op.TickCol,
			LiquidityBor: p.amount("liquidity", op.Liquidity),
			BorAMin:      p.amount("min_a", op.MinA),
			BorBMin:      p.amount("min_b", op.MinB),
			ColA:         p.amount("col_a", op.ColA),
			ColB:         p.amount("col_b", op.ColB),
			Interest:     p.amount("interest", op.Interest),
		}
		if p.err != nil {
			return nil, p.err
		}
		loan, err := ap.engine.Open(ctx, owner, params)
		if err != nil {
			return nil, err
		}
		out := loanResult(loan)
		if end, err := ap.engine.LoanEnd(lending.LoanKey{Owner: owner, TickBor: op.TickBor, TickCol: op.TickCol}); err == nil {
			out["end"] = strconv.FormatUint(end, 10)
		}
		return out, nil

	case model.OpClose:
		owner, err := ParseOwner(op.Owner)
		if err != nil {
			return nil, err
		}
		caller := owner
		if op.Caller != "" {
			if caller, err = ParseOwner(op.Caller); err != nil {
				return nil, err
			}
		}
		params := lending.CloseParams{
			Owner:        owner,
			TickBor:      op.TickBor,
			TickCol:      op.TickCol,
			LiquidityBor: p.amount("liquidity", op.Liquidity),
			AmountCol:    p.amount("amount_col", op.AmountCol),
			Interest:     p.amount("interest", op.Interest),
		}
		if p.err != nil {
			return nil, p.err
		}
		s, err := ap.engine.Close(ctx, caller, params)
		if err != nil {
			return nil, err
		}
		return settlementResult(s), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op.Op)
	}
}

func loanResult(loan *lending.Loan) map[string]string {
	return map[string]string{
		"liquidity_bor": loan.LiquidityBor.Dec(),
		"liquidity_col": loan.LiquidityCol.Dec(),
		"interest":      loan.Interest.Dec(),
		"fee":           loan.Fee.Dec(),
		"escrow_a":      loan.EscrowA.Dec(),
		"escrow_b":      loan.EscrowB.Dec(),
		"start":         strconv.FormatUint(loan.Start, 10),
	}
}

func settlementResult(s *lending.Settlement) map[string]string {
	out := map[string]string{
		"full":         strconv.FormatBool(s.Full),
		"expired":      strconv.FormatBool(s.Expired),
		"closed":       s.Closed.Dec(),
		"consumed":     s.Consumed.Dec(),
		"refund":       s.Refund.Dec(),
		"fee_paid":     s.FeePaid.Dec(),
		"payout_a":     s.PayoutA.Dec(),
		"payout_b":     s.PayoutB.Dec(),
		"earned_a":     s.EarnedA.Dec(),
		"earned_b":     s.EarnedB.Dec(),
		"repaid":       s.Repaid.Dec(),
		"repaid_a":     s.RepaidA.Dec(),
		"repaid_b":     s.RepaidB.Dec(),
		"released":     s.Released.Dec(),
		"collateral_a": s.CollateralA.Dec(),
		"collateral_b": s.CollateralB.Dec(),
	}
	if s.Remaining != nil {
		out["remaining_bor"] = s.Remaining.LiquidityBor.Dec()
		out["remaining_interest"] = s.Remaining.Interest.Dec()
	}
	return out
}
