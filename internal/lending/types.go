package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bucket is the aggregate state of one lending range. FeeGrowthA/B are Q128 amounts per share.
type Bucket struct {
	Liquidity   *uint256.Int
	Locked      *uint256.Int
	TotalShares *uint256.Int
	FeeGrowthA  *uint256.Int
	FeeGrowthB  *uint256.Int
	// pool fee growth inside the range at the last collect
	InsideA *uint256.Int
	InsideB *uint256.Int
}

func newBucket() *Bucket {
	return &Bucket{
		Liquidity:   new(uint256.Int),
		Locked:      new(uint256.Int),
		TotalShares: new(uint256.Int),
		FeeGrowthA:  new(uint256.Int),
		FeeGrowthB:  new(uint256.Int),
		InsideA:     new(uint256.Int),
		InsideB:     new(uint256.Int),
	}
}

func (b *Bucket) Clone() *Bucket {
	return &Bucket{
		Liquidity:   clone(b.Liquidity),
		Locked:      clone(b.Locked),
		TotalShares: clone(b.TotalShares),
		FeeGrowthA:  clone(b.FeeGrowthA),
		FeeGrowthB:  clone(b.FeeGrowthB),
		InsideA:     clone(b.InsideA),
		InsideB:     clone(b.InsideB),
	}
}

// Free is the liquidity not lent out.
func (b *Bucket) Free() *uint256.Int {
	return new(uint256.Int).Sub(b.Liquidity, b.Locked)
}

type Lender struct {
	Shares    *uint256.Int
	SnapshotA *uint256.Int
	SnapshotB *uint256.Int
}

func newLender(b *Bucket) *Lender {
	return &Lender{Shares: new(uint256.Int), SnapshotA: clone(b.FeeGrowthA), SnapshotB: clone(b.FeeGrowthB)}
}

func (l *Lender) Clone() *Lender {
	return &Lender{Shares: clone(l.Shares), SnapshotA: clone(l.SnapshotA), SnapshotB: clone(l.SnapshotB)}
}

// Withdrawal is the pending payout of one lender in one bucket.
type Withdrawal struct {
	AmountA    *uint256.Int
	AmountB    *uint256.Int
	EligibleAt uint64
}

func newWithdrawal() *Withdrawal {
	return &Withdrawal{AmountA: new(uint256.Int), AmountB: new(uint256.Int)}
}

func (w *Withdrawal) Clone() *Withdrawal {
	return &Withdrawal{AmountA: clone(w.AmountA), AmountB: clone(w.AmountB), EligibleAt: w.EligibleAt}
}

func (w *Withdrawal) empty() bool { return w.AmountA.IsZero() && w.AmountB.IsZero() }

type Collateral struct {
	Locked *uint256.Int
}

func (c *Collateral) Clone() *Collateral {
	return &Collateral{Locked: clone(c.Locked)}
}

// Loan is denominated in liquidity: LiquidityBor of the lending range is lent against
// LiquidityCol of the collateral range. Interest and Fee are prepaid in borrowed liquidity units
// and backed by EscrowA/EscrowB, the tokens withheld from the borrower for them.
type Loan struct {
	LiquidityBor *uint256.Int
	LiquidityCol *uint256.Int
	Interest     *uint256.Int
	Fee          *uint256.Int
	EscrowA      *uint256.Int
	EscrowB      *uint256.Int
	Start        uint64
}

func newLoan() *Loan {
	return &Loan{
		LiquidityBor: new(uint256.Int),
		LiquidityCol: new(uint256.Int),
		Interest:     new(uint256.Int),
		Fee:          new(uint256.Int),
		EscrowA:      new(uint256.Int),
		EscrowB:      new(uint256.Int),
	}
}

func (l *Loan) Clone() *Loan {
	return &Loan{
		LiquidityBor: clone(l.LiquidityBor),
		LiquidityCol: clone(l.LiquidityCol),
		Interest:     clone(l.Interest),
		Fee:          clone(l.Fee),
		EscrowA:      clone(l.EscrowA),
		EscrowB:      clone(l.EscrowB),
		Start:        l.Start,
	}
}

// escrowFor is the part of the escrow backing units of the loan's prepaid interest and fee.
func (l *Loan) escrowFor(units *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	prepaid := new(uint256.Int).Add(l.Interest, l.Fee)
	if prepaid.IsZero() || units.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	var c arith
	a := c.mulDiv(l.EscrowA, units, prepaid)
	b := c.mulDiv(l.EscrowB, units, prepaid)
	return a, b, c.err
}

type LenderKey struct {
	Tick  int32
	Owner common.Address
}

func (k LenderKey) String() string {
	return fmt.Sprintf("%d/%s", k.Tick, k.Owner.Hex())
}

type LoanKey struct {
	Owner   common.Address
	TickBor int32
	TickCol int32
}

func (k LoanKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Owner.Hex(), k.TickBor, k.TickCol)
}

// Reserve holds tokens no lender is entitled to: swap fees earned by collateral positions
// and by empty buckets.
type Reserve struct {
	AmountA *uint256.Int
	AmountB *uint256.Int
}

// Ratio is a plain fraction.
type Ratio struct {
	Numerator   uint64 `json:"numerator" mapstructure:"numerator"`
	Denominator uint64 `json:"denominator" mapstructure:"denominator"`
}

type OpenParams struct {
	TickBor      int32
	TickCol      int32
	LiquidityBor *uint256.Int
	BorAMin      *uint256.Int
	BorBMin      *uint256.Int
	ColA         *uint256.Int
	ColB         *uint256.Int
	Interest     *uint256.Int
}

type CloseParams struct {
	Owner        common.Address
	TickBor      int32
	TickCol      int32
	LiquidityBor *uint256.Int
	// AmountCol is the collateral liquidity to release; zero releases it pro-rata.
	AmountCol *uint256.Int
	// Interest is the minimum prepaid interest released with the closed part.
	Interest *uint256.Int
}

// Settlement describes what a close did. Refund, FeePaid and Consumed are liquidity units of
// the loan's prepaid interest and fee; Payout is the escrow paid to the closer for Refund and
// FeePaid and Earned the escrow folded into the lenders' fee growth for Consumed.
type Settlement struct {
	Full        bool
	Expired     bool
	Closed      *uint256.Int
	Consumed    *uint256.Int
	Refund      *uint256.Int
	FeePaid     *uint256.Int
	PayoutA     *uint256.Int
	PayoutB     *uint256.Int
	EarnedA     *uint256.Int
	EarnedB     *uint256.Int
	Repaid      *uint256.Int
	RepaidA     *uint256.Int
	RepaidB     *uint256.Int
	Released    *uint256.Int
	CollateralA *uint256.Int
	CollateralB *uint256.Int
	Remaining   *Loan
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
