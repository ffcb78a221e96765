package lending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/settle"
	"tickLend/internal/tickmath"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

const (
	tickBor int32 = -20
	tickCol int32 = 10
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func dec(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

type fixture struct {
	t     *testing.T
	ctx   context.Context
	now   time.Time
	sim   *amm.Simulator
	vault *settle.Ledger
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureConfig(t, DefaultConfig())
}

func newFixtureConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	sim, err := amm.NewSimulator(amm.PoolState{Tick: 0, TickSpacing: 10, Fee: 500})
	require.NoError(t, err)
	return buildFixture(t, cfg, sim, sim)
}

func newFixtureWith(t *testing.T, sim *amm.Simulator, conn amm.Connector) *fixture {
	t.Helper()
	return buildFixture(t, DefaultConfig(), sim, conn)
}

func buildFixture(t *testing.T, cfg Config, sim *amm.Simulator, conn amm.Connector) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), now: time.Unix(1_700_000_000, 0), sim: sim, vault: settle.NewLedger()}
	eng, err := NewEngine(cfg, conn, f.vault, zap.NewNop(), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.eng = eng
	f.vault.Mint(alice, dec("2000000000000000000"), dec("2000000000000000000"))
	f.vault.Mint(bob, u(10_000_000), u(10_000_000))
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) balance(owner common.Address) (uint64, uint64) {
	a, b := f.vault.Balance(owner)
	return a.Uint64(), b.Uint64()
}

// provide seeds the lending bucket with 1e18 of token B from alice.
func (f *fixture) provide() *uint256.Int {
	f.t.Helper()
	e18 := dec("1000000000000000000")
	shares, err := f.eng.Provide(f.ctx, alice, tickBor, e18, e18)
	require.NoError(f.t, err)
	return shares
}

func (f *fixture) open() *Loan {
	f.t.Helper()
	loan, err := f.eng.Open(f.ctx, bob, OpenParams{
		TickBor:      tickBor,
		TickCol:      tickCol,
		LiquidityBor: u(10_000_000_000),
		ColA:         u(5003502),
		Interest:     u(10_000),
	})
	require.NoError(f.t, err)
	return loan
}

// claim is owner's share of the bucket's liquidity.
func (f *fixture) claim(owner common.Address) *uint256.Int {
	f.t.Helper()
	b, ok := f.eng.Bucket(tickBor)
	require.True(f.t, ok)
	l, ok := f.eng.Lender(tickBor, owner)
	require.True(f.t, ok)
	v, err := tickmath.MulDiv(l.Shares, b.Liquidity, b.TotalShares)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) closeAll(caller common.Address, liquidity uint64) *Settlement {
	f.t.Helper()
	s, err := f.eng.Close(f.ctx, caller, CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(liquidity)})
	require.NoError(f.t, err)
	return s
}

func (f *fixture) requireConsistent() {
	f.t.Helper()
	require.NoError(f.t, f.eng.CheckInvariants())
	require.NoError(f.t, f.eng.Reconcile(f.ctx))
}

func TestLendingScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeeperFee = Ratio{Numerator: 0, Denominator: 1}
	f := newFixtureConfig(t, cfg)

	shares := f.provide()
	require.Equal(t, "2001600540098009960516", shares.Dec())
	b, ok := f.eng.Bucket(tickBor)
	require.True(t, ok)
	require.Equal(t, shares, b.Liquidity)
	require.True(t, b.Locked.IsZero())
	_, balB := f.vault.Balance(alice)
	require.Equal(t, "1000000000000000000", balB.Dec())

	half := dec("1000800270049004980258")
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, half, nil, nil))
	b, _ = f.eng.Bucket(tickBor)
	require.Equal(t, half, b.Liquidity)
	require.Equal(t, half, b.TotalShares)
	l, ok := f.eng.Lender(tickBor, alice)
	require.True(t, ok)
	require.Equal(t, half, l.Shares)
	w, ok := f.eng.PendingWithdrawal(tickBor, alice)
	require.True(t, ok)
	require.Equal(t, "499999999999999999", w.AmountB.Dec())
	require.Equal(t, uint64(1_700_000_001), w.EligibleAt)

	_, _, err := f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrWithdrawalNotReady)
	f.advance(time.Second)
	outA, outB, err := f.eng.Withdraw(f.ctx, alice, tickBor)
	require.NoError(t, err)
	require.True(t, outA.IsZero())
	require.Equal(t, "499999999999999999", outB.Dec())
	_, ok = f.eng.PendingWithdrawal(tickBor, alice)
	require.False(t, ok)

	loan := f.open()
	require.Equal(t, uint64(10_015_012_305), loan.LiquidityCol.Uint64())
	require.Equal(t, uint64(10_000), loan.Interest.Uint64())
	require.True(t, loan.Fee.IsZero())
	require.Equal(t, uint64(5), loan.EscrowB.Uint64())
	require.Equal(t, uint64(1_700_000_001), loan.Start)
	a, bb := f.balance(bob)
	require.Equal(t, uint64(10_000_000-5_003_502), a)
	require.Equal(t, uint64(10_000_000+4_995_996), bb)
	b, _ = f.eng.Bucket(tickBor)
	require.Equal(t, uint64(10_000_000_000), b.Locked.Uint64())
	require.Equal(t, half, b.Liquidity)
	require.Equal(t, uint64(10_015_012_305), f.eng.CollateralAt(tickCol).Uint64())
	f.requireConsistent()

	// the prepaid interest stays in escrow until it is used
	feeA, feeB, err := f.eng.EarnedFees(f.ctx, tickBor, alice)
	require.NoError(t, err)
	require.True(t, feeA.IsZero())
	require.True(t, feeB.IsZero())

	s, err := f.eng.Close(f.ctx, bob, CloseParams{
		Owner:        bob,
		TickBor:      tickBor,
		TickCol:      tickCol,
		LiquidityBor: u(10_000_000_000),
	})
	require.NoError(t, err)
	require.True(t, s.Full)
	require.False(t, s.Expired)
	require.True(t, s.Consumed.IsZero())
	require.Equal(t, uint64(10_000), s.Refund.Uint64())
	require.True(t, s.FeePaid.IsZero())
	require.Equal(t, uint64(5), s.PayoutB.Uint64())
	require.True(t, s.EarnedB.IsZero())
	require.Equal(t, uint64(10_000_000_301), s.Repaid.Uint64())
	require.Equal(t, uint64(4_996_002), s.RepaidB.Uint64())
	require.Equal(t, uint64(10_015_012_305), s.Released.Uint64())
	require.Equal(t, uint64(5_003_501), s.CollateralA.Uint64())
	require.Nil(t, s.Remaining)

	// the borrower gets everything back but rounding
	a, bb = f.balance(bob)
	require.Equal(t, uint64(10_000_000-1), a)
	require.Equal(t, uint64(10_000_000-1), bb)

	_, ok = f.eng.Loan(bob, tickBor, tickCol)
	require.False(t, ok)
	b, _ = f.eng.Bucket(tickBor)
	require.True(t, b.Locked.IsZero())
	require.Equal(t, "1000800270049004980559", b.Liquidity.Dec())
	require.True(t, f.eng.CollateralAt(tickCol).IsZero())
	f.requireConsistent()
}

func TestKeeperFee(t *testing.T) {
	f := newFixture(t)
	f.provide()
	loan := f.open()
	require.Equal(t, uint64(10_000_000), loan.Fee.Uint64())
	require.Equal(t, uint64(5_001), loan.EscrowB.Uint64())
	_, bb := f.balance(bob)
	require.Equal(t, uint64(10_000_000+4_991_000), bb)

	s := f.closeAll(bob, 10_000_000_000)
	require.Equal(t, uint64(10_000_000), s.FeePaid.Uint64())
	require.Equal(t, uint64(5_001), s.PayoutB.Uint64())
	require.True(t, s.EarnedB.IsZero())

	// the owner closing early gets its own fee back
	a, bb := f.balance(bob)
	require.Equal(t, uint64(10_000_000-1), a)
	require.Equal(t, uint64(10_000_000-1), bb)
	f.requireConsistent()
}

func TestProvideZeroShares(t *testing.T) {
	f := newFixture(t)
	// token A alone cannot fund a range below the price
	_, err := f.eng.Provide(f.ctx, alice, tickBor, u(1_000), u(0))
	require.ErrorIs(t, err, ErrZeroSharesMinted)

	_, err = f.eng.Provide(f.ctx, alice, tickBor, nil, nil)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, ok := f.eng.Bucket(tickBor)
	require.False(t, ok)
}

func TestProvideProportionalShares(t *testing.T) {
	f := newFixture(t)
	f.vault.Mint(carol, u(0), dec("500000000000000000"))
	first := f.provide()

	second, err := f.eng.Provide(f.ctx, carol, tickBor, nil, dec("500000000000000000"))
	require.NoError(t, err)
	require.Equal(t, "1000800270049004980258", second.Dec())

	b, _ := f.eng.Bucket(tickBor)
	total := new(uint256.Int).Add(first, second)
	require.Equal(t, total, b.TotalShares)
	require.Equal(t, total, b.Liquidity)
	f.requireConsistent()
}

func TestTickOutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, tick := range []int32{5, -887280, 887270, 887280} {
		_, err := f.eng.Provide(f.ctx, alice, tick, u(1), u(1))
		require.ErrorIs(t, err, ErrTickOutOfRange, "tick %d", tick)
	}
	require.ErrorIs(t, f.eng.Take(f.ctx, alice, 3, u(1), nil, nil), ErrTickOutOfRange)
	_, _, err := f.eng.Withdraw(f.ctx, alice, 3)
	require.ErrorIs(t, err, ErrTickOutOfRange)
	_, err = f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: 15, LiquidityBor: u(1)})
	require.ErrorIs(t, err, ErrTickOutOfRange)
	_, err = f.eng.Close(f.ctx, bob, CloseParams{Owner: bob, TickBor: 1, TickCol: tickCol, LiquidityBor: u(1)})
	require.ErrorIs(t, err, ErrTickOutOfRange)
}

func TestTakeFailures(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.eng.Take(f.ctx, alice, tickBor, u(1), nil, nil), ErrInsufficientShares)

	shares := f.provide()
	require.ErrorIs(t, f.eng.Take(f.ctx, bob, tickBor, u(1), nil, nil), ErrInsufficientShares)

	more := new(uint256.Int).AddUint64(shares, 1)
	require.ErrorIs(t, f.eng.Take(f.ctx, alice, tickBor, more, nil, nil), ErrInsufficientShares)

	err := f.eng.Take(f.ctx, alice, tickBor, u(1_000_000), nil, dec("1000000000000000000"))
	require.ErrorIs(t, err, ErrSlippageExceeded)

	f.open()
	// the borrowed part of the bucket cannot be taken
	err = f.eng.Take(f.ctx, alice, tickBor, shares, nil, nil)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	free := new(uint256.Int).SubUint64(shares, 10_000_000_000)
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, free, nil, nil))
	b, _ := f.eng.Bucket(tickBor)
	require.Equal(t, b.Locked, b.Liquidity)
	require.False(t, b.TotalShares.IsZero())
	f.requireConsistent()
}

func TestWithdrawFailures(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrNoWithdrawalPending)

	f.provide()
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, u(1_000_000), nil, nil))
	_, _, err = f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrWithdrawalNotReady)

	// a second take accumulates and restarts the cooldown
	f.advance(time.Second)
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, u(1_000_000), nil, nil))
	_, _, err = f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrWithdrawalNotReady)

	f.advance(time.Second)
	_, outB, err := f.eng.Withdraw(f.ctx, alice, tickBor)
	require.NoError(t, err)
	require.False(t, outB.IsZero())
	_, _, err = f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrNoWithdrawalPending)
}

func TestTakeDustLeavesNoWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.provide()
	// one unit of liquidity realizes no tokens at this price
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, u(1), nil, nil))
	_, ok := f.eng.PendingWithdrawal(tickBor, alice)
	require.False(t, ok)

	f.advance(time.Second)
	_, _, err := f.eng.Withdraw(f.ctx, alice, tickBor)
	require.ErrorIs(t, err, ErrNoWithdrawalPending)
	f.requireConsistent()
}

func TestOpenFailures(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(1_000), ColA: u(1_000)})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	f.provide()
	before := f.eng.Snapshot()

	_, err = f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(10_000_000_000), ColA: u(5_000_000), Interest: u(10_000)})
	require.ErrorIs(t, err, ErrInsufficientCollateral)

	_, err = f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(1_000), ColA: u(1_000), Interest: u(999)})
	require.ErrorIs(t, err, ErrExcessInterest)

	_, err = f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(10_000_000_000), BorBMin: u(5_000_000), ColA: u(5_003_502)})
	require.ErrorIs(t, err, ErrSlippageExceeded)

	require.Equal(t, before, f.eng.Snapshot())
	a, b := f.balance(bob)
	require.Equal(t, uint64(10_000_000), a)
	require.Equal(t, uint64(10_000_000), b)
	f.requireConsistent()
}

func TestFailedOperationRevertsCollaborators(t *testing.T) {
	f := newFixture(t)
	f.provide()
	pos, err := f.sim.PositionLiquidity(f.ctx, amm.Key{Book: amm.Lending, Tick: tickBor})
	require.NoError(t, err)

	// carol has no token A for the collateral pull after the borrow already happened
	_, err = f.eng.Open(f.ctx, carol, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(10_000_000_000), ColA: u(5_003_502), Interest: u(10_000)})
	require.ErrorIs(t, err, ErrExternalCallFailed)
	require.ErrorIs(t, err, settle.ErrInsufficientBalance)

	after, err := f.sim.PositionLiquidity(f.ctx, amm.Key{Book: amm.Lending, Tick: tickBor})
	require.NoError(t, err)
	require.Equal(t, pos, after)
	a, b := f.balance(carol)
	require.Zero(t, a)
	require.Zero(t, b)
	f.requireConsistent()
}

func TestCloseAuthorization(t *testing.T) {
	f := newFixture(t)
	f.provide()
	f.open()

	params := CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(10_000_000_000)}
	_, err := f.eng.Close(f.ctx, keeper, params)
	require.ErrorIs(t, err, ErrUnauthorized)

	end, err := f.eng.LoanEnd(LoanKey{Owner: bob, TickBor: tickBor, TickCol: tickCol})
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_630), end)

	f.advance(630 * time.Second)
	f.vault.Mint(keeper, u(0), u(10_000_000))
	s, err := f.eng.Close(f.ctx, keeper, params)
	require.NoError(t, err)
	require.True(t, s.Expired)
	require.True(t, s.Refund.IsZero())
	require.Equal(t, uint64(10_000), s.Consumed.Uint64())
	require.Equal(t, uint64(10_000_000), s.FeePaid.Uint64())
	require.Equal(t, uint64(4_996), s.PayoutB.Uint64())
	require.Equal(t, uint64(5), s.EarnedB.Uint64())
	require.Equal(t, uint64(10_000_000_301), s.Repaid.Uint64())
	require.Equal(t, uint64(4_996_002), s.RepaidB.Uint64())

	a, b := f.balance(keeper)
	require.Equal(t, uint64(5_003_501), a)
	require.Equal(t, uint64(10_000_000-4_996_002+4_996), b)
	_, earned, err := f.eng.EarnedFees(f.ctx, tickBor, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(4), earned.Uint64())
	f.requireConsistent()
}

func TestCloseFailures(t *testing.T) {
	f := newFixture(t)
	f.provide()

	params := CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(1)}
	_, err := f.eng.Close(f.ctx, bob, params)
	require.ErrorIs(t, err, ErrLoanNotFound)

	f.open()
	params.LiquidityBor = u(10_000_000_001)
	_, err = f.eng.Close(f.ctx, bob, params)
	require.ErrorIs(t, err, ErrInsufficientLoanLiquidity)

	params.LiquidityBor = u(1)
	params.Interest = u(10_001)
	_, err = f.eng.Close(f.ctx, bob, params)
	require.ErrorIs(t, err, ErrExcessInterest)

	// releasing all collateral while keeping most of the loan
	params.Interest = nil
	params.AmountCol = u(10_015_012_305)
	_, err = f.eng.Close(f.ctx, bob, params)
	require.ErrorIs(t, err, ErrInsufficientCollateral)

	_, err = f.eng.Close(f.ctx, bob, CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPartialClose(t *testing.T) {
	f := newFixture(t)
	f.provide()
	f.open()
	f.advance(60 * time.Second)

	s, err := f.eng.Close(f.ctx, bob, CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(1)})
	require.NoError(t, err)
	require.False(t, s.Full)
	require.True(t, s.Refund.IsZero())
	require.Equal(t, uint64(953), s.Consumed.Uint64())
	require.Equal(t, uint64(1), s.FeePaid.Uint64())
	require.True(t, s.PayoutB.IsZero())
	require.Equal(t, uint64(1), s.EarnedB.Uint64())
	require.Equal(t, uint64(2_001), s.Repaid.Uint64())
	require.Equal(t, uint64(1), s.RepaidB.Uint64())
	require.Equal(t, uint64(1), s.Released.Uint64())

	loan, ok := f.eng.Loan(bob, tickBor, tickCol)
	require.True(t, ok)
	require.Equal(t, uint64(9_999_999_999), loan.LiquidityBor.Uint64())
	require.Equal(t, uint64(10_015_012_304), loan.LiquidityCol.Uint64())
	require.Equal(t, uint64(9_047), loan.Interest.Uint64())
	require.Equal(t, uint64(9_999_999), loan.Fee.Uint64())
	require.Equal(t, uint64(5_000), loan.EscrowB.Uint64())
	require.Equal(t, uint64(1_700_000_060), loan.Start)
	require.Equal(t, s.Remaining, loan)

	b, _ := f.eng.Bucket(tickBor)
	require.Equal(t, uint64(9_999_999_999), b.Locked.Uint64())
	a, bb := f.balance(bob)
	require.Equal(t, uint64(4_996_498), a)
	require.Equal(t, uint64(14_990_999), bb)
	f.requireConsistent()
}

func TestLateLenderKeepsClaim(t *testing.T) {
	f := newFixture(t)
	f.vault.Mint(carol, u(0), dec("500000000000000000"))
	f.provide()
	loan, err := f.eng.Open(f.ctx, bob, OpenParams{
		TickBor:      tickBor,
		TickCol:      tickCol,
		LiquidityBor: u(10_000_000_000),
		ColA:         u(5003502),
		Interest:     u(5_000_000_000),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2_502_997), loan.EscrowB.Uint64())

	_, err = f.eng.Provide(f.ctx, carol, tickBor, nil, dec("500000000000000000"))
	require.NoError(t, err)
	before := f.claim(carol)
	require.Equal(t, "1000800270049004980258", before.Dec())

	// nothing was used, so the whole prepayment goes back to the borrower
	s := f.closeAll(bob, 10_000_000_000)
	require.Equal(t, uint64(5_000_000_000), s.Refund.Uint64())
	require.Equal(t, uint64(2_502_997), s.PayoutB.Uint64())
	require.True(t, s.EarnedB.IsZero())

	after := f.claim(carol)
	require.False(t, after.Lt(before))
	require.Equal(t, "1000800270049004980358", after.Dec())
	for _, owner := range []common.Address{alice, carol} {
		feeA, feeB, err := f.eng.EarnedFees(f.ctx, tickBor, owner)
		require.NoError(t, err)
		require.True(t, feeA.IsZero())
		require.True(t, feeB.IsZero())
	}
	a, bb := f.balance(bob)
	require.Equal(t, uint64(10_000_000-1), a)
	require.Equal(t, uint64(10_000_000-1), bb)
	f.requireConsistent()
}

func TestTopUpChargesUsedInterest(t *testing.T) {
	f := newFixture(t)
	f.provide()
	f.open()
	f.advance(629 * time.Second)

	loan, err := f.eng.Open(f.ctx, bob, OpenParams{
		TickBor:      tickBor,
		TickCol:      tickCol,
		LiquidityBor: u(2_000),
		ColA:         u(2),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_002_000), loan.LiquidityBor.Uint64())
	require.Equal(t, uint64(10_015_016_308), loan.LiquidityCol.Uint64())
	require.Equal(t, uint64(27), loan.Interest.Uint64())
	require.Equal(t, uint64(10_000_002), loan.Fee.Uint64())
	require.Equal(t, uint64(4_997), loan.EscrowB.Uint64())
	require.Equal(t, uint64(1_700_000_629), loan.Start)
	_, earned, err := f.eng.EarnedFees(f.ctx, tickBor, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(3), earned.Uint64())

	s := f.closeAll(bob, 10_000_002_000)
	require.True(t, s.Consumed.IsZero())
	require.Equal(t, uint64(27), s.Refund.Uint64())
	require.Equal(t, uint64(4_997), s.PayoutB.Uint64())
	require.Equal(t, uint64(4_996_003), s.RepaidB.Uint64())
	require.Equal(t, uint64(5_003_503), s.CollateralA.Uint64())

	a, bb := f.balance(bob)
	require.Equal(t, uint64(9_999_999), a)
	require.Equal(t, uint64(9_999_994), bb)
	f.requireConsistent()
}

func TestLedgerPropertiesAcrossOperations(t *testing.T) {
	f := newFixture(t)
	f.vault.Mint(carol, u(0), dec("1000000000000000000"))
	e18 := dec("1000000000000000000")

	provide := func(owner common.Address, a, b *uint256.Int) func() (*uint256.Int, error) {
		return func() (*uint256.Int, error) { return f.eng.Provide(f.ctx, owner, tickBor, a, b) }
	}
	take := func(liquidity *uint256.Int) func() (*uint256.Int, error) {
		return func() (*uint256.Int, error) { return nil, f.eng.Take(f.ctx, carol, tickBor, liquidity, nil, nil) }
	}
	closing := func(liquidity uint64) func() (*uint256.Int, error) {
		return func() (*uint256.Int, error) {
			_, err := f.eng.Close(f.ctx, bob, CloseParams{Owner: bob, TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(liquidity)})
			return nil, err
		}
	}
	steps := []struct {
		name    string
		actor   common.Address
		advance time.Duration
		run     func() (*uint256.Int, error)
	}{
		{name: "alice provides", actor: alice, run: provide(alice, e18, e18)},
		{name: "carol provides", actor: carol, run: provide(carol, nil, dec("500000000000000000"))},
		{name: "bob opens", actor: bob, run: func() (*uint256.Int, error) {
			_, err := f.eng.Open(f.ctx, bob, OpenParams{TickBor: tickBor, TickCol: tickCol, LiquidityBor: u(10_000_000_000), ColA: u(5003502), Interest: u(10_000)})
			return nil, err
		}},
		{name: "pool earns swap fees", run: func() (*uint256.Int, error) { return nil, f.sim.AccrueFees(tickBor, u(0), u(3_000)) }},
		{name: "carol takes", actor: carol, advance: time.Minute, run: take(dec("1000000000000000"))},
		{name: "bob closes part", actor: bob, run: closing(4_000_000_000)},
		{name: "carol provides more", actor: carol, run: provide(carol, nil, dec("100000000000000000"))},
		{name: "bob closes the rest", actor: bob, advance: 2 * time.Minute, run: closing(6_000_000_000)},
		{name: "carol takes again", actor: carol, run: take(dec("1000000000000000"))},
		{name: "carol withdraws", actor: carol, advance: time.Second, run: func() (*uint256.Int, error) {
			_, _, err := f.eng.Withdraw(f.ctx, carol, tickBor)
			return nil, err
		}},
	}

	prev := newBucket()
	var aliceClaim *uint256.Int
	for _, st := range steps {
		f.advance(st.advance)
		minted, err := st.run()
		require.NoError(t, err, st.name)
		f.requireConsistent()

		b, ok := f.eng.Bucket(tickBor)
		require.True(t, ok, st.name)
		require.False(t, b.FeeGrowthA.Lt(prev.FeeGrowthA), st.name)
		require.False(t, b.FeeGrowthB.Lt(prev.FeeGrowthB), st.name)
		if minted != nil {
			added := new(uint256.Int).Sub(b.Liquidity, prev.Liquidity)
			want := added
			if !prev.TotalShares.IsZero() {
				want, err = tickmath.MulDiv(added, prev.TotalShares, prev.Liquidity)
				require.NoError(t, err)
			}
			require.Equal(t, want, minted, st.name)
		}
		claim := f.claim(alice)
		if aliceClaim != nil && st.actor != alice {
			require.False(t, claim.Lt(aliceClaim), "%s: alice claim %s fell below %s", st.name, claim.Dec(), aliceClaim.Dec())
		}
		aliceClaim = claim
		prev = b
	}
	_, ok := f.eng.Loan(bob, tickBor, tickCol)
	require.False(t, ok)
	b, _ := f.eng.Bucket(tickBor)
	require.True(t, b.Locked.IsZero())
}

func TestFeesFollowShares(t *testing.T) {
	f := newFixture(t)
	f.vault.Mint(carol, u(0), dec("500000000000000000"))
	f.provide()
	_, err := f.eng.Provide(f.ctx, carol, tickBor, nil, dec("500000000000000000"))
	require.NoError(t, err)

	require.NoError(t, f.sim.AccrueFees(tickBor, u(0), u(3_000)))

	_, aliceFee, err := f.eng.EarnedFees(f.ctx, tickBor, alice)
	require.NoError(t, err)
	_, carolFee, err := f.eng.EarnedFees(f.ctx, tickBor, carol)
	require.NoError(t, err)
	require.Equal(t, uint64(1_999), aliceFee.Uint64())
	require.Equal(t, uint64(999), carolFee.Uint64())

	before, ok := f.eng.Bucket(tickBor)
	require.True(t, ok)
	require.NoError(t, f.eng.Take(f.ctx, carol, tickBor, u(1_000), nil, nil))
	after, _ := f.eng.Bucket(tickBor)
	require.True(t, after.FeeGrowthB.Gt(before.FeeGrowthB))

	w, ok := f.eng.PendingWithdrawal(tickBor, carol)
	require.True(t, ok)
	require.GreaterOrEqual(t, w.AmountB.Uint64(), uint64(999))

	// fees are credited to pending before a new deposit changes the share count
	_, err = f.eng.Provide(f.ctx, alice, tickBor, nil, u(1_000_000))
	require.NoError(t, err)
	w, ok = f.eng.PendingWithdrawal(tickBor, alice)
	require.True(t, ok)
	require.Equal(t, uint64(1_999), w.AmountB.Uint64())
	f.requireConsistent()
}

func TestInterestView(t *testing.T) {
	f := newFixture(t)
	got, err := f.eng.Interest(u(10_000_000_000), 1_700_000_000, 1_700_000_060)
	require.NoError(t, err)
	require.Equal(t, uint64(952), got.Uint64())
}

type reentrantConn struct {
	*amm.Simulator
	onCollect func(ctx context.Context)
}

func (c *reentrantConn) Collect(ctx context.Context, key amm.Key) (*uint256.Int, *uint256.Int, error) {
	if c.onCollect != nil {
		c.onCollect(ctx)
	}
	return c.Simulator.Collect(ctx, key)
}

func TestReentrantCallRejected(t *testing.T) {
	sim, err := amm.NewSimulator(amm.PoolState{Tick: 0, TickSpacing: 10})
	require.NoError(t, err)
	conn := &reentrantConn{Simulator: sim}
	f := newFixtureWith(t, sim, conn)

	var inner error
	conn.onCollect = func(ctx context.Context) {
		conn.onCollect = nil
		_, inner = f.eng.Provide(ctx, alice, tickBor, nil, u(1_000_000))
	}
	f.provide()
	require.ErrorIs(t, inner, ErrReentrant)
	f.requireConsistent()
}

type slowConn struct {
	*amm.Simulator
	delay time.Duration
}

func (c *slowConn) Collect(ctx context.Context, key amm.Key) (*uint256.Int, *uint256.Int, error) {
	time.Sleep(c.delay)
	return c.Simulator.Collect(ctx, key)
}

func TestConcurrentCallersWaitTheirTurn(t *testing.T) {
	sim, err := amm.NewSimulator(amm.PoolState{Tick: 0, TickSpacing: 10})
	require.NoError(t, err)
	f := newFixtureWith(t, sim, &slowConn{Simulator: sim, delay: 5 * time.Millisecond})
	f.provide()
	before, _ := f.eng.Lender(tickBor, alice)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	minted := make([]*uint256.Int, len(errs))
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			minted[i], errs[i] = f.eng.Provide(f.ctx, alice, tickBor, nil, u(1_000_000))
		}(i)
	}
	wg.Wait()

	want := new(uint256.Int).Set(before.Shares)
	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
		want.Add(want, minted[i])
	}
	after, _ := f.eng.Lender(tickBor, alice)
	require.Equal(t, want, after.Shares)
	f.requireConsistent()
}

type gateConn struct {
	*amm.Simulator
	entered chan struct{}
	release chan struct{}
}

func (c *gateConn) Collect(ctx context.Context, key amm.Key) (*uint256.Int, *uint256.Int, error) {
	if c.entered != nil {
		close(c.entered)
		c.entered = nil
		<-c.release
	}
	return c.Simulator.Collect(ctx, key)
}

func TestWaitingCallerHonorsContext(t *testing.T) {
	sim, err := amm.NewSimulator(amm.PoolState{Tick: 0, TickSpacing: 10})
	require.NoError(t, err)
	conn := &gateConn{Simulator: sim, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, sim, conn)
	entered := conn.entered

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Provide(f.ctx, alice, tickBor, nil, u(1_000_000))
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.eng.Provide(ctx, alice, tickBor, nil, u(1_000_000))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(conn.release)
	require.NoError(t, <-done)
	f.requireConsistent()
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.provide()
	require.NoError(t, f.eng.Take(f.ctx, alice, tickBor, u(1_000_000), nil, nil))
	f.open()
	snap := f.eng.Snapshot()

	require.Len(t, snap.Loans, 1)
	require.Equal(t, "5001", snap.Loans[0].EscrowB)

	g := newFixture(t)
	require.NoError(t, g.eng.Restore(g.ctx, snap))
	require.Equal(t, snap, g.eng.Snapshot())
	require.NoError(t, g.eng.CheckInvariants())
	require.Error(t, g.eng.Reconcile(g.ctx))

	for key, liquidity := range g.eng.Positions() {
		require.NoError(t, g.sim.SetPosition(key, liquidity))
	}
	require.NoError(t, g.eng.Reconcile(g.ctx))

	snap.Buckets[0].Locked = "1"
	require.Error(t, g.eng.Restore(g.ctx, snap))

	snap = f.eng.Snapshot()
	snap.Loans[0].Interest, snap.Loans[0].Fee = "0", "0"
	require.Error(t, g.eng.Restore(g.ctx, snap))

	snap = f.eng.Snapshot()
	snap.Withdrawals[0].AmountA, snap.Withdrawals[0].AmountB = "0", "0"
	require.Error(t, g.eng.Restore(g.ctx, snap))
}
