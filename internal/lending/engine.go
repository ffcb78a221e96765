// Package lending is the market engine: tick buckets of pooled liquidity owned through
// shares, loans that borrow a bucket's liquidity against a collateral position, and the
// distribution of prepaid interest and swap fees to lenders.
package lending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/interest"
	"tickLend/internal/settle"
	"tickLend/internal/tickmath"
)

// Config holds the market parameters.
type Config struct {
	Rate interest.Rate
	// KeeperFee is charged on open as a fraction of the borrowed liquidity and paid to whoever closes.
	KeeperFee Ratio
	Cooldown  time.Duration
	// TickMin and TickMax bound the ranges the market accepts; zero values mean the pool's usable ticks.
	TickMin int32
	TickMax int32
}

func DefaultConfig() Config {
	return Config{
		Rate:      interest.DefaultRate,
		KeeperFee: Ratio{Numerator: 1, Denominator: 1000},
		Cooldown:  time.Second,
	}
}

// Observer receives the outcome of each operation and the buckets a committed operation touched.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveBucket(tick int32, b Bucket)
}

type Option func(*Engine)

// WithClock replaces the wall clock used for cooldowns and loan expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// Engine runs one operation at a time. Independent callers wait their turn or give up when
// their context ends; a call made from inside a running operation, such as a connector
// calling back into the engine, fails with ErrReentrant. Views may run concurrently with
// operations.
type Engine struct {
	cfg      Config
	conn     amm.Connector
	vault    settle.Vault
	logger   *zap.Logger
	clock    func() time.Time
	observer Observer

	guard chan struct{}
	mu    sync.RWMutex
	state *State
}

func NewEngine(cfg Config, conn amm.Connector, vault settle.Vault, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if conn == nil {
		return nil, fmt.Errorf("connector is nil")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is nil")
	}
	if err := cfg.Rate.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeeperFee.Denominator == 0 {
		return nil, fmt.Errorf("keeper fee denominator is zero")
	}
	spacing := conn.TickSpacing()
	if spacing <= 0 {
		return nil, fmt.Errorf("invalid tick spacing %d", spacing)
	}
	lo, hi := tickmath.UsableTicks(spacing)
	if cfg.TickMin == 0 && cfg.TickMax == 0 {
		cfg.TickMin, cfg.TickMax = lo, hi
	}
	if cfg.TickMin < lo || cfg.TickMax > hi || cfg.TickMin >= cfg.TickMax {
		return nil, fmt.Errorf("tick bounds [%d, %d] outside usable [%d, %d]", cfg.TickMin, cfg.TickMax, lo, hi)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		conn:   conn,
		vault:  vault,
		logger: logger,
		clock:  time.Now,
		guard:  make(chan struct{}, 1),
		state:  NewState(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) now() uint64 {
	ts := e.clock().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) cooldownEnd() uint64 {
	return e.now() + uint64(e.cfg.Cooldown/time.Second)
}

// inFlight marks the context handed to a running operation.
type inFlight struct{}

// acquire waits for the operation slot. Calls that carry the context of a running
// operation of e are re-entrant and rejected.
func (e *Engine) acquire(ctx context.Context) error {
	if owner, _ := ctx.Value(inFlight{}).(*Engine); owner == e {
		return ErrReentrant
	}
	select {
	case e.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.guard }

// run executes fn against a fresh transaction. On error the transaction is dropped and
// every journaled collaborator is reverted; on success the writes are committed.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx *txn) error) error {
	started := time.Now()
	if err := e.acquire(ctx); err != nil {
		e.observeOperation(op, err, time.Since(started))
		return err
	}
	defer e.release()

	if err := ctx.Err(); err != nil {
		e.observeOperation(op, err, time.Since(started))
		return err
	}

	marks := e.mark()
	tx := newTxn(e.state)
	err := fn(context.WithValue(ctx, inFlight{}, e), tx)
	if err != nil {
		marks.revert()
		e.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
		e.observeOperation(op, err, time.Since(started))
		return err
	}
	marks.discard()

	e.mu.Lock()
	tx.commit()
	e.mu.Unlock()

	e.observeOperation(op, nil, time.Since(started))
	if e.observer != nil {
		e.mu.RLock()
		for tick := range tx.buckets {
			b, ok := e.state.Buckets[tick]
			if !ok {
				b = newBucket()
			}
			e.observer.ObserveBucket(tick, *b.Clone())
		}
		e.mu.RUnlock()
	}
	return nil
}

func (e *Engine) observeOperation(op string, err error, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, err, elapsed)
	}
}

type journalMark struct {
	j  amm.Journal
	id int
}

type journalMarks []journalMark

func (e *Engine) mark() journalMarks {
	var marks journalMarks
	for _, c := range []any{e.conn, e.vault} {
		if j, ok := c.(amm.Journal); ok {
			marks = append(marks, journalMark{j: j, id: j.Snapshot()})
		}
	}
	return marks
}

func (m journalMarks) revert() {
	for i := len(m) - 1; i >= 0; i-- {
		m[i].j.RevertToSnapshot(m[i].id)
	}
}

func (m journalMarks) discard() {
	for _, mk := range m {
		mk.j.DiscardSnapshot(mk.id)
	}
}

// external classifies a collaborator failure while keeping the original cause matchable.
func external(call string, err error) error {
	if errors.Is(err, amm.ErrSlippage) {
		return fmt.Errorf("%w: %s: %w", ErrSlippageExceeded, call, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalCallFailed, call, err)
}

func (e *Engine) checkTick(tick int32) error {
	spacing := e.conn.TickSpacing()
	if tick%spacing != 0 || tick < e.cfg.TickMin || tick > e.cfg.TickMax-spacing {
		return fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	return nil
}

func (e *Engine) rangeOf(tick int32) (*uint256.Int, *uint256.Int, error) {
	sqrtA, err := tickmath.SqrtRatioAtTick(tick)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := tickmath.SqrtRatioAtTick(tick + e.conn.TickSpacing())
	if err != nil {
		return nil, nil, err
	}
	return sqrtA, sqrtB, nil
}

// accrue collects the lending position's swap fees into the bucket's per-share growth.
// Fees that arrive while the bucket has no shares go to the reserve.
func (e *Engine) accrue(ctx context.Context, tx *txn, tick int32) (*Bucket, error) {
	b := tx.bucket(tick)
	feeA, feeB, err := e.conn.Collect(ctx, amm.Key{Book: amm.Lending, Tick: tick})
	if err != nil {
		return nil, external("collect", err)
	}
	if err := e.distribute(tx, b, feeA, feeB); err != nil {
		return nil, err
	}
	insideA, insideB, err := e.conn.FeeGrowthInside(ctx, tick, tick+e.conn.TickSpacing())
	if err != nil {
		return nil, external("fee growth inside", err)
	}
	b.InsideA.Set(insideA)
	b.InsideB.Set(insideB)
	return b, nil
}

// distribute folds token amounts into the bucket's fee growth for the current shareholders.
func (e *Engine) distribute(tx *txn, b *Bucket, amountA, amountB *uint256.Int) error {
	if amountA.IsZero() && amountB.IsZero() {
		return nil
	}
	if b.TotalShares.IsZero() {
		tx.reserve.AmountA.Add(tx.reserve.AmountA, amountA)
		tx.reserve.AmountB.Add(tx.reserve.AmountB, amountB)
		return nil
	}
	var c arith
	b.FeeGrowthA.Add(b.FeeGrowthA, c.mulDiv(amountA, tickmath.Q128, b.TotalShares))
	b.FeeGrowthB.Add(b.FeeGrowthB, c.mulDiv(amountB, tickmath.Q128, b.TotalShares))
	return c.err
}

// accrueCollateral sweeps a collateral position's swap fees into the reserve.
func (e *Engine) accrueCollateral(ctx context.Context, tx *txn, tick int32) error {
	feeA, feeB, err := e.conn.Collect(ctx, amm.Key{Book: amm.Collateral, Tick: tick})
	if err != nil {
		return external("collect collateral", err)
	}
	tx.reserve.AmountA.Add(tx.reserve.AmountA, feeA)
	tx.reserve.AmountB.Add(tx.reserve.AmountB, feeB)
	return nil
}

// settleLender moves the fees a lender earned since its snapshot into its pending withdrawal.
func (e *Engine) settleLender(tx *txn, b *Bucket, key LenderKey, l *Lender) error {
	var c arith
	owedA := c.mulDiv(new(uint256.Int).Sub(b.FeeGrowthA, l.SnapshotA), l.Shares, tickmath.Q128)
	owedB := c.mulDiv(new(uint256.Int).Sub(b.FeeGrowthB, l.SnapshotB), l.Shares, tickmath.Q128)
	if c.err != nil {
		return c.err
	}
	l.SnapshotA.Set(b.FeeGrowthA)
	l.SnapshotB.Set(b.FeeGrowthB)
	if owedA.IsZero() && owedB.IsZero() {
		return nil
	}
	w := tx.pending(key)
	w.AmountA.Add(w.AmountA, owedA)
	w.AmountB.Add(w.AmountB, owedB)
	if w.EligibleAt == 0 {
		w.EligibleAt = e.cooldownEnd()
	}
	return nil
}

// requiredCollateral is the collateral liquidity that, fully converted to either token,
// covers liquidity borrowed ticks away: ceil(liquidity * sqrt(1.0001^|ticks|)).
func requiredCollateral(liquidity *uint256.Int, tickBor, tickCol int32) (*uint256.Int, error) {
	delta := tickCol - tickBor
	if delta < 0 {
		delta = -delta
	}
	ratio, err := tickmath.SqrtRatioAtTick(min(delta, tickmath.MaxTick))
	if err != nil {
		return nil, err
	}
	if delta > tickmath.MaxTick {
		rest, err := tickmath.SqrtRatioAtTick(delta - tickmath.MaxTick)
		if err != nil {
			return nil, err
		}
		if ratio, err = tickmath.MulDivRoundingUp(ratio, rest, tickmath.Q96); err != nil {
			return nil, err
		}
	}
	return tickmath.MulDivRoundingUp(liquidity, ratio, tickmath.Q96)
}

func collateralized(bor, col *uint256.Int, tickBor, tickCol int32) (bool, error) {
	if bor.IsZero() {
		return true, nil
	}
	required, err := requiredCollateral(bor, tickBor, tickCol)
	if err != nil {
		return false, err
	}
	return !col.Lt(required), nil
}

// arith keeps the first error of a chain of fixed-point operations.
type arith struct {
	err error
}

func (c *arith) mulDiv(a, b, d *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	v, err := tickmath.MulDiv(a, b, d)
	if err != nil {
		c.err = err
		return new(uint256.Int)
	}
	return v
}

func (c *arith) mulDivUp(a, b, d *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	v, err := tickmath.MulDivRoundingUp(a, b, d)
	if err != nil {
		c.err = err
		return new(uint256.Int)
	}
	return v
}

func minOf(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

func maxOf(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
