package amm

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"tickLend/internal/tickmath"
)

type growth struct {
	a, b *uint256.Int
}

func (g growth) clone() growth {
	return growth{a: new(uint256.Int).Set(g.a), b: new(uint256.Int).Set(g.b)}
}

type position struct {
	liquidity    *uint256.Int
	lastA, lastB *uint256.Int
	owedA, owedB *uint256.Int
}

func (p *position) clone() *position {
	return &position{
		liquidity: new(uint256.Int).Set(p.liquidity),
		lastA:     new(uint256.Int).Set(p.lastA),
		lastB:     new(uint256.Int).Set(p.lastB),
		owedA:     new(uint256.Int).Set(p.owedA),
		owedB:     new(uint256.Int).Set(p.owedB),
	}
}

type simState struct {
	tick      int32
	sqrtPrice *uint256.Int
	growth    map[int32]growth
	positions map[Key]*position
	reserveA  *uint256.Int
	reserveB  *uint256.Int
}

func (s *simState) clone() *simState {
	out := &simState{
		tick:      s.tick,
		sqrtPrice: new(uint256.Int).Set(s.sqrtPrice),
		growth:    make(map[int32]growth, len(s.growth)),
		positions: make(map[Key]*position, len(s.positions)),
		reserveA:  new(uint256.Int).Set(s.reserveA),
		reserveB:  new(uint256.Int).Set(s.reserveB),
	}
	for k, g := range s.growth {
		out.growth[k] = g.clone()
	}
	for k, p := range s.positions {
		out.positions[k] = p.clone()
	}
	return out
}

// Simulator is an in-memory pool holding only the engine's single-spacing positions.
// Prices move through SetTick and swap fees arrive through AccrueFees.
type Simulator struct {
	mu        sync.Mutex
	spacing   int32
	fee       uint32
	state     *simState
	snapshots []*simState
}

func NewSimulator(ps PoolState) (*Simulator, error) {
	if ps.TickSpacing <= 0 {
		return nil, fmt.Errorf("%w: tick spacing %d", ErrRange, ps.TickSpacing)
	}
	s := &Simulator{spacing: ps.TickSpacing, fee: ps.Fee}
	s.state = &simState{
		growth:    make(map[int32]growth),
		positions: make(map[Key]*position),
		reserveA:  new(uint256.Int),
		reserveB:  new(uint256.Int),
	}
	if err := s.Seed(ps); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed moves the pool to the tick and price of a live pool. A nil price is derived from the tick.
func (s *Simulator) Seed(ps PoolState) error {
	price := ps.SqrtPriceX96
	if price == nil || price.IsZero() {
		var err error
		price, err = tickmath.SqrtRatioAtTick(ps.Tick)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tick = ps.Tick
	s.state.sqrtPrice = new(uint256.Int).Set(price)
	if ps.Fee != 0 {
		s.fee = ps.Fee
	}
	return nil
}

// SetTick moves the price to the exact sqrt ratio of tick.
func (s *Simulator) SetTick(tick int32) error {
	return s.Seed(PoolState{Tick: tick})
}

// AccrueFees distributes swap fees earned inside [lower, lower+spacing) to the liquidity there.
func (s *Simulator) AccrueFees(lower int32, amountA, amountB *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := new(uint256.Int)
	for k, p := range s.state.positions {
		if k.Tick == lower {
			active.Add(active, p.liquidity)
		}
	}
	if active.IsZero() {
		return fmt.Errorf("%w: no liquidity at tick %d", ErrZeroLiquidity, lower)
	}
	g := s.growthAt(lower)
	if err := addGrowth(g.a, amountA, active); err != nil {
		return err
	}
	if err := addGrowth(g.b, amountB, active); err != nil {
		return err
	}
	s.state.reserveA.Add(s.state.reserveA, amountA)
	s.state.reserveB.Add(s.state.reserveB, amountB)
	return nil
}

func addGrowth(acc, amount, liquidity *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	delta, err := tickmath.MulDiv(amount, tickmath.Q128, liquidity)
	if err != nil {
		return err
	}
	acc.Add(acc, delta)
	return nil
}

// Reserves is the token balance the simulated pool holds.
func (s *Simulator) Reserves() (*uint256.Int, *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.state.reserveA), new(uint256.Int).Set(s.state.reserveB)
}

// Fee is the pool fee tier in hundredths of a bip.
func (s *Simulator) Fee() uint32 {
	return s.fee
}

func (s *Simulator) TickSpacing() int32 {
	return s.spacing
}

func (s *Simulator) CurrentTick(context.Context) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.tick, nil
}

func (s *Simulator) SqrtPriceX96(context.Context) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.state.sqrtPrice), nil
}

func (s *Simulator) AddLiquidity(_ context.Context, key Key, amountA, amountB *uint256.Int) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqrtA, sqrtB, err := s.bounds(key.Tick)
	if err != nil {
		return nil, nil, nil, err
	}
	liquidity, err := tickmath.LiquidityForAmounts(s.state.sqrtPrice, sqrtA, sqrtB, amountA, amountB)
	if err != nil {
		return nil, nil, nil, err
	}
	if liquidity.IsZero() {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrZeroLiquidity, key)
	}
	usedA, usedB, err := tickmath.AmountsForLiquidity(s.state.sqrtPrice, sqrtA, sqrtB, liquidity, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if usedA.Gt(amountA) {
		usedA.Set(amountA)
	}
	if usedB.Gt(amountB) {
		usedB.Set(amountB)
	}

	pos := s.positionAt(key)
	s.updateFees(key, pos)
	pos.liquidity.Add(pos.liquidity, liquidity)
	s.state.reserveA.Add(s.state.reserveA, usedA)
	s.state.reserveB.Add(s.state.reserveB, usedB)
	return liquidity, usedA, usedB, nil
}

func (s *Simulator) RemoveLiquidity(_ context.Context, key Key, liquidity, minA, minB *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.state.positions[key]
	if pos == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPosition, key)
	}
	if pos.liquidity.Lt(liquidity) {
		return nil, nil, fmt.Errorf("%w: %s has %s, want %s", ErrInsufficientPosition, key, pos.liquidity.Dec(), liquidity.Dec())
	}
	sqrtA, sqrtB, err := s.bounds(key.Tick)
	if err != nil {
		return nil, nil, err
	}
	amountA, amountB, err := tickmath.AmountsForLiquidity(s.state.sqrtPrice, sqrtA, sqrtB, liquidity, false)
	if err != nil {
		return nil, nil, err
	}
	if minA != nil && amountA.Lt(minA) || minB != nil && amountB.Lt(minB) {
		return nil, nil, fmt.Errorf("%w: got %s/%s", ErrSlippage, amountA.Dec(), amountB.Dec())
	}
	s.updateFees(key, pos)
	pos.liquidity.Sub(pos.liquidity, liquidity)
	s.state.reserveA.Sub(s.state.reserveA, amountA)
	s.state.reserveB.Sub(s.state.reserveB, amountB)
	return amountA, amountB, nil
}

func (s *Simulator) Collect(_ context.Context, key Key) (*uint256.Int, *uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.state.positions[key]
	if pos == nil {
		return new(uint256.Int), new(uint256.Int), nil
	}
	s.updateFees(key, pos)
	amountA, amountB := pos.owedA, pos.owedB
	pos.owedA, pos.owedB = new(uint256.Int), new(uint256.Int)
	s.state.reserveA.Sub(s.state.reserveA, amountA)
	s.state.reserveB.Sub(s.state.reserveB, amountB)
	return amountA, amountB, nil
}

func (s *Simulator) FeeGrowthInside(_ context.Context, lower, upper int32) (*uint256.Int, *uint256.Int, error) {
	if upper-lower != s.spacing {
		return nil, nil, fmt.Errorf("%w: [%d, %d)", ErrRange, lower, upper)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.state.growth[lower]
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}
	return new(uint256.Int).Set(g.a), new(uint256.Int).Set(g.b), nil
}

func (s *Simulator) PositionLiquidity(_ context.Context, key Key) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.state.positions[key]
	if pos == nil {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(pos.liquidity), nil
}

// Snapshot records the current state and returns an id for RevertToSnapshot.
func (s *Simulator) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, s.state.clone())
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the state recorded by Snapshot and drops every later snapshot.
func (s *Simulator) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return
	}
	s.state = s.snapshots[id]
	s.snapshots = s.snapshots[:id]
}

// DiscardSnapshot forgets the snapshot id and every later one.
func (s *Simulator) DiscardSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return
	}
	s.snapshots = s.snapshots[:id]
}

func (s *Simulator) bounds(lower int32) (*uint256.Int, *uint256.Int, error) {
	if lower%s.spacing != 0 {
		return nil, nil, fmt.Errorf("%w: tick %d not a multiple of %d", ErrRange, lower, s.spacing)
	}
	sqrtA, err := tickmath.SqrtRatioAtTick(lower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := tickmath.SqrtRatioAtTick(lower + s.spacing)
	if err != nil {
		return nil, nil, err
	}
	return sqrtA, sqrtB, nil
}

func (s *Simulator) growthAt(lower int32) growth {
	g, ok := s.state.growth[lower]
	if !ok {
		g = growth{a: new(uint256.Int), b: new(uint256.Int)}
		s.state.growth[lower] = g
	}
	return g
}

func (s *Simulator) positionAt(key Key) *position {
	pos := s.state.positions[key]
	if pos == nil {
		g := s.growthAt(key.Tick)
		pos = &position{
			liquidity: new(uint256.Int),
			lastA:     new(uint256.Int).Set(g.a),
			lastB:     new(uint256.Int).Set(g.b),
			owedA:     new(uint256.Int),
			owedB:     new(uint256.Int),
		}
		s.state.positions[key] = pos
	}
	return pos
}

func (s *Simulator) updateFees(key Key, pos *position) {
	g := s.growthAt(key.Tick)
	owed := func(now, last *uint256.Int) *uint256.Int {
		delta := new(uint256.Int).Sub(now, last)
		out, err := tickmath.MulDiv(delta, pos.liquidity, tickmath.Q128)
		if err != nil {
			return new(uint256.Int)
		}
		return out
	}
	pos.owedA.Add(pos.owedA, owed(g.a, pos.lastA))
	pos.owedB.Add(pos.owedB, owed(g.b, pos.lastB))
	pos.lastA.Set(g.a)
	pos.lastB.Set(g.b)
}

// SetPosition overwrites a position's liquidity without moving tokens. It is used to
// rebuild the pool from a stored ledger.
func (s *Simulator) SetPosition(key Key, liquidity *uint256.Int) error {
	if _, _, err := s.bounds(key.Tick); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionAt(key)
	s.updateFees(key, pos)
	pos.liquidity.Set(liquidity)
	return nil
}
