// Package amm is the narrow interface the lending engine uses to manage its positions in a
// concentrated-liquidity pool, plus an in-memory pool that implements it.
package amm

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrSlippage             = errors.New("amm: slippage check failed")
	ErrZeroLiquidity        = errors.New("amm: zero liquidity")
	ErrUnknownPosition      = errors.New("amm: unknown position")
	ErrInsufficientPosition = errors.New("amm: position liquidity too low")
	ErrRange                = errors.New("amm: invalid range")
)

// Book separates positions the engine holds for lenders from positions backing loans.
type Book uint8

const (
	Lending Book = iota
	Collateral
)

func (b Book) String() string {
	switch b {
	case Lending:
		return "lending"
	case Collateral:
		return "collateral"
	default:
		return fmt.Sprintf("book(%d)", uint8(b))
	}
}

// Key identifies one position: a book and the lower tick of a single-spacing range.
type Key struct {
	Book Book
	Tick int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Book, k.Tick)
}

// PoolState is the part of a pool's state the simulator needs to start from.
type PoolState struct {
	Tick         int32
	SqrtPriceX96 *uint256.Int
	TickSpacing  int32
	Fee          uint32
}

// Connector manages the engine's positions in the pool. Every position covers
// [key.Tick, key.Tick+TickSpacing()).
type Connector interface {
	// AddLiquidity mints as much liquidity as the amounts allow and reports what it used.
	AddLiquidity(ctx context.Context, key Key, amountA, amountB *uint256.Int) (liquidity, usedA, usedB *uint256.Int, err error)
	// RemoveLiquidity burns liquidity and returns the principal it realized.
	RemoveLiquidity(ctx context.Context, key Key, liquidity, minA, minB *uint256.Int) (amountA, amountB *uint256.Int, err error)
	// Collect returns the swap fees the position accrued since the last collect.
	Collect(ctx context.Context, key Key) (amountA, amountB *uint256.Int, err error)
	CurrentTick(ctx context.Context) (int32, error)
	SqrtPriceX96(ctx context.Context) (*uint256.Int, error)
	TickSpacing() int32
	FeeGrowthInside(ctx context.Context, lower, upper int32) (growthA, growthB *uint256.Int, err error)
	PositionLiquidity(ctx context.Context, key Key) (*uint256.Int, error)
}

// Journal is implemented by collaborators whose effects can be rolled back when an
// operation fails after calling them.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}
