// Package tickmath holds the integer fixed-point math of a concentrated-liquidity AMM:
// tick to sqrt price conversion and liquidity <-> token amount conversions.
package tickmath

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	Q96  = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxUint256 = new(uint256.Int).Not(uint256.NewInt(0))

	ErrTickBounds   = errors.New("tickmath: tick out of bounds")
	ErrDivideByZero = errors.New("tickmath: divide by zero")
	ErrOverflow     = errors.New("tickmath: overflow")
)

// sqrtRatioFactors[i] is 2^128 / sqrt(1.0001^(2^i)) for i >= 1; index 0 holds the
// factor applied when bit 0 of the absolute tick is set.
var sqrtRatioFactors = [...]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value.
func SqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickBounds, tick)
	}
	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int).Set(Q128)
	if absTick&1 != 0 {
		ratio.Set(sqrtRatioFactors[0])
	}
	for i := 1; i < len(sqrtRatioFactors); i++ {
		if absTick&(1<<uint(i)) == 0 {
			continue
		}
		ratio.Mul(ratio, sqrtRatioFactors[i])
		ratio.Rsh(ratio, 128)
	}
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	rem := new(uint256.Int).And(ratio, uint256.NewInt(0xffffffff))
	sqrtPrice := new(uint256.Int).Rsh(ratio, 32)
	if !rem.IsZero() {
		sqrtPrice.AddUint64(sqrtPrice, 1)
	}
	return sqrtPrice, nil
}

// UsableTicks returns the lowest and highest tick that are multiples of spacing.
func UsableTicks(spacing int32) (int32, int32) {
	if spacing <= 0 {
		return MinTick, MaxTick
	}
	return (MinTick / spacing) * spacing, (MaxTick / spacing) * spacing
}

// MulDiv computes floor(a * b / d) with a 512-bit intermediate.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivRoundingUp computes ceil(a * b / d).
func MulDivRoundingUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(a, b, d).IsZero() {
		return z, nil
	}
	if z.Eq(maxUint256) {
		return nil, ErrOverflow
	}
	return z.AddUint64(z, 1), nil
}

// DivRoundingUp computes ceil(a / d).
func DivRoundingUp(a, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	q, r := new(uint256.Int).DivMod(a, d, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

func ordered(sqrtA, sqrtB *uint256.Int) (*uint256.Int, *uint256.Int) {
	if sqrtA.Gt(sqrtB) {
		return sqrtB, sqrtA
	}
	return sqrtA, sqrtB
}

// LiquidityForAmount0 returns the liquidity a token0 amount buys over [sqrtA, sqrtB].
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	intermediate, err := MulDiv(sqrtA, sqrtB, Q96)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmount1 returns the liquidity a token1 amount buys over [sqrtA, sqrtB].
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	return MulDiv(amount1, Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// LiquidityForAmounts returns the largest liquidity the two amounts can back at price sqrtP.
func LiquidityForAmounts(sqrtP, sqrtA, sqrtB, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	switch {
	case !sqrtP.Gt(sqrtA):
		return LiquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtP.Lt(sqrtB):
		l0, err := LiquidityForAmount0(sqrtP, sqrtB, amount0)
		if err != nil {
			return nil, err
		}
		l1, err := LiquidityForAmount1(sqrtA, sqrtP, amount1)
		if err != nil {
			return nil, err
		}
		if l0.Lt(l1) {
			return l0, nil
		}
		return l1, nil
	default:
		return LiquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

// Amount0Delta is the token0 amount backing liquidity over [sqrtA, sqrtB].
func Amount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	if sqrtA.IsZero() {
		return nil, ErrDivideByZero
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		v, err := MulDivRoundingUp(numerator1, numerator2, sqrtB)
		if err != nil {
			return nil, err
		}
		return DivRoundingUp(v, sqrtA)
	}
	v, err := MulDiv(numerator1, numerator2, sqrtB)
	if err != nil {
		return nil, err
	}
	return v.Div(v, sqrtA), nil
}

// Amount1Delta is the token1 amount backing liquidity over [sqrtA, sqrtB].
func Amount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return MulDivRoundingUp(liquidity, diff, Q96)
	}
	return MulDiv(liquidity, diff, Q96)
}

// AmountsForLiquidity splits liquidity over [sqrtA, sqrtB] into token amounts at price sqrtP.
func AmountsForLiquidity(sqrtP, sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, *uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	amount0 := new(uint256.Int)
	amount1 := new(uint256.Int)
	var err error
	switch {
	case !sqrtP.Gt(sqrtA):
		amount0, err = Amount0Delta(sqrtA, sqrtB, liquidity, roundUp)
	case sqrtP.Lt(sqrtB):
		amount0, err = Amount0Delta(sqrtP, sqrtB, liquidity, roundUp)
		if err == nil {
			amount1, err = Amount1Delta(sqrtA, sqrtP, liquidity, roundUp)
		}
	default:
		amount1, err = Amount1Delta(sqrtA, sqrtB, liquidity, roundUp)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}
