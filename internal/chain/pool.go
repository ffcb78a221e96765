package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tickLend/internal/amm"
)

// Caller is the part of Client used for pool reads.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const poolViewABIJSON = `[
  {
    "inputs": [],
    "name": "fee",
    "outputs": [{"internalType": "uint24", "name": "", "type": "uint24"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "tickSpacing",
    "outputs": [{"internalType": "int24", "name": "", "type": "int24"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "liquidity",
    "outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "slot0",
    "outputs": [
      {"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
      {"internalType": "int24", "name": "tick", "type": "int24"},
      {"internalType": "uint16", "name": "observationIndex", "type": "uint16"},
      {"internalType": "uint16", "name": "observationCardinality", "type": "uint16"},
      {"internalType": "uint16", "name": "observationCardinalityNext", "type": "uint16"},
      {"internalType": "uint8", "name": "feeProtocol", "type": "uint8"},
      {"internalType": "bool", "name": "unlocked", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	poolViewABI     abi.ABI
	poolViewABIOnce sync.Once
	poolViewABIErr  error
)

// PoolABI returns the parsed view subset of the V3 pool ABI.
func PoolABI() (abi.ABI, error) {
	poolViewABIOnce.Do(func() {
		poolViewABI, poolViewABIErr = abi.JSON(strings.NewReader(poolViewABIJSON))
	})
	return poolViewABI, poolViewABIErr
}

// FetchPoolState reads tick, price, spacing and fee tier of a live pool at block, or at the
// latest block when block is nil.
func FetchPoolState(ctx context.Context, caller Caller, pool common.Address, block *big.Int) (amm.PoolState, error) {
	if caller == nil {
		return amm.PoolState{}, fmt.Errorf("chain client is nil")
	}
	poolABI, err := PoolABI()
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := callPoolMethod(ctx, caller, pool, poolABI, "slot0", block)
	if err != nil {
		return amm.PoolState{}, err
	}
	if len(values) < 2 {
		return amm.PoolState{}, fmt.Errorf("slot0: short result")
	}
	sqrt, err := asBigInt(values[0])
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("slot0 price: %w", err)
	}
	price, overflow := uint256.FromBig(sqrt)
	if overflow {
		return amm.PoolState{}, fmt.Errorf("slot0 price overflow: %s", sqrt)
	}
	tickInt, err := asBigInt(values[1])
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}

	values, err = callPoolMethod(ctx, caller, pool, poolABI, "tickSpacing", block)
	if err != nil {
		return amm.PoolState{}, err
	}
	spacingInt, err := asBigInt(values[0])
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("tick spacing: %w", err)
	}
	spacing, err := int24FromBig(spacingInt)
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("tick spacing: %w", err)
	}

	values, err = callPoolMethod(ctx, caller, pool, poolABI, "fee", block)
	if err != nil {
		return amm.PoolState{}, err
	}
	feeInt, err := asBigInt(values[0])
	if err != nil {
		return amm.PoolState{}, fmt.Errorf("fee: %w", err)
	}

	return amm.PoolState{
		Tick:         tick,
		SqrtPriceX96: price,
		TickSpacing:  spacing,
		Fee:          uint32(feeInt.Uint64()),
	}, nil
}

// ActiveLiquidity returns the pool's in-range liquidity at block.
func ActiveLiquidity(ctx context.Context, caller Caller, pool common.Address, block *big.Int) (*uint256.Int, error) {
	poolABI, err := PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := callPoolMethod(ctx, caller, pool, poolABI, "liquidity", block)
	if err != nil {
		return nil, err
	}
	liq, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	out, overflow := uint256.FromBig(liq)
	if overflow {
		return nil, fmt.Errorf("liquidity overflow: %s", liq)
	}
	return out, nil
}

func callPoolMethod(ctx context.Context, caller Caller, pool common.Address, poolABI abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := poolABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := poolABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
