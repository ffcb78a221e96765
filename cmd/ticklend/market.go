package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/chain"
	"tickLend/internal/config"
	"tickLend/internal/replay"
	"tickLend/internal/storage"
	"tickLend/internal/storage/postgres"
)

// newPool builds the simulator from the configured market, or from a live pool when an RPC
// URL and pool address are given.
func newPool(ctx context.Context, rpcURL, poolAddr string, market config.MarketConfig, logger *zap.Logger) (*amm.Simulator, error) {
	state := market.Pool()
	if rpcURL == "" || poolAddr == "" {
		return amm.NewSimulator(state)
	}
	if !common.IsHexAddress(poolAddr) {
		return nil, fmt.Errorf("invalid pool address: %s", poolAddr)
	}

	client, err := chain.NewClient(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	pool := common.HexToAddress(poolAddr)
	var (
		block  uint64
		active *uint256.Int
	)
	// reads are pinned to one block
	err = replay.Retry(ctx, 3, 500*time.Millisecond, logger, "fetch pool state", func(ctx context.Context) error {
		var err error
		if block, err = client.LatestBlockNumber(ctx); err != nil {
			return err
		}
		at := new(big.Int).SetUint64(block)
		if state, err = chain.FetchPoolState(ctx, client, pool, at); err != nil {
			return err
		}
		active, err = chain.ActiveLiquidity(ctx, client, pool, at)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pool state: %w", err)
	}
	logger.Info("pool seeded",
		zap.Stringer("chain_id", chainID),
		zap.Uint64("block", block),
		zap.String("pool", pool.Hex()),
		zap.Stringer("active_liquidity", active),
		zap.Int32("tick", state.Tick),
		zap.Int32("tick_spacing", state.TickSpacing),
		zap.Uint32("fee", state.Fee),
	)
	return amm.NewSimulator(state)
}

// openStateStore picks the snapshot store: a file when stateFile is set, else Postgres when
// a DSN is set. The returned close func is never nil.
func openStateStore(ctx context.Context, stateFile, dsn string) (storage.StateStore, *postgres.Store, func(), error) {
	if stateFile != "" {
		return &storage.FileStateStore{Path: stateFile}, nil, func() {}, nil
	}
	if dsn == "" {
		return nil, nil, func() {}, nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return &storage.DBStateStore{Store: store}, store, store.Close, nil
}
