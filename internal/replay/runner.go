package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/lending"
	"tickLend/internal/model"
	"tickLend/internal/settle"
	"tickLend/internal/storage"
)

var (
	ErrUnknownOp    = errors.New("replay: unknown operation")
	ErrTimeTravel   = errors.New("replay: timestamp moves backwards")
	ErrInvalidInput = errors.New("replay: invalid input")
)

// RunConfig holds runtime settings for a replay.
type RunConfig struct {
	Ops          string
	BatchSize    int
	Start        uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Stats counts what a replay did with its input.
type Stats struct {
	Lines    uint64
	Applied  int
	Failed   int
	Replayed int
}

// Runner applies an operations file to a market backed by the simulator and an in-memory vault,
// writing one journal event per operation.
type Runner struct {
	cfg        RunConfig
	engine     *lending.Engine
	vault      *settle.Ledger
	applier    *Applier
	clock      *Clock
	journal    storage.Storage
	state      storage.StateStore
	checkpoint Checkpointer
	logger     *zap.Logger
}

// NewRunner builds a Runner and the engine it drives. journal is required; state and
// checkpoint may be nil.
func NewRunner(
	cfg RunConfig,
	market lending.Config,
	pool *amm.Simulator,
	journal storage.Storage,
	state storage.StateStore,
	checkpoint Checkpointer,
	logger *zap.Logger,
	opts ...lending.Option,
) (*Runner, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool simulator is nil")
	}
	if journal == nil {
		return nil, fmt.Errorf("storage is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	clock := NewClock(cfg.Start)
	vault := settle.NewLedger()
	opts = append(opts, lending.WithClock(clock.Now))
	engine, err := lending.NewEngine(market, pool, vault, logger.Named("engine"), opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &Runner{
		cfg:        cfg,
		engine:     engine,
		vault:      vault,
		applier:    NewApplier(engine, pool, vault),
		clock:      clock,
		journal:    journal,
		state:      state,
		checkpoint: checkpoint,
		logger:     logger,
	}, nil
}

func (r *Runner) Engine() *lending.Engine { return r.engine }

func (r *Runner) Vault() *settle.Ledger { return r.vault }

// Run executes the replay loop. Lines at or before the checkpoint are re-applied to rebuild
// state but not journaled again.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	var resumeAt uint64
	if r.checkpoint != nil {
		last, ok, err := r.checkpoint.Load(ctx)
		if err != nil {
			return stats, fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			resumeAt = last
			r.logger.Info("resume from checkpoint", zap.Uint64("last_line", last))
		}
	}
	if resumeAt == 0 {
		if t, ok := r.journal.(interface{ Truncate() error }); ok {
			if err := t.Truncate(); err != nil {
				return stats, err
			}
		}
	}

	input, err := os.Open(r.cfg.Ops)
	if err != nil {
		return stats, fmt.Errorf("open input: %w", err)
	}
	defer input.Close()

	scanner := bufio.NewScanner(input)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	batch := make([]model.Event, 0, r.cfg.BatchSize)
	var lineNo uint64
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		event := r.applyLine(ctx, lineNo, line)
		if lineNo <= resumeAt {
			stats.Replayed++
			continue
		}
		if event.Failed() {
			stats.Failed++
			r.logger.Warn("operation failed",
				zap.Uint64("line", lineNo),
				zap.String("op", event.Op),
				zap.String("error", event.Error),
			)
		} else {
			stats.Applied++
		}

		batch = append(batch, event)
		if len(batch) >= r.cfg.BatchSize {
			if err := r.flush(ctx, batch, lineNo); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("scan input: %w", err)
	}
	stats.Lines = lineNo

	if len(batch) > 0 {
		if err := r.flush(ctx, batch, lineNo); err != nil {
			return stats, err
		}
	}

	if err := r.engine.CheckInvariants(); err != nil {
		return stats, fmt.Errorf("ledger invariants: %w", err)
	}
	if err := r.engine.Reconcile(ctx); err != nil {
		return stats, fmt.Errorf("reconcile positions: %w", err)
	}

	if r.state != nil {
		snap := r.engine.Snapshot()
		err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, r.logger, "save snapshot", func(ctx context.Context) error {
			return r.state.Save(ctx, snap)
		})
		if err != nil {
			return stats, fmt.Errorf("save snapshot: %w", err)
		}
	}

	return stats, nil
}

func (r *Runner) flush(ctx context.Context, events []model.Event, lastLine uint64) error {
	if err := r.journal.PutEventBatch(events); err != nil {
		return fmt.Errorf("store events: %w", err)
	}
	if r.checkpoint != nil {
		err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, r.logger, "save checkpoint", func(ctx context.Context) error {
			return r.checkpoint.Save(ctx, lastLine)
		})
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	r.logger.Debug("batch stored", zap.Int("events", len(events)), zap.Uint64("last_line", lastLine))
	return nil
}

func (r *Runner) applyLine(ctx context.Context, lineNo uint64, line []byte) model.Event {
	var op model.Operation
	if err := json.Unmarshal(line, &op); err != nil {
		event := model.NewEvent("invalid", lineNo, r.clock.Unix())
		event.Error = fmt.Sprintf("parse operation: %v", err)
		return event
	}

	if op.Timestamp != "" {
		ts, err := parseTimestamp(op.Timestamp)
		if err == nil {
			err = r.clock.Advance(ts)
		}
		if err != nil {
			event := model.NewEvent(op.Op, lineNo, r.clock.Unix())
			event.Error = fmt.Sprintf("timestamp %q: %v", op.Timestamp, err)
			return event
		}
	}

	event := model.NewEvent(op.Op, lineNo, r.clock.Unix())
	event.Owner = op.Owner
	event.Tick = op.Tick
	event.TickBor = op.TickBor
	event.TickCol = op.TickCol

	result, err := r.applier.Apply(ctx, op)
	if err != nil {
		event.Error = err.Error()
		event.Result = map[string]string{"code": lending.Code(err)}
		return event
	}
	event.Result = result
	return event
}
