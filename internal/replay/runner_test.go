package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/lending"
	"tickLend/internal/model"
	"tickLend/internal/storage"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
)

var scenario = []string{
	`{"op":"mint","timestamp":"1700000000","owner":"` + alice + `","amount_a":"2000000000000000000","amount_b":"2000000000000000000"}`,
	`{"op":"mint","owner":"` + bob + `","amount_a":"10000000","amount_b":"10000000"}`,
	`{"op":"provide","owner":"` + alice + `","tick":-20,"amount_a":"1000000000000000000","amount_b":"1000000000000000000"}`,
	``,
	`{"op":"withdraw","owner":"` + alice + `","tick":-20}`,
	`not json`,
	`{"op":"price","timestamp":"1700000001","tick":0}`,
	`{"op":"open","owner":"` + bob + `","tick_bor":-20,"tick_col":10,"liquidity":"10000000000","col_a":"5003502","interest":"10000"}`,
	`{"op":"close","owner":"` + bob + `","tick_bor":-20,"tick_col":10,"liquidity":"10000000000"}`,
	`{"op":"teleport"}`,
	`{"op":"price","timestamp":"1600000000","tick":0}`,
}

type harness struct {
	ops        string
	journal    string
	state      *storage.FileStateStore
	checkpoint *CheckpointStore
}

func newHarness(t *testing.T, lines []string) *harness {
	t.Helper()
	dir := t.TempDir()
	ops := filepath.Join(dir, "ops.jsonl")
	if err := os.WriteFile(ops, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write ops: %v", err)
	}
	return &harness{
		ops:        ops,
		journal:    filepath.Join(dir, "events.jsonl"),
		state:      &storage.FileStateStore{Path: filepath.Join(dir, "state.json")},
		checkpoint: NewCheckpointStore(filepath.Join(dir, "checkpoint.json"), true),
	}
}

func (h *harness) runner(t *testing.T, batch int) *Runner {
	t.Helper()
	pool, err := amm.NewSimulator(amm.PoolState{Tick: 0, TickSpacing: 10, Fee: 500})
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	r, err := NewRunner(
		RunConfig{Ops: h.ops, BatchSize: batch, RetryBackoff: time.Millisecond},
		lending.DefaultConfig(),
		pool,
		storage.NewJsonlStorage(h.journal),
		h.state,
		h.checkpoint,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return r
}

func readJournal(t *testing.T, path string) []model.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var out []model.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev model.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestRunnerReplaysScenario(t *testing.T) {
	h := newHarness(t, scenario)
	r := h.runner(t, 3)

	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Lines != 11 || stats.Applied != 6 || stats.Failed != 4 || stats.Replayed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	events := readJournal(t, h.journal)
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	byLine := make(map[uint64]model.Event, len(events))
	for _, ev := range events {
		byLine[ev.Line] = ev
	}
	if got := byLine[3].Result["shares"]; got != "2001600540098009960516" {
		t.Fatalf("unexpected shares %q", got)
	}
	if got := byLine[5].Result["code"]; got != "no_withdrawal_pending" {
		t.Fatalf("unexpected withdraw code %q", got)
	}
	if byLine[6].Op != "invalid" || !byLine[6].Failed() {
		t.Fatalf("expected invalid line event, got %+v", byLine[6])
	}
	open := byLine[8]
	if open.Failed() || open.Result["liquidity_col"] != "10015012305" || open.Result["start"] != "1700000001" {
		t.Fatalf("unexpected open event %+v", open)
	}
	if open.Timestamp != 1700000001 {
		t.Fatalf("unexpected open timestamp %d", open.Timestamp)
	}
	closeEv := byLine[9]
	if closeEv.Failed() || closeEv.Result["full"] != "true" || closeEv.Result["collateral_a"] != "5003501" {
		t.Fatalf("unexpected close event %+v", closeEv)
	}
	if !strings.Contains(byLine[10].Error, "unknown operation") {
		t.Fatalf("unexpected error %q", byLine[10].Error)
	}
	if !strings.Contains(byLine[11].Error, "backwards") {
		t.Fatalf("unexpected error %q", byLine[11].Error)
	}

	balA, balB := r.Vault().Balance(mustOwner(t, bob))
	if balA.Uint64() != 9_999_999 || balB.Uint64() != 9_999_999 {
		t.Fatalf("unexpected bob balance %s/%s", balA.Dec(), balB.Dec())
	}

	snap, ok, err := h.state.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load state: ok=%v err=%v", ok, err)
	}
	if len(snap.Buckets) != 1 || len(snap.Lenders) != 1 || len(snap.Loans) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.TakenAt != 1700000001 {
		t.Fatalf("unexpected snapshot time %d", snap.TakenAt)
	}

	last, ok, err := h.checkpoint.Load(context.Background())
	if err != nil || !ok || last != 11 {
		t.Fatalf("unexpected checkpoint %d ok=%v err=%v", last, ok, err)
	}
}

func TestRunnerResumeDoesNotDuplicateEvents(t *testing.T) {
	h := newHarness(t, scenario[:3])
	if _, err := h.runner(t, 10).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := os.WriteFile(h.ops, []byte(strings.Join(scenario[:9], "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("extend ops: %v", err)
	}

	r := h.runner(t, 10)
	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Replayed != 3 || stats.Applied != 3 || stats.Failed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	events := readJournal(t, h.journal)
	if len(events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(events))
	}
	for i, ev := range events {
		if i > 0 && ev.Line <= events[i-1].Line {
			t.Fatalf("journal out of order at %d", i)
		}
	}
	if _, ok := r.Engine().Lender(-20, mustOwner(t, alice)); !ok {
		t.Fatalf("expected rebuilt lender position")
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("amount", "")
	if err != nil || !v.IsZero() {
		t.Fatalf("empty amount: %v %v", v, err)
	}
	v, err = ParseAmount("amount", "0x10")
	if err != nil || v.Uint64() != 16 {
		t.Fatalf("hex amount: %v %v", v, err)
	}
	if _, err := ParseAmount("amount", "12ab"); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
	if _, err := ParseOwner("0x123"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestClockRejectsTimeTravel(t *testing.T) {
	c := NewClock(100)
	if err := c.Advance(99); !errors.Is(err, ErrTimeTravel) {
		t.Fatalf("expected ErrTimeTravel, got %v", err)
	}
	if err := c.Advance(150); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.Now().Unix() != 150 {
		t.Fatalf("unexpected now %d", c.Now().Unix())
	}
}

func mustOwner(t *testing.T, s string) common.Address {
	t.Helper()
	owner, err := ParseOwner(s)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	return owner
}
