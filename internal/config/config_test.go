package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func replayFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flags.String("ops", "", "")
	flags.String("out", "./data/events.jsonl", "")
	flags.Int32("tick-spacing", 10, "")
	flags.Uint64("rate-num", 5, "")
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return flags
}

func TestLoadReplayDefaults(t *testing.T) {
	cfg, err := LoadReplay("", replayFlags(t, "--ops", "ops.jsonl"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ops != "ops.jsonl" || cfg.Out != "./data/events.jsonl" {
		t.Fatalf("unexpected paths %q %q", cfg.Ops, cfg.Out)
	}
	if cfg.BatchSize != 100 || cfg.MaxRetries != 5 || cfg.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected batch/retry %d %d %s", cfg.BatchSize, cfg.MaxRetries, cfg.RetryBackoff)
	}
	m := cfg.Market
	if m.TickSpacing != 10 || m.Fee != 500 || m.Cooldown != time.Second {
		t.Fatalf("unexpected market %+v", m)
	}
	ec := m.Engine()
	if ec.Rate.Numerator != 5 || ec.Rate.Denominator != 100 {
		t.Fatalf("unexpected rate %+v", ec.Rate)
	}
	if ec.KeeperFee.Numerator != 1 || ec.KeeperFee.Denominator != 1000 {
		t.Fatalf("unexpected keeper fee %+v", ec.KeeperFee)
	}
}

func TestLoadReplayEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ticklend.yaml")
	content := "ops: from-file.jsonl\nfee: 3000\nstart: \"2023-11-14T22:13:20Z\"\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TICKLEND_KEEPER_FEE_DEN", "500")

	cfg, err := LoadReplay(cfgPath, replayFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ops != "from-file.jsonl" {
		t.Fatalf("unexpected ops %q", cfg.Ops)
	}
	if cfg.Market.Fee != 3000 {
		t.Fatalf("unexpected fee %d", cfg.Market.Fee)
	}
	if cfg.Market.KeeperFeeDen != 500 {
		t.Fatalf("unexpected keeper fee den %d", cfg.Market.KeeperFeeDen)
	}
	if cfg.Start != 1700000000 {
		t.Fatalf("unexpected start %d", cfg.Start)
	}
}

func TestLoadReplayValidation(t *testing.T) {
	if _, err := LoadReplay("", replayFlags(t)); err == nil {
		t.Fatalf("expected missing ops error")
	}
	if _, err := LoadReplay("", replayFlags(t, "--ops", "x", "--tick-spacing", "0")); err == nil {
		t.Fatalf("expected tick spacing error")
	}
	if _, err := LoadReplay("", replayFlags(t, "--ops", "x", "--rate-num", "0")); err == nil {
		t.Fatalf("expected rate error")
	}
}

func TestLoadInspectRequiresSource(t *testing.T) {
	flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	flags.String("state-file", "", "")
	if _, err := LoadInspect("", flags); err == nil {
		t.Fatalf("expected error")
	}
	if err := flags.Set("state-file", "state.json"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	cfg, err := LoadInspect("", flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateFile != "state.json" {
		t.Fatalf("unexpected state file %q", cfg.StateFile)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "1700000000", want: 1700000000},
		{in: " 42 ", want: 42},
		{in: "2023-11-14T22:13:20Z", want: 1700000000},
		{in: "yesterday", wantErr: true},
		{in: "1969-12-31T23:59:59Z", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %d want %d", tc.in, got, tc.want)
		}
	}
}
