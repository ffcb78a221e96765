package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"tickLend/internal/config"
	"tickLend/internal/interest"
	"tickLend/internal/replay"
)

func runQuote(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuote(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	principal, err := replay.ParseAmount("principal", cfg.Principal)
	if err != nil {
		return err
	}
	rate := cfg.Market.Rate()
	out := map[string]string{
		"principal": principal.Dec(),
		"rate":      rate.String(),
	}

	switch {
	case cfg.Interest != "":
		deposit, err := replay.ParseAmount("interest", cfg.Interest)
		if err != nil {
			return err
		}
		secs, err := interest.DurationFor(principal, rate, deposit)
		if err != nil {
			return err
		}
		out["interest"] = deposit.Dec()
		out["duration_seconds"] = strconv.FormatUint(secs, 10)
		if cfg.Start != 0 {
			end, err := interest.LoanEnd(cfg.Start, principal, deposit, rate)
			if err != nil {
				return err
			}
			out["end"] = strconv.FormatUint(end, 10)
		}
	case cfg.End != 0:
		amount, err := interest.Between(principal, rate, cfg.Start, cfg.End)
		if err != nil {
			return err
		}
		out["interest"] = amount.Dec()
		out["duration_seconds"] = strconv.FormatUint(cfg.End-cfg.Start, 10)
	case cfg.Duration > 0:
		secs := uint64(cfg.Duration.Seconds())
		amount, err := interest.ForDuration(principal, rate, secs)
		if err != nil {
			return err
		}
		out["interest"] = amount.Dec()
		out["duration_seconds"] = strconv.FormatUint(secs, 10)
	default:
		return fmt.Errorf("one of --interest, --end or --duration is required")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
