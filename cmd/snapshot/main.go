// Command snapshot runs one snapshot and prints the holdings of every
// portfolio as a table, or as JSON with -json.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/config"
	"github.com/brokkr/snapshot-engine/internal/app"
	"github.com/brokkr/snapshot-engine/internal/model"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	block := flag.Int64("block", 0, "block to snapshot (0 = chain head)")
	threshold := flag.String("threshold", "", "minimum USD value per holding (overrides config)")
	asJSON := flag.Bool("json", false, "print JSON instead of tables")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the run after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	app.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	svc, err := app.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	usd := svc.Threshold
	if *threshold != "" {
		usd, err = decimal.NewFromString(*threshold)
		if err != nil || usd.IsNegative() {
			slog.Error("invalid -threshold", "value", *threshold)
			os.Exit(1)
		}
	}

	snap, err := svc.Snapshots.Build(ctx, *block, usd)
	if err != nil {
		slog.Error("snapshot failed", "err", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			slog.Error("encode snapshot", "err", err)
			os.Exit(1)
		}
		return
	}
	printSnapshot(os.Stdout, snap)
}

func printSnapshot(out io.Writer, snap *model.Snapshot) {
	fmt.Fprintf(out, "snapshot %s at block %d (threshold $%s)\n\n", snap.RunID, snap.Block, snap.USDThreshold.StringFixed(2))

	for _, p := range snap.Portfolios {
		fmt.Fprintf(out, "%s  %s  TVL $%s  bluechip $%s\n",
			p.TokenName, p.Address, p.TVLUSD.StringFixed(2), p.Token1Price.StringFixed(2))

		table := tablewriter.NewWriter(out)
		table.Header("#", "User", "USD", "Waiting", "Converted")
		for i, h := range p.Holdings {
			table.Append(
				fmt.Sprintf("%d", i+1),
				h.UserAddress,
				h.USDEquivalent.StringFixed(2),
				h.Token0Amount.StringFixed(6),
				h.Token1Amount.StringFixed(8),
			)
		}
		table.Render()

		if p.Failed > 0 {
			fmt.Fprintf(out, "  %d users could not be valued (see logs)\n", p.Failed)
		}
		fmt.Fprintln(out)
	}
}
