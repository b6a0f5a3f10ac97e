package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

func TestPrintSnapshot(t *testing.T) {
	snap := &model.Snapshot{
		RunID:        "run-1",
		Block:        19_000_000,
		USDThreshold: decimal.NewFromInt(100),
		Portfolios: []model.PortfolioSnapshot{{
			Address:     "0xbtc",
			TokenName:   "DCA bitcoin",
			TVLUSD:      decimal.RequireFromString("30999"),
			Token1Price: decimal.NewFromInt(60000),
			Failed:      2,
			Holdings: []model.HoldingData{{
				UserAddress:   "0xaaa",
				USDEquivalent: decimal.NewFromInt(150),
				Token0Amount:  decimal.NewFromInt(75),
				Token1Amount:  decimal.RequireFromString("0.00125"),
			}},
		}},
	}

	var buf bytes.Buffer
	printSnapshot(&buf, snap)
	out := buf.String()

	for _, want := range []string{
		"snapshot run-1 at block 19000000",
		"TVL $30999.00",
		"0xaaa",
		"150.00",
		"0.00125000",
		"2 users could not be valued",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
