// Package dca reconciles DCA positions against the portfolio's history of
// scheduled purchases and values them in USD.
//
// Every period of a position either converted its slice of deposit into the
// bluechip asset or failed; a failed slice is carried over to the next
// successful period. Processing is strictly in ascending period order because
// carryover state is sequential.
//
// All monetary values use shopspring/decimal, never float64.
package dca

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// ErrInvalidPosition is returned for a position whose split count is not
// positive. Callers skip the position and keep processing its siblings.
var ErrInvalidPosition = errors.New("dca: invalid position")

// DivisionScale is the number of decimal places kept when dividing deposits
// into per-period slices and slices into bluechip units.
const DivisionScale int32 = 24

// ReconciliationIndex returns the period up to which ledger outcomes are
// folded into a valuation: the greatest recorded period not beyond the
// on-chain pointer. A non-positive pointer, or a ledger with no qualifying
// period, reconciles nothing.
func ReconciliationIndex(ledger model.Ledger, pointer int64) int64 {
	if pointer <= 0 {
		return 0
	}
	var idx int64
	for p := range ledger {
		if p <= pointer && p > idx {
			idx = p
		}
	}
	return idx
}

// Valuate splits a single position into capital still waiting and bluechip
// already bought, using ledger outcomes for periods up to reconciled.
func Valuate(pos model.Position, ledger model.Ledger, reconciled int64) (model.ValuationResult, error) {
	if pos.AmountSplit <= 0 {
		return model.ValuationResult{}, fmt.Errorf("%w: amount split %d", ErrInvalidPosition, pos.AmountSplit)
	}

	split := decimal.NewFromInt(pos.AmountSplit)
	perPeriod := pos.DepositAmount.DivRound(split, DivisionScale)

	remainingSlots := pos.InvestedAtHistoricalIndex + pos.AmountSplit - reconciled
	notYetInvested := decimal.Zero
	if remainingSlots > 0 {
		notYetInvested = decimal.NewFromInt(remainingSlots).Mul(perPeriod)
	}

	converted := decimal.Zero
	deployed := decimal.Zero
	carryover := decimal.Zero
	var seen int64

	// The guard counts elapsed slots, not successful ones: once the split
	// window has elapsed, the loop only continues while carryover is pending.
	for period := pos.InvestedAtHistoricalIndex + 1; period <= reconciled; period++ {
		if seen >= pos.AmountSplit && carryover.LessThanOrEqual(decimal.Zero) {
			break
		}

		if ev, ok := ledger[period]; ok && ev.Succeeded() {
			spend := perPeriod.Add(carryover)
			converted = converted.Add(spend.DivRound(ev.BluechipPrice, DivisionScale))
			deployed = deployed.Add(spend)
			carryover = decimal.Zero
		} else {
			carryover = carryover.Add(perPeriod)
		}

		seen++
	}

	return model.ValuationResult{
		NotYetInvested: notYetInvested.Add(carryover),
		Converted:      converted,
		Deployed:       deployed,
	}, nil
}

// ValuateUser sums the valuations of all of a user's positions. Invalid
// positions are skipped and reported through the joined error while the
// remaining positions still contribute to the result.
func ValuateUser(positions []model.Position, ledger model.Ledger, reconciled int64) (model.ValuationResult, error) {
	total := model.ValuationResult{
		NotYetInvested: decimal.Zero,
		Converted:      decimal.Zero,
		Deployed:       decimal.Zero,
	}

	var errs []error
	for i, pos := range positions {
		res, err := Valuate(pos, ledger, reconciled)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", i, err))
			total.Skipped++
			continue
		}
		total = total.Add(res)
	}

	return total, errors.Join(errs...)
}

// USDValue prices a valuation: waiting capital counts 1:1, converted units
// at the bluechip price.
func USDValue(res model.ValuationResult, bluechipPrice decimal.Decimal) decimal.Decimal {
	return res.NotYetInvested.Add(res.Converted.Mul(bluechipPrice))
}
