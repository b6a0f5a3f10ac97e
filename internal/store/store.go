// Package store defines the persistence interface for the DCA ledger.
// Implementations include PostgreSQL (indexer database), SQLite (local runs),
// in-memory (for testing), and a Redis read-through cache over any of them.
package store

import (
	"context"
	"errors"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// ErrLedgerRead wraps every failure to read the ledger. Callers test for it
// with errors.Is.
var ErrLedgerRead = errors.New("store: ledger read failed")

// LedgerStore is the persistence interface. The snapshot engine only reads
// it. The Record* methods are the write seam for the chain indexer that fills
// the ledger. Nothing in this module writes outside of tests.
type LedgerStore interface {
	// --- Reads ---

	// InvestEvents returns every recorded investment outcome of a portfolio
	// keyed by period index.
	InvestEvents(ctx context.Context, portfolio string) (model.Ledger, error)

	// PortfolioUsers returns the distinct lowercase addresses that ever
	// operated on a portfolio, sorted.
	PortfolioUsers(ctx context.Context, portfolio string) ([]string, error)

	// --- Appends ---

	// RecordInvestEvent appends the outcome of one period. A period already
	// recorded for the portfolio is left untouched.
	RecordInvestEvent(ctx context.Context, ev model.InvestmentEvent) error

	// RecordOperation appends a user operation.
	RecordOperation(ctx context.Context, op model.Operation) error
}
