package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// Prices are TEXT so decimals round-trip exactly; times are unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invest_events (
    portfolio_address TEXT    NOT NULL,
    period_index      INTEGER NOT NULL,
    bluechip_price    TEXT    NOT NULL,
    block_number      INTEGER NOT NULL,
    timestamp_ms      INTEGER NOT NULL,
    PRIMARY KEY (portfolio_address, period_index)
);

CREATE TABLE IF NOT EXISTS dca_operations (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_address TEXT    NOT NULL,
    user_address      TEXT    NOT NULL,
    kind              TEXT    NOT NULL,
    block_number      INTEGER NOT NULL,
    timestamp_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dca_operations_portfolio ON dca_operations(portfolio_address);
`

// SQLiteStore implements LedgerStore on a local SQLite file (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InvestEvents(ctx context.Context, portfolio string) (model.Ledger, error) {
	portfolio = model.NormalizeAddress(portfolio)

	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_address, period_index, bluechip_price, block_number, timestamp_ms
		 FROM invest_events WHERE portfolio_address = ?`, portfolio)
	if err != nil {
		return nil, fmt.Errorf("%w: invest events of %s: %w", ErrLedgerRead, portfolio, err)
	}
	defer rows.Close()

	ledger := make(model.Ledger)
	for rows.Next() {
		var ev model.InvestmentEvent
		var price string
		var tsMs int64
		if err := rows.Scan(&ev.PortfolioAddress, &ev.PeriodIndex, &price, &ev.BlockNumber, &tsMs); err != nil {
			return nil, fmt.Errorf("%w: scan invest event: %w", ErrLedgerRead, err)
		}
		ev.BluechipPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("%w: period %d price %q: %w", ErrLedgerRead, ev.PeriodIndex, price, err)
		}
		ev.Timestamp = time.UnixMilli(tsMs).UTC()
		ledger[ev.PeriodIndex] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: invest events of %s: %w", ErrLedgerRead, portfolio, err)
	}
	return ledger, nil
}

func (s *SQLiteStore) PortfolioUsers(ctx context.Context, portfolio string) ([]string, error) {
	portfolio = model.NormalizeAddress(portfolio)

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT LOWER(user_address) AS u
		 FROM dca_operations WHERE portfolio_address = ?
		 ORDER BY u`, portfolio)
	if err != nil {
		return nil, fmt.Errorf("%w: users of %s: %w", ErrLedgerRead, portfolio, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: scan user: %w", ErrLedgerRead, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: users of %s: %w", ErrLedgerRead, portfolio, err)
	}
	return users, nil
}

func (s *SQLiteStore) RecordInvestEvent(ctx context.Context, ev model.InvestmentEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO invest_events
		 (portfolio_address, period_index, bluechip_price, block_number, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		model.NormalizeAddress(ev.PortfolioAddress), ev.PeriodIndex,
		ev.BluechipPrice.String(), ev.BlockNumber, ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert invest event %d: %w", ev.PeriodIndex, err)
	}
	return nil
}

func (s *SQLiteStore) RecordOperation(ctx context.Context, op model.Operation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dca_operations (portfolio_address, user_address, kind, block_number, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		model.NormalizeAddress(op.PortfolioAddress), model.NormalizeAddress(op.UserAddress),
		op.Kind, op.BlockNumber, op.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}
