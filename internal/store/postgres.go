package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invest_events (
    portfolio_address TEXT        NOT NULL,
    period_index      BIGINT      NOT NULL,
    bluechip_price    NUMERIC     NOT NULL,
    block_number      BIGINT      NOT NULL,
    timestamp         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (portfolio_address, period_index)
);

CREATE TABLE IF NOT EXISTS dca_operations (
    id                BIGSERIAL   PRIMARY KEY,
    portfolio_address TEXT        NOT NULL,
    user_address      TEXT        NOT NULL,
    kind              TEXT        NOT NULL,
    block_number      BIGINT      NOT NULL,
    timestamp         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dca_operations_portfolio ON dca_operations (portfolio_address);
`

// PostgresStore implements LedgerStore on the indexer's PostgreSQL database.
// Prices are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InvestEvents(ctx context.Context, portfolio string) (model.Ledger, error) {
	portfolio = model.NormalizeAddress(portfolio)

	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_address, period_index, bluechip_price::TEXT, block_number, timestamp
		 FROM invest_events WHERE portfolio_address = $1`, portfolio)
	if err != nil {
		return nil, fmt.Errorf("%w: invest events of %s: %w", ErrLedgerRead, portfolio, err)
	}
	defer rows.Close()

	ledger := make(model.Ledger)
	for rows.Next() {
		var ev model.InvestmentEvent
		var price string
		if err := rows.Scan(&ev.PortfolioAddress, &ev.PeriodIndex, &price, &ev.BlockNumber, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan invest event: %w", ErrLedgerRead, err)
		}
		ev.BluechipPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("%w: period %d price %q: %w", ErrLedgerRead, ev.PeriodIndex, price, err)
		}
		ledger[ev.PeriodIndex] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: invest events of %s: %w", ErrLedgerRead, portfolio, err)
	}
	return ledger, nil
}

func (s *PostgresStore) PortfolioUsers(ctx context.Context, portfolio string) ([]string, error) {
	portfolio = model.NormalizeAddress(portfolio)

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT LOWER(user_address) AS user_address
		 FROM dca_operations WHERE portfolio_address = $1
		 ORDER BY user_address`, portfolio)
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

func (s *PostgresStore) RecordInvestEvent(ctx context.Context, ev model.InvestmentEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invest_events (portfolio_address, period_index, bluechip_price, block_number, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (portfolio_address, period_index) DO NOTHING`,
		model.NormalizeAddress(ev.PortfolioAddress), ev.PeriodIndex,
		ev.BluechipPrice.String(), ev.BlockNumber, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert invest event %d: %w", ev.PeriodIndex, err)
	}
	return nil
}

func (s *PostgresStore) RecordOperation(ctx context.Context, op model.Operation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dca_operations (portfolio_address, user_address, kind, block_number, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		model.NormalizeAddress(op.PortfolioAddress), model.NormalizeAddress(op.UserAddress),
		op.Kind, op.BlockNumber, op.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}
