package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// CachedStore wraps a primary LedgerStore with a Redis read-through cache.
// A snapshot reads the same portfolio ledger once per user, so a short TTL
// collapses those reads. Appends go to the primary store and invalidate the
// cache.
type CachedStore struct {
	primary LedgerStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary LedgerStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) InvestEvents(ctx context.Context, portfolio string) (model.Ledger, error) {
	portfolio = model.NormalizeAddress(portfolio)

	// Try cache.
	data, err := s.rdb.Get(ctx, eventsKey(portfolio)).Bytes()
	if err == nil {
		var events []model.InvestmentEvent
		if json.Unmarshal(data, &events) == nil {
			ledger := make(model.Ledger, len(events))
			for _, ev := range events {
				ledger[ev.PeriodIndex] = ev
			}
			return ledger, nil
		}
	}

	// Cache miss: read from primary.
	ledger, err := s.primary.InvestEvents(ctx, portfolio)
	if err != nil {
		return nil, err
	}

	// JSON object keys must be strings; store the ledger as a list.
	events := make([]model.InvestmentEvent, 0, len(ledger))
	for _, p := range ledger.Periods() {
		events = append(events, ledger[p])
	}
	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, eventsKey(portfolio), data, s.ttl)
	}
	return ledger, nil
}

func (s *CachedStore) PortfolioUsers(ctx context.Context, portfolio string) ([]string, error) {
	portfolio = model.NormalizeAddress(portfolio)

	data, err := s.rdb.Get(ctx, usersKey(portfolio)).Bytes()
	if err == nil {
		var users []string
		if json.Unmarshal(data, &users) == nil {
			return users, nil
		}
	}

	users, err := s.primary.PortfolioUsers(ctx, portfolio)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(users); err == nil {
		s.rdb.Set(ctx, usersKey(portfolio), data, s.ttl)
	}
	return users, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RecordInvestEvent(ctx context.Context, ev model.InvestmentEvent) error {
	if err := s.primary.RecordInvestEvent(ctx, ev); err != nil {
		return err
	}
	s.rdb.Del(ctx, eventsKey(model.NormalizeAddress(ev.PortfolioAddress)))
	return nil
}

func (s *CachedStore) RecordOperation(ctx context.Context, op model.Operation) error {
	if err := s.primary.RecordOperation(ctx, op); err != nil {
		return err
	}
	s.rdb.Del(ctx, usersKey(model.NormalizeAddress(op.PortfolioAddress)))
	return nil
}

func eventsKey(portfolio string) string { return fmt.Sprintf("ledger:%s:events", portfolio) }
func usersKey(portfolio string) string  { return fmt.Sprintf("ledger:%s:users", portfolio) }
