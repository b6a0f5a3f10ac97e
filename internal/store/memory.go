package store

import (
	"context"
	"sort"
	"sync"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// MemoryStore implements LedgerStore with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]model.Ledger
	operations []model.Operation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]model.Ledger),
	}
}

func (s *MemoryStore) InvestEvents(_ context.Context, portfolio string) (model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[model.NormalizeAddress(portfolio)]
	// Return a copy to avoid external mutation.
	out := make(model.Ledger, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) PortfolioUsers(_ context.Context, portfolio string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	portfolio = model.NormalizeAddress(portfolio)
	seen := make(map[string]struct{})
	var users []string
	for _, op := range s.operations {
		if op.PortfolioAddress != portfolio {
			continue
		}
		if _, ok := seen[op.UserAddress]; ok {
			continue
		}
		seen[op.UserAddress] = struct{}{}
		users = append(users, op.UserAddress)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) RecordInvestEvent(_ context.Context, ev model.InvestmentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.PortfolioAddress = model.NormalizeAddress(ev.PortfolioAddress)
	ledger, ok := s.events[ev.PortfolioAddress]
	if !ok {
		ledger = make(model.Ledger)
		s.events[ev.PortfolioAddress] = ledger
	}
	if _, exists := ledger[ev.PeriodIndex]; !exists {
		ledger[ev.PeriodIndex] = ev
	}
	return nil
}

func (s *MemoryStore) RecordOperation(_ context.Context, op model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.PortfolioAddress = model.NormalizeAddress(op.PortfolioAddress)
	op.UserAddress = model.NormalizeAddress(op.UserAddress)
	s.operations = append(s.operations, op)
	return nil
}
