package store

import (
	"context"
	"sort"
	"sync"

	"github.com/automatetrade/execution-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*model.LedgerState
	orders  map[string]*model.OrderRecord

	// saves counts SaveLedger/SaveOrder calls, for tests asserting checkpoints.
	saves int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string]*model.LedgerState),
		orders:  make(map[string]*model.OrderRecord),
	}
}

func (s *MemoryStore) SaveLedger(_ context.Context, state *model.LedgerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.ledgers[state.AccountID] = state.Clone()
	s.saves++
	return nil
}

func (s *MemoryStore) LoadLedger(_ context.Context, accountID string) (*model.LedgerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.ledgers[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, rec *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *rec
	s.orders[rec.ID] = &copy
	s.saves++
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *rec
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.OrderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		orders = append(orders, *rec)
	}
	sortOrders(orders)
	return orders, nil
}

// Saves reports how many checkpoints were written.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func sortOrders(orders []model.OrderRecord) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
