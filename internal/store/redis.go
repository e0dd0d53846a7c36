package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/automatetrade/execution-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (invalidate, then write to primary) ---

// SaveLedger drops the cached ledger before writing the primary. Nothing is
// written when the cache cannot be invalidated.
func (s *CachedStore) SaveLedger(ctx context.Context, st *model.LedgerState) error {
	if err := s.rdb.Del(ctx, ledgerKey(st.AccountID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached ledger: %w", err)
	}
	return s.primary.SaveLedger(ctx, st)
}

func (s *CachedStore) SaveOrder(ctx context.Context, rec *model.OrderRecord) error {
	if err := s.primary.SaveOrder(ctx, rec); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, orderKey(rec.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadLedger(ctx context.Context, accountID string) (*model.LedgerState, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(accountID)).Bytes()
	if err == nil {
		var st model.LedgerState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.LoadLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ledgerKey(accountID), st)
	return st, nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.OrderRecord, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var rec model.OrderRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, orderKey(id), rec)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context) ([]model.OrderRecord, error) {
	return s.primary.ListOrders(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func ledgerKey(account string) string { return fmt.Sprintf("ledger:%s", account) }
func orderKey(id string) string       { return fmt.Sprintf("order:%s", id) }
