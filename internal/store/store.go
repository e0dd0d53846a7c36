// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// checkpoint file), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/automatetrade/execution-engine/internal/model"
)

// ErrNotFound is returned when a ledger or order record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The ledger and the order manager
// checkpoint through it after every mutation.
type Store interface {
	// --- Ledger checkpoints ---

	// SaveLedger replaces the persisted ledger state for state.AccountID.
	SaveLedger(ctx context.Context, state *model.LedgerState) error

	// LoadLedger returns the last checkpoint for an account, or ErrNotFound.
	LoadLedger(ctx context.Context, accountID string) (*model.LedgerState, error)

	// --- Order records ---

	// SaveOrder upserts an order record.
	SaveOrder(ctx context.Context, rec *model.OrderRecord) error

	// GetOrder retrieves an order record by its local ID, or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*model.OrderRecord, error)

	// ListOrders returns all order records, oldest first.
	ListOrders(ctx context.Context) ([]model.OrderRecord, error)
}
