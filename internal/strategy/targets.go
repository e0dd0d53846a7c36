// Package strategy holds the externally supplied target positions the
// scheduler converges on once per cycle.
package strategy

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/automatetrade/execution-engine/internal/model"
)

// TargetBook collects desired share quantities per symbol. Later Set calls
// for a symbol overwrite earlier ones; Take drains the book.
type TargetBook struct {
	mu        sync.Mutex
	pending   map[string]int64
	updatedAt time.Time
}

func NewTargetBook() *TargetBook {
	return &TargetBook{pending: make(map[string]int64)}
}

// Set merges targets into the book. Quantities are absolute holdings; zero
// means close the position.
func (b *TargetBook) Set(targets map[string]int64) error {
	for sym, qty := range targets {
		if !model.ValidTicker(sym) {
			return model.NewValidationError(fmt.Sprintf("invalid symbol %q", sym))
		}
		if qty < 0 {
			return model.NewValidationError(fmt.Sprintf("target for %s must not be negative", sym))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	maps.Copy(b.pending, targets)
	b.updatedAt = time.Now().UTC()
	return nil
}

// Take returns and clears the pending targets.
func (b *TargetBook) Take(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make(map[string]int64)
	return out, nil
}

// Pending returns a copy of the targets not yet taken and when they were
// last updated.
func (b *TargetBook) Pending() (map[string]int64, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.pending), b.updatedAt
}
