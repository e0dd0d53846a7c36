// Package ledger is the authoritative record of cash, positions and P&L.
//
// A single goroutine (Run) owns the mutable state. Every mutation is sent to
// it as a closure, applied to a private copy, checkpointed to the store and
// only then published. Readers see the last published state through an
// atomic pointer and never block the writer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
	"github.com/automatetrade/execution-engine/internal/risk"
	"github.com/automatetrade/execution-engine/internal/store"
)

// ErrStopped is returned for requests made after Run has returned.
var ErrStopped = errors.New("ledger: stopped")

// Config holds the ledger settings.
type Config struct {
	AccountID   string
	InitialCash decimal.Decimal
	Policy      model.RiskPolicy
	// Staleness is the maximum tick age accepted by Snapshot. Zero disables
	// the age check (a missing price is still stale).
	Staleness time.Duration
	// FillRetention bounds how long applied fill keys are remembered.
	FillRetention time.Duration
}

// mutation edits st in place. It reports whether anything changed; an
// unchanged state is neither checkpointed nor republished.
type mutation func(st *model.LedgerState, now time.Time) (changed bool, err error)

type request struct {
	ctx   context.Context
	op    string
	fn    mutation
	reply chan error
}

// Ledger is the portfolio ledger actor.
type Ledger struct {
	cfg    Config
	store  store.Store
	policy atomic.Pointer[model.RiskPolicy]
	view   atomic.Pointer[model.LedgerState]
	now    func() time.Time

	reqs     chan request
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a ledger. Call Restore before Run.
func New(cfg Config, st store.Store) *Ledger {
	if cfg.FillRetention <= 0 {
		cfg.FillRetention = 30 * 24 * time.Hour
	}
	l := &Ledger{
		cfg:   cfg,
		store: st,
		now:   time.Now,
		reqs:  make(chan request),
		done:  make(chan struct{}),
	}
	policy := cfg.Policy
	l.policy.Store(&policy)
	l.view.Store(emptyState(cfg.AccountID, cfg.InitialCash))
	return l
}

func emptyState(account string, cash decimal.Decimal) *model.LedgerState {
	return &model.LedgerState{
		AccountID:     account,
		Cash:          cash,
		Positions:     make(map[string]model.Position),
		CashHolds:     make(map[string]decimal.Decimal),
		PositionHolds: make(map[string]model.PositionHold),
		AppliedFills:  make(map[string]time.Time),
	}
}

// Restore loads the last checkpoint. With no checkpoint the ledger starts
// from the configured initial cash, which is saved immediately.
func (l *Ledger) Restore(ctx context.Context) error {
	st, err := l.store.LoadLedger(ctx, l.cfg.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		st = emptyState(l.cfg.AccountID, l.cfg.InitialCash)
		st.UpdatedAt = l.now().UTC()
		if err := l.store.SaveLedger(ctx, st); err != nil {
			return fmt.Errorf("save initial ledger: %w", err)
		}
		slog.Info("ledger initialized", "account", st.AccountID, "cash", st.Cash.String())
	} else if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	} else {
		st = st.Clone() // normalizes nil maps
		slog.Info("ledger restored",
			"account", st.AccountID,
			"cash", st.Cash.String(),
			"positions", len(st.Positions),
			"holds", len(st.CashHolds)+len(st.PositionHolds),
		)
	}
	l.publish(st)
	return nil
}

// Run serves mutations until ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-l.reqs:
			req.reply <- l.apply(req)
		}
	}
}

func (l *Ledger) apply(req request) error {
	now := l.now().UTC()
	next := l.view.Load().Clone()
	changed, err := req.fn(next, now)
	if err != nil || !changed {
		return err
	}
	next.UpdatedAt = now
	if err := l.store.SaveLedger(req.ctx, next); err != nil {
		slog.Error("ledger checkpoint failed", "op", req.op, "err", err)
		return fmt.Errorf("ledger checkpoint: %w", err)
	}
	l.publish(next)
	return nil
}

func (l *Ledger) publish(st *model.LedgerState) {
	l.view.Store(st)
	metrics.LedgerCash.Set(st.Cash.InexactFloat64())
	metrics.LedgerReservedCash.Set(reserved(st).InexactFloat64())
}

// do sends fn to the actor and waits for its result. Once accepted, a
// mutation always completes, so the reply is awaited even if ctx ends.
func (l *Ledger) do(ctx context.Context, op string, fn mutation) error {
	req := request{ctx: context.WithoutCancel(ctx), op: op, fn: fn, reply: make(chan error, 1)}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
	return <-req.reply
}

// SetPolicy replaces the risk policy used to maintain stops.
func (l *Ledger) SetPolicy(p model.RiskPolicy) {
	l.policy.Store(&p)
}

// Policy returns the current risk policy.
func (l *Ledger) Policy() model.RiskPolicy {
	return *l.policy.Load()
}

// ApplyFill commits one execution report for the local order orderID.
// Idempotent by fill key: a duplicate returns the current position and no
// error. The returned position has zero quantity when the fill closed it.
func (l *Ledger) ApplyFill(ctx context.Context, orderID string, f model.Fill) (model.Position, error) {
	if f.Quantity <= 0 || !f.Price.IsPositive() {
		return model.Position{}, model.NewValidationError(fmt.Sprintf("fill %s has invalid quantity or price", f.Key()))
	}
	var out model.Position
	policy := l.Policy()
	err := l.do(ctx, "apply_fill", func(st *model.LedgerState, now time.Time) (bool, error) {
		key := f.Key()
		if _, seen := st.AppliedFills[key]; seen {
			out = st.Positions[f.Symbol].Clone()
			return false, nil
		}

		switch f.Side {
		case model.SideBuy:
			cost := f.Cost()
			if cost.GreaterThan(st.Cash) {
				return false, &model.ReconciliationFault{Symbol: f.Symbol, OrderID: orderID,
					Msg: fmt.Sprintf("buy fill %s costs %s but cash is %s", key, cost, st.Cash)}
			}
			st.Cash = st.Cash.Sub(cost)
			consumeCashHold(st, orderID, cost)

			pos, ok := st.Positions[f.Symbol]
			if !ok {
				hwm := f.Price
				pos = model.Position{
					Symbol:        f.Symbol,
					AvgEntryPrice: f.Price,
					HighWaterMark: &hwm,
					EntryTime:     fillTime(f, now),
				}
			} else {
				total := pos.CostBasis().Add(cost)
				pos.AvgEntryPrice = total.Div(decimal.NewFromInt(pos.Quantity + f.Quantity))
			}
			pos.Quantity += f.Quantity
			stop := risk.ComputeStopPrice(pos, policy)
			pos.StopPrice = &stop
			st.Positions[f.Symbol] = pos
			out = pos.Clone()

		case model.SideSell:
			pos, ok := st.Positions[f.Symbol]
			if !ok || pos.Quantity < f.Quantity {
				return false, &model.ReconciliationFault{Symbol: f.Symbol, OrderID: orderID,
					Msg: fmt.Sprintf("sell fill %s for %d exceeds held %d", key, f.Quantity, pos.Quantity)}
			}
			proceeds := f.Cost()
			pnl := f.Price.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(f.Quantity))
			st.Cash = st.Cash.Add(proceeds)
			st.RealizedPnL = st.RealizedPnL.Add(pnl)
			consumePositionHold(st, orderID, f.Quantity)

			pos.Quantity -= f.Quantity
			if pos.Quantity == 0 {
				delete(st.Positions, f.Symbol)
				out = model.Position{Symbol: f.Symbol}
			} else {
				st.Positions[f.Symbol] = pos
				out = pos.Clone()
			}

		default:
			return false, model.NewValidationError("fill side must be BUY or SELL")
		}

		st.AppliedFills[key] = now
		pruneFills(st, now.Add(-l.cfg.FillRetention))
		return true, nil
	})
	if err != nil {
		return model.Position{}, err
	}
	slog.Info("fill applied",
		"order_id", orderID,
		"fill", f.Key(),
		"symbol", f.Symbol,
		"side", f.Side,
		"qty", f.Quantity,
		"price", f.Price.String(),
	)
	return out, nil
}

// ReserveCash places an exclusive hold of amount for a pending buy. Reserving
// again for the same order is a no-op.
func (l *Ledger) ReserveCash(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewValidationError("reservation amount must be positive")
	}
	return l.do(ctx, "reserve_cash", func(st *model.LedgerState, _ time.Time) (bool, error) {
		if _, ok := st.CashHolds[orderID]; ok {
			return false, nil
		}
		if amount.GreaterThan(st.Cash.Sub(reserved(st))) {
			return false, model.Invalid(model.ErrInsufficientCash)
		}
		st.CashHolds[orderID] = amount
		return true, nil
	})
}

// ReservePosition holds qty shares of symbol for a pending sell. Reserving
// again for the same order is a no-op.
func (l *Ledger) ReservePosition(ctx context.Context, orderID, symbol string, qty int64) error {
	if qty <= 0 {
		return model.NewValidationError("reservation quantity must be positive")
	}
	return l.do(ctx, "reserve_position", func(st *model.LedgerState, _ time.Time) (bool, error) {
		if _, ok := st.PositionHolds[orderID]; ok {
			return false, nil
		}
		if qty > st.Positions[symbol].Quantity-heldQty(st, symbol) {
			return false, model.Invalid(model.ErrInsufficientPosition)
		}
		st.PositionHolds[orderID] = model.PositionHold{Symbol: symbol, Quantity: qty}
		return true, nil
	})
}

// Release drops any cash or position hold of orderID.
func (l *Ledger) Release(ctx context.Context, orderID string) error {
	return l.do(ctx, "release", func(st *model.LedgerState, _ time.Time) (bool, error) {
		_, hasCash := st.CashHolds[orderID]
		_, hasPos := st.PositionHolds[orderID]
		delete(st.CashHolds, orderID)
		delete(st.PositionHolds, orderID)
		return hasCash || hasPos, nil
	})
}

// MarkPrice raises the high-water mark of a held symbol and tightens its
// stop. It returns the position and whether one is held.
func (l *Ledger) MarkPrice(ctx context.Context, symbol string, price decimal.Decimal) (model.Position, bool, error) {
	cur, ok := l.Position(symbol)
	if !ok {
		return model.Position{}, false, nil
	}
	if cur.HighWaterMark != nil && !price.GreaterThan(*cur.HighWaterMark) {
		return cur, true, nil
	}

	var out model.Position
	var held bool
	policy := l.Policy()
	err := l.do(ctx, "mark_price", func(st *model.LedgerState, _ time.Time) (bool, error) {
		pos, ok := st.Positions[symbol]
		if !ok {
			return false, nil
		}
		held = true
		if pos.HighWaterMark != nil && !price.GreaterThan(*pos.HighWaterMark) {
			out = pos.Clone()
			return false, nil
		}
		hwm := price
		pos.HighWaterMark = &hwm
		stop := risk.ComputeStopPrice(pos, policy)
		pos.StopPrice = &stop
		st.Positions[symbol] = pos
		out = pos.Clone()
		return true, nil
	})
	return out, held, err
}

// Position returns a copy of the position in symbol.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	p, ok := l.view.Load().Positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return p.Clone(), true
}

// Positions returns a copy of all positions.
func (l *Ledger) Positions() map[string]model.Position {
	st := l.view.Load()
	out := make(map[string]model.Position, len(st.Positions))
	for k, p := range st.Positions {
		out[k] = p.Clone()
	}
	return out
}

// Symbols returns the held symbols.
func (l *Ledger) Symbols() []string {
	st := l.view.Load()
	out := make([]string, 0, len(st.Positions))
	for sym := range st.Positions {
		out = append(out, sym)
	}
	return out
}

// Cash returns settled cash.
func (l *Ledger) Cash() decimal.Decimal { return l.view.Load().Cash }

// AvailableCash returns cash not held by pending buys.
func (l *Ledger) AvailableCash() decimal.Decimal {
	st := l.view.Load()
	return st.Cash.Sub(reserved(st))
}

// RealizedPnL returns cumulative realized profit and loss.
func (l *Ledger) RealizedPnL() decimal.Decimal { return l.view.Load().RealizedPnL }

// State returns a copy of the full ledger state.
func (l *Ledger) State() *model.LedgerState { return l.view.Load().Clone() }

func reserved(st *model.LedgerState) decimal.Decimal {
	total := decimal.Zero
	for _, amt := range st.CashHolds {
		total = total.Add(amt)
	}
	return total
}

func heldQty(st *model.LedgerState, symbol string) int64 {
	var n int64
	for _, h := range st.PositionHolds {
		if h.Symbol == symbol {
			n += h.Quantity
		}
	}
	return n
}

func consumeCashHold(st *model.LedgerState, orderID string, amount decimal.Decimal) {
	hold, ok := st.CashHolds[orderID]
	if !ok {
		return
	}
	if rest := hold.Sub(amount); rest.IsPositive() {
		st.CashHolds[orderID] = rest
	} else {
		delete(st.CashHolds, orderID)
	}
}

func consumePositionHold(st *model.LedgerState, orderID string, qty int64) {
	hold, ok := st.PositionHolds[orderID]
	if !ok {
		return
	}
	if hold.Quantity > qty {
		hold.Quantity -= qty
		st.PositionHolds[orderID] = hold
	} else {
		delete(st.PositionHolds, orderID)
	}
}

func pruneFills(st *model.LedgerState, before time.Time) {
	for k, at := range st.AppliedFills {
		if at.Before(before) {
			delete(st.AppliedFills, k)
		}
	}
}

func fillTime(f model.Fill, now time.Time) time.Time {
	if f.Timestamp.IsZero() {
		return now
	}
	return f.Timestamp.UTC()
}
