// Package order runs the order lifecycle state machine: it turns intents
// into broker orders, reserves cash or shares for them, and reconciles broker
// acknowledgments and fills against local records.
//
//	Created → Submitted → {Accepted, Rejected}
//	Accepted → PartiallyFilled → … → Filled
//	non-terminal → Cancelled (broker confirmed) | Expired (no response)
//
// Terminal states are Filled, Cancelled, Expired and Rejected. A record never
// leaves a terminal state.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/gateway"
	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
	"github.com/automatetrade/execution-engine/internal/store"
)

// Ledger is the subset of the portfolio ledger the manager drives.
type Ledger interface {
	ReserveCash(ctx context.Context, orderID string, amount decimal.Decimal) error
	ReservePosition(ctx context.Context, orderID, symbol string, qty int64) error
	Release(ctx context.Context, orderID string) error
	ApplyFill(ctx context.Context, orderID string, f model.Fill) (model.Position, error)
}

// PriceSource supplies reference prices for market order reservations.
type PriceSource interface {
	Latest(symbol string) (model.Tick, bool)
}

// Config holds the lifecycle settings.
type Config struct {
	// MaxSubmitAttempts bounds placeOrder and cancelOrder calls per order.
	MaxSubmitAttempts int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	// CallTimeout bounds each gateway call.
	CallTimeout time.Duration
	// AckTimeout is how long a Submitted order (or a requested cancel) may
	// wait for the broker before the order is expired and its symbol faulted.
	AckTimeout time.Duration
	// MarketBuffer pads the reference price of market buys when reserving cash.
	MarketBuffer decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts: 4,
		BackoffMin:        200 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		CallTimeout:       5 * time.Second,
		AckTimeout:        30 * time.Second,
		MarketBuffer:      decimal.NewFromFloat(0.01),
	}
}

// Listener observes every record change. It is called with the manager
// locked and must not block or call back into the Manager.
type Listener func(rec model.OrderRecord)

// Manager is the single writer of order records.
type Manager struct {
	cfg    Config
	gw     gateway.Gateway
	ledger Ledger
	prices PriceSource
	store  store.Store
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	orders       map[string]*model.OrderRecord
	byBroker     map[string]string
	openBySymbol map[string]string
	faults       map[string]*model.ReconciliationFault
	pendingFills map[string]map[int64]model.Fill
	parked       map[string][]model.OrderEvent
	replacements map[string]model.OrderIntent
	listeners    []Listener
}

// NewManager creates a manager.
func NewManager(cfg Config, gw gateway.Gateway, ledger Ledger, prices PriceSource, st store.Store) *Manager {
	if cfg.MaxSubmitAttempts < 1 {
		cfg.MaxSubmitAttempts = 1
	}
	return &Manager{
		cfg:          cfg,
		gw:           gw,
		ledger:       ledger,
		prices:       prices,
		store:        st,
		now:          time.Now,
		sleep:        sleepCtx,
		orders:       make(map[string]*model.OrderRecord),
		byBroker:     make(map[string]string),
		openBySymbol: make(map[string]string),
		faults:       make(map[string]*model.ReconciliationFault),
		pendingFills: make(map[string]map[int64]model.Fill),
		parked:       make(map[string][]model.OrderEvent),
		replacements: make(map[string]model.OrderIntent),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewIntent builds an intent with a fresh ID.
func NewIntent(symbol string, side model.Side, qty int64, kind model.OrderKind, reason model.Reason) model.OrderIntent {
	return model.OrderIntent{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// OnChange registers a listener for record changes.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Restore reloads records from the store. Open and unreconciled records
// fault their symbols, so nothing new is sent for them until Reconcile
// has queried the broker.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		r := recs[i]
		m.orders[r.ID] = &r
		if r.BrokerOrderID != "" {
			m.byBroker[r.BrokerOrderID] = r.ID
		}
		if r.Open() {
			m.openBySymbol[r.Symbol()] = r.ID
			r.Unreconciled = true
		}
		if r.Unreconciled {
			m.markFault(r.Symbol(), r.ID, "restored without confirmed broker state")
		}
	}
	slog.Info("orders restored", "records", len(recs), "open", len(m.openBySymbol), "faulted", len(m.faults))
	return nil
}

// Submit validates intent, reserves cash or shares, and dispatches it to the
// gateway, retrying transient failures with bounded backoff. Submitting an
// intent ID that already exists returns the existing record.
func (m *Manager) Submit(ctx context.Context, intent model.OrderIntent) (model.OrderRecord, error) {
	if err := intent.Validate(); err != nil {
		return model.OrderRecord{}, err
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = m.now().UTC()
	}

	rec, fresh, err := m.admit(ctx, intent)
	if err != nil || !fresh {
		return rec, err
	}
	slog.Info("order submitted",
		"order_id", rec.ID,
		"symbol", intent.Symbol,
		"side", intent.Side,
		"qty", intent.Quantity,
		"kind", intent.Kind,
		"reason", intent.Reason,
	)
	return m.dispatch(ctx, rec.ID)
}

// admit performs every pre-dispatch check and moves the record to Submitted
// together with its reservation.
func (m *Manager) admit(ctx context.Context, intent model.OrderIntent) (model.OrderRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.orders[intent.ID]; ok {
		return *r, false, nil
	}
	if f, ok := m.faults[intent.Symbol]; ok {
		return model.OrderRecord{}, false, fmt.Errorf("%w: %s", model.ErrSymbolSuspended, f.Msg)
	}

	// Reserve before the open-order check: of two concurrent buys that cannot
	// both be funded, the second fails on cash.
	if err := m.reserve(ctx, intent); err != nil {
		metrics.RiskRejections.WithLabelValues("reservation").Inc()
		return model.OrderRecord{}, false, err
	}
	if openID, ok := m.openBySymbol[intent.Symbol]; ok {
		m.release(ctx, intent.ID)
		return model.OrderRecord{}, false, model.Invalid(fmt.Errorf("%w (%s)", model.ErrOpenOrderExists, openID))
	}

	now := m.now().UTC()
	r := &model.OrderRecord{
		ID:          intent.ID,
		Intent:      intent,
		State:       model.StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		NextFillSeq: 1,
	}
	m.orders[r.ID] = r
	m.openBySymbol[intent.Symbol] = r.ID
	m.transition(r, model.StateSubmitted, "")
	return *r, true, nil
}

func (m *Manager) reserve(ctx context.Context, in model.OrderIntent) error {
	if in.Side == model.SideSell {
		return m.ledger.ReservePosition(ctx, in.ID, in.Symbol, in.Quantity)
	}
	price, err := m.reservationPrice(in)
	if err != nil {
		return err
	}
	return m.ledger.ReserveCash(ctx, in.ID, price.Mul(decimal.NewFromInt(in.Quantity)))
}

// reservationPrice is the per-share cash hold for a buy.
func (m *Manager) reservationPrice(in model.OrderIntent) (decimal.Decimal, error) {
	switch in.Kind {
	case model.KindLimit:
		return in.LimitPrice, nil
	case model.KindStop:
		return in.StopPrice, nil
	}
	t, ok := m.prices.Latest(in.Symbol)
	ref := t.Ask
	if !ref.IsPositive() {
		ref = t.Last
	}
	if !ok || !ref.IsPositive() {
		return decimal.Zero, model.Invalid(model.ErrNoReferencePrice)
	}
	return ref.Mul(decimal.NewFromInt(1).Add(m.cfg.MarketBuffer)), nil
}

// dispatch places a Submitted order, retrying transient failures. It stops
// early once the record leaves Submitted (ack seen on the event stream,
// expired by Sweep).
func (m *Manager) dispatch(ctx context.Context, id string) (model.OrderRecord, error) {
	b := &backoff.Backoff{Min: m.cfg.BackoffMin, Max: m.cfg.BackoffMax, Factor: 2, Jitter: true}
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxSubmitAttempts; attempt++ {
		m.mu.Lock()
		r := m.orders[id]
		if r.State != model.StateSubmitted {
			out := *r
			m.mu.Unlock()
			return out, nil
		}
		r.SubmitAttempts = attempt
		intent := r.Intent
		m.persist(r)
		m.mu.Unlock()

		metrics.SubmitAttempts.Inc()
		brokerID, err := m.placeOnce(ctx, intent)
		if err == nil {
			return m.accepted(ctx, id, brokerID)
		}
		lastErr = err

		var term *model.TerminalGatewayError
		if errors.As(err, &term) {
			return m.rejected(ctx, id, term.Reason)
		}
		if attempt == m.cfg.MaxSubmitAttempts {
			break
		}
		wait := b.Duration()
		slog.Warn("place order failed, retrying",
			"order_id", id,
			"attempt", attempt,
			"retry_in", wait,
			"err", err,
		)
		if err := m.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}
	return m.rejected(ctx, id, fmt.Sprintf("gave up after %d attempts: %v", m.cfg.MaxSubmitAttempts, lastErr))
}

func (m *Manager) placeOnce(ctx context.Context, intent model.OrderIntent) (string, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	start := time.Now()
	id, err := m.gw.PlaceOrder(cctx, intent)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !model.IsTransient(err) {
		err = &model.TransientGatewayError{Op: "place_order", Err: err}
	}
	metrics.ObserveGateway("place_order", start, errKind(err))
	return id, err
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func errKind(err error) string {
	var term *model.TerminalGatewayError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &term):
		return "terminal"
	case model.IsTransient(err):
		return "transient"
	}
	return "other"
}

// accepted records the broker id returned by PlaceOrder.
func (m *Manager) accepted(ctx context.Context, id, brokerID string) (model.OrderRecord, error) {
	m.mu.Lock()
	r := m.orders[id]
	var follow []func(context.Context)
	if r.BrokerOrderID == "" {
		r.BrokerOrderID = brokerID
		m.byBroker[brokerID] = id
	}
	if r.State == model.StateSubmitted {
		m.transition(r, model.StateAccepted, "")
		follow = m.afterAck(r)
	} else if r.State == model.StateExpired && r.Unreconciled {
		// Expired by Sweep while the call was in flight; the broker has it.
		// Any other terminal state was settled by the event stream.
		m.markFault(r.Symbol(), r.ID, "broker accepted an order already expired locally")
		r.Unreconciled = true
		m.persist(r)
	}
	follow = append(follow, m.drainParked(ctx, r)...)
	out := *r
	m.mu.Unlock()

	run(ctx, follow)
	if latest, ok := m.Order(id); ok {
		out = latest
	}
	return out, nil
}

// rejected marks a Submitted record Rejected and releases its reservation.
func (m *Manager) rejected(ctx context.Context, id, reason string) (model.OrderRecord, error) {
	m.mu.Lock()
	r := m.orders[id]
	if r.State != model.StateSubmitted {
		// The event stream moved it on while the call was failing.
		out := *r
		m.mu.Unlock()
		return out, nil
	}
	m.transition(r, model.StateRejected, reason)
	m.release(ctx, r.ID)
	follow := m.afterTerminal(r)
	out := *r
	m.mu.Unlock()

	run(ctx, follow)
	slog.Warn("order rejected", "order_id", id, "reason", reason)
	return out, &model.TerminalGatewayError{Op: "place_order", Reason: reason}
}

// Cancel requests cancellation. Before the broker acknowledges the order the
// request is queued and ErrCancelPending is returned; afterwards it is sent
// and the record stays open until the broker confirms.
func (m *Manager) Cancel(ctx context.Context, id string) (model.OrderRecord, error) {
	m.mu.Lock()
	r, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return model.OrderRecord{}, model.ErrOrderNotFound
	}
	if r.State.Terminal() {
		out := *r
		m.mu.Unlock()
		return out, model.ErrTerminalOrder
	}
	r.CancelRequested = true
	r.UpdatedAt = m.now().UTC()
	m.persist(r)
	m.notify(r)
	out := *r
	pending := r.State == model.StateSubmitted || r.BrokerOrderID == ""
	m.mu.Unlock()

	if pending {
		slog.Info("cancel queued until acknowledgment", "order_id", id)
		return out, model.ErrCancelPending
	}
	if err := m.sendCancel(ctx, id); err != nil {
		return out, err
	}
	if latest, ok := m.Order(id); ok {
		out = latest
	}
	return out, nil
}

// Replace cancels id and submits intent once the cancel resolves. If id is
// already terminal intent is submitted immediately.
func (m *Manager) Replace(ctx context.Context, id string, intent model.OrderIntent) (model.OrderRecord, error) {
	if err := intent.Validate(); err != nil {
		return model.OrderRecord{}, err
	}
	m.mu.Lock()
	r, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return model.OrderRecord{}, model.ErrOrderNotFound
	}
	if r.State.Terminal() {
		m.mu.Unlock()
		return m.Submit(ctx, intent)
	}
	if r.Symbol() != intent.Symbol {
		m.mu.Unlock()
		return model.OrderRecord{}, model.NewValidationError("replacement must be for the same symbol")
	}
	m.replacements[id] = intent
	m.mu.Unlock()

	slog.Info("order replace requested", "order_id", id, "replacement", intent.ID, "reason", intent.Reason)
	out, err := m.Cancel(ctx, id)
	if errors.Is(err, model.ErrCancelPending) {
		err = nil
	}
	return out, err
}

// sendCancel calls the gateway with bounded retries.
func (m *Manager) sendCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	r := m.orders[id]
	brokerID := r.BrokerOrderID
	open := r.Open()
	m.mu.Unlock()
	if !open {
		return nil
	}

	b := &backoff.Backoff{Min: m.cfg.BackoffMin, Max: m.cfg.BackoffMax, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= m.cfg.MaxSubmitAttempts; attempt++ {
		cctx, cancel := m.callCtx(ctx)
		start := time.Now()
		err = m.gw.CancelOrder(cctx, brokerID)
		cancel()
		metrics.ObserveGateway("cancel_order", start, errKind(err))
		if err == nil {
			return nil
		}
		var term *model.TerminalGatewayError
		if errors.As(err, &term) {
			// Usually already filled; the fill events settle the record.
			slog.Warn("cancel refused by broker", "order_id", id, "reason", term.Reason)
			return err
		}
		if attempt < m.cfg.MaxSubmitAttempts {
			if serr := m.sleep(ctx, b.Duration()); serr != nil {
				return serr
			}
		}
	}
	slog.Warn("cancel not delivered", "order_id", id, "err", err)
	return err
}

// afterAck returns follow-ups once r is acknowledged. Caller holds m.mu.
func (m *Manager) afterAck(r *model.OrderRecord) []func(context.Context) {
	if !r.CancelRequested {
		return nil
	}
	id := r.ID
	return []func(context.Context){func(ctx context.Context) { m.sendCancel(ctx, id) }}
}

// afterTerminal returns follow-ups once r is terminal. Caller holds m.mu.
func (m *Manager) afterTerminal(r *model.OrderRecord) []func(context.Context) {
	next, ok := m.replacements[r.ID]
	if !ok {
		return nil
	}
	delete(m.replacements, r.ID)
	return []func(context.Context){func(ctx context.Context) {
		if _, err := m.Submit(ctx, next); err != nil {
			slog.Warn("replacement order not submitted", "replaces", r.ID, "order_id", next.ID, "err", err)
		}
	}}
}

func run(ctx context.Context, follow []func(context.Context)) {
	for _, f := range follow {
		f(ctx)
	}
}

// transition moves r to state. Caller holds m.mu. Returns false when the
// move is not allowed (terminal records never move).
func (m *Manager) transition(r *model.OrderRecord, to model.OrderState, note string) bool {
	if !allowed(r.State, to) {
		slog.Warn("order transition ignored", "order_id", r.ID, "from", r.State, "to", to)
		return false
	}
	r.State = to
	r.UpdatedAt = m.now().UTC()
	if note != "" {
		r.Note = note
	}
	if to.Terminal() {
		if m.openBySymbol[r.Symbol()] == r.ID {
			delete(m.openBySymbol, r.Symbol())
		}
		delete(m.pendingFills, r.ID)
		metrics.OrdersTotal.WithLabelValues(string(to), string(r.Intent.Side)).Inc()
	}
	m.persist(r)
	m.notify(r)
	return true
}

func allowed(from, to model.OrderState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case model.StateCreated:
		return to == model.StateSubmitted || to == model.StateRejected
	case model.StateSubmitted:
		return to != model.StateCreated && to != model.StateSubmitted
	case model.StateAccepted, model.StatePartiallyFilled:
		switch to {
		case model.StatePartiallyFilled, model.StateFilled, model.StateCancelled, model.StateExpired:
			return true
		}
	}
	return false
}

func (m *Manager) persist(r *model.OrderRecord) {
	if err := m.store.SaveOrder(context.Background(), r); err != nil {
		slog.Error("order checkpoint failed", "order_id", r.ID, "err", err)
	}
}

func (m *Manager) notify(r *model.OrderRecord) {
	for _, l := range m.listeners {
		l(*r)
	}
}

// release drops the reservation of orderID. Caller holds m.mu.
func (m *Manager) release(ctx context.Context, orderID string) {
	if err := m.ledger.Release(context.WithoutCancel(ctx), orderID); err != nil {
		slog.Error("release reservation failed", "order_id", orderID, "err", err)
	}
}

// markFault halts new orders for symbol. Caller holds m.mu.
func (m *Manager) markFault(symbol, orderID, msg string) {
	if _, ok := m.faults[symbol]; !ok {
		slog.Error("reconciliation fault", "symbol", symbol, "order_id", orderID, "msg", msg)
	}
	m.faults[symbol] = &model.ReconciliationFault{Symbol: symbol, OrderID: orderID, Msg: msg}
}

// Order returns a copy of the record.
func (m *Manager) Order(id string) (model.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.orders[id]
	if !ok {
		return model.OrderRecord{}, false
	}
	return *r, true
}

// Orders returns all records, oldest first.
func (m *Manager) Orders() []model.OrderRecord {
	m.mu.Lock()
	out := make([]model.OrderRecord, 0, len(m.orders))
	for _, r := range m.orders {
		out = append(out, *r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenOrder returns the open record for symbol, if any.
func (m *Manager) OpenOrder(symbol string) (model.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.openBySymbol[symbol]
	if !ok {
		return model.OrderRecord{}, false
	}
	return *m.orders[id], true
}

// OpenSymbols returns the symbols with an open order.
func (m *Manager) OpenSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.openBySymbol))
	for sym := range m.openBySymbol {
		out = append(out, sym)
	}
	return out
}

// Faulted reports whether new orders for symbol are halted.
func (m *Manager) Faulted(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.faults[symbol]
	return ok
}

// Faults returns the current reconciliation faults by symbol.
func (m *Manager) Faults() map[string]model.ReconciliationFault {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ReconciliationFault, len(m.faults))
	for sym, f := range m.faults {
		out[sym] = *f
	}
	return out
}
