package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/gateway"
	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
)

// sealedSeq marks a record whose fills were settled from a broker status
// query. Later fill events for it are treated as duplicates.
const sealedSeq = math.MaxInt64

// Run applies gateway events until ctx is cancelled or the stream closes.
func (m *Manager) Run(ctx context.Context) error {
	events := m.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one broker event. Events are untrusted: duplicates are
// ignored, events for unknown orders are held until the order is linked, and
// fills are applied strictly in sequence order.
func (m *Manager) HandleEvent(ctx context.Context, ev model.OrderEvent) {
	m.mu.Lock()
	r := m.lookup(ev)
	if r == nil {
		m.parked[ev.BrokerOrderID] = append(m.parked[ev.BrokerOrderID], ev)
		m.mu.Unlock()
		slog.Debug("event for unknown order parked", "type", ev.Type, "broker_order_id", ev.BrokerOrderID)
		return
	}
	follow := m.handleLocked(ctx, r, ev)
	m.mu.Unlock()

	run(ctx, follow)
}

// lookup finds the record an event belongs to, linking the broker order id
// when the event is matched by client order id. Caller holds m.mu.
func (m *Manager) lookup(ev model.OrderEvent) *model.OrderRecord {
	if id, ok := m.byBroker[ev.BrokerOrderID]; ok {
		return m.orders[id]
	}
	r, ok := m.orders[ev.ClientOrderID]
	if !ok || ev.BrokerOrderID == "" {
		return nil
	}
	if r.BrokerOrderID != "" && r.BrokerOrderID != ev.BrokerOrderID {
		slog.Warn("event broker id conflicts with record",
			"order_id", r.ID,
			"broker_order_id", r.BrokerOrderID,
			"event_broker_order_id", ev.BrokerOrderID,
		)
		return nil
	}
	r.BrokerOrderID = ev.BrokerOrderID
	m.byBroker[ev.BrokerOrderID] = r.ID
	return r
}

// drainParked replays events held for r. Caller holds m.mu.
func (m *Manager) drainParked(ctx context.Context, r *model.OrderRecord) []func(context.Context) {
	evs := m.parked[r.BrokerOrderID]
	if len(evs) == 0 {
		return nil
	}
	delete(m.parked, r.BrokerOrderID)
	var follow []func(context.Context)
	for _, ev := range evs {
		follow = append(follow, m.handleLocked(ctx, r, ev)...)
	}
	return follow
}

func (m *Manager) handleLocked(ctx context.Context, r *model.OrderRecord, ev model.OrderEvent) []func(context.Context) {
	switch ev.Type {
	case model.EventAccepted:
		if r.State == model.StateSubmitted && m.transition(r, model.StateAccepted, "") {
			return append(m.afterAck(r), m.drainParked(ctx, r)...)
		}
		return m.drainParked(ctx, r)

	case model.EventRejected:
		if r.State != model.StateSubmitted {
			slog.Warn("rejection ignored", "order_id", r.ID, "state", r.State, "reason", ev.Reason)
			return nil
		}
		m.transition(r, model.StateRejected, ev.Reason)
		m.release(ctx, r.ID)
		return m.afterTerminal(r)

	case model.EventFill:
		if ev.Fill == nil {
			return nil
		}
		return m.onFill(ctx, r, *ev.Fill)

	case model.EventCancelled, model.EventExpired:
		to := model.StateCancelled
		if ev.Type == model.EventExpired {
			to = model.StateExpired
		}
		if r.State.Terminal() {
			if r.Unreconciled {
				slog.Info("broker closed an unreconciled order", "order_id", r.ID, "broker_state", to)
			}
			return nil
		}
		m.transition(r, to, ev.Reason)
		m.release(ctx, r.ID)
		return m.afterTerminal(r)
	}
	slog.Warn("unknown event type", "type", ev.Type, "order_id", r.ID)
	return nil
}

// onFill applies f and any buffered fills that follow it. Caller holds m.mu.
func (m *Manager) onFill(ctx context.Context, r *model.OrderRecord, f model.Fill) []func(context.Context) {
	if f.BrokerOrderID == "" {
		f.BrokerOrderID = r.BrokerOrderID
	}
	if f.Symbol == "" {
		f.Symbol = r.Symbol()
	}
	if f.Side == "" {
		f.Side = r.Intent.Side
	}

	switch {
	case f.Seq < r.NextFillSeq:
		slog.Debug("duplicate fill ignored", "order_id", r.ID, "fill", f.Key())
		return nil
	case f.Seq > r.NextFillSeq:
		buf := m.pendingFills[r.ID]
		if buf == nil {
			buf = make(map[int64]model.Fill)
			m.pendingFills[r.ID] = buf
		}
		buf[f.Seq] = f
		slog.Debug("fill buffered until gap closes", "order_id", r.ID, "fill", f.Key(), "want_seq", r.NextFillSeq)
		return nil
	}

	var follow []func(context.Context)
	for {
		follow = append(follow, m.applyFill(ctx, r, f)...)
		next, ok := m.pendingFills[r.ID][r.NextFillSeq]
		if !ok {
			break
		}
		delete(m.pendingFills[r.ID], next.Seq)
		f = next
	}
	return follow
}

// applyFill books the in-sequence fill f. Caller holds m.mu.
func (m *Manager) applyFill(ctx context.Context, r *model.OrderRecord, f model.Fill) []func(context.Context) {
	r.NextFillSeq = f.Seq + 1
	covered := min(f.Quantity, r.ReconciledQty)
	if covered > 0 {
		r.ReconciledQty -= covered
		f.Quantity -= covered
		if f.Quantity == 0 {
			slog.Debug("fill already booked from broker status", "order_id", r.ID, "fill", f.Key())
			m.persist(r)
			return nil
		}
	}
	if f.Quantity > r.RemainingQty() {
		m.markFault(r.Symbol(), r.ID, fmt.Sprintf("fill %s for %d exceeds remaining %d", f.Key(), f.Quantity, r.RemainingQty()))
		m.persist(r)
		return nil
	}

	if _, err := m.ledger.ApplyFill(context.WithoutCancel(ctx), r.ID, f); err != nil {
		var fault *model.ReconciliationFault
		if errors.As(err, &fault) {
			m.markFault(fault.Symbol, r.ID, fault.Msg)
		} else {
			slog.Error("apply fill failed", "order_id", r.ID, "fill", f.Key(), "err", err)
			// Retry the same sequence number on redelivery.
			r.NextFillSeq = f.Seq
			r.ReconciledQty += covered
		}
		return nil
	}

	prev := decimal.NewFromInt(r.FilledQty).Mul(r.AvgFillPrice)
	r.FilledQty += f.Quantity
	r.AvgFillPrice = prev.Add(f.Cost()).Div(decimal.NewFromInt(r.FilledQty))

	if r.State.Terminal() {
		// Booked above: the cash or shares moved at the broker regardless.
		m.markFault(r.Symbol(), r.ID, fmt.Sprintf("fill %s arrived after order was %s", f.Key(), r.State))
		r.UpdatedAt = m.now().UTC()
		m.persist(r)
		m.notify(r)
		return nil
	}

	if r.RemainingQty() == 0 {
		m.transition(r, model.StateFilled, "")
		m.release(ctx, r.ID)
		return m.afterTerminal(r)
	}
	if r.State == model.StatePartiallyFilled {
		r.UpdatedAt = m.now().UTC()
		m.persist(r)
		m.notify(r)
		return nil
	}
	m.transition(r, model.StatePartiallyFilled, "")
	return nil
}

// Sweep expires orders the broker has not answered within AckTimeout: orders
// still Submitted, and orders whose cancel was never confirmed. Their
// reservations are kept and their symbols faulted until Reconcile.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []model.OrderRecord {
	if m.cfg.AckTimeout <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []model.OrderRecord
	for _, r := range m.orders {
		if !r.Open() || now.Sub(r.UpdatedAt) < m.cfg.AckTimeout {
			continue
		}
		if r.State != model.StateSubmitted && !r.CancelRequested {
			continue
		}
		note := "no acknowledgment from broker"
		if r.State != model.StateSubmitted {
			note = "cancel not confirmed by broker"
		}
		r.Unreconciled = true
		if m.transition(r, model.StateExpired, note) {
			m.markFault(r.Symbol(), r.ID, note)
			expired = append(expired, *r)
		}
	}
	for _, r := range expired {
		slog.Warn("order expired locally", "order_id", r.ID, "symbol", r.Symbol(), "note", r.Note)
	}
	return expired
}

// Reconcile queries the broker for every unresolved order in symbol, books
// missing fills, adopts the broker's terminal state and releases
// reservations. The fault on symbol is cleared once nothing is left
// unresolved.
func (m *Manager) Reconcile(ctx context.Context, symbol string) error {
	m.mu.Lock()
	var ids []string
	for _, r := range m.orders {
		if r.Symbol() == symbol && (r.Unreconciled || (r.Open() && m.faults[symbol] != nil)) {
			ids = append(ids, r.ID)
		}
	}
	m.mu.Unlock()

	resolved := true
	for _, id := range ids {
		ok, err := m.reconcileOne(ctx, id)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", id, err)
		}
		resolved = resolved && ok
	}
	if !resolved {
		return nil
	}

	m.mu.Lock()
	_, faulted := m.faults[symbol]
	delete(m.faults, symbol)
	m.mu.Unlock()
	if faulted {
		slog.Info("symbol reconciled", "symbol", symbol, "orders", len(ids))
	}
	return nil
}

func (m *Manager) status(ctx context.Context, r model.OrderRecord) (model.BrokerStatus, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	start := time.Now()
	var (
		st  model.BrokerStatus
		err error
		op  = "get_order_status"
	)
	if r.BrokerOrderID != "" {
		st, err = m.gw.GetOrderStatus(cctx, r.BrokerOrderID)
	} else {
		op = "lookup_order"
		st, err = m.gw.LookupOrder(cctx, r.ID)
	}
	if errors.Is(err, gateway.ErrUnknownOrder) {
		metrics.ObserveGateway(op, start, "")
		return st, err
	}
	metrics.ObserveGateway(op, start, errKind(err))
	return st, err
}

// reconcileOne settles one record against the broker. It reports whether the
// record no longer needs attention.
func (m *Manager) reconcileOne(ctx context.Context, id string) (bool, error) {
	snap, _ := m.Order(id)
	st, err := m.status(ctx, snap)
	unknown := errors.Is(err, gateway.ErrUnknownOrder)
	if err != nil && !unknown {
		return false, err
	}

	m.mu.Lock()
	r := m.orders[id]
	var follow []func(context.Context)

	switch {
	case unknown:
		// The broker never received it.
		if r.Open() {
			m.transition(r, model.StateExpired, "unknown to broker")
		}
		r.Unreconciled = false
		m.release(ctx, r.ID)
		m.persist(r)
		follow = m.afterTerminal(r)

	case !st.State.Terminal():
		if st.BrokerOrderID != "" && r.BrokerOrderID == "" {
			r.BrokerOrderID = st.BrokerOrderID
			m.byBroker[st.BrokerOrderID] = r.ID
		}
		if r.State.Terminal() {
			// Expired locally but still working at the broker: pull it.
			id := r.ID
			follow = append(follow, func(ctx context.Context) { m.cancelAtBroker(ctx, id) })
			m.persist(r)
			m.mu.Unlock()
			run(ctx, follow)
			return false, nil
		}
		r.ReconciledQty += m.bookMissing(ctx, r, st)
		r.Unreconciled = false
		acked := r.State != model.StateSubmitted
		switch {
		case r.RemainingQty() == 0:
			m.transition(r, model.StateFilled, "filled per broker status")
			m.release(ctx, r.ID)
			follow = m.afterTerminal(r)
		case r.FilledQty > 0 && r.State != model.StatePartiallyFilled:
			m.transition(r, model.StatePartiallyFilled, "")
		case r.State == model.StateSubmitted:
			m.transition(r, model.StateAccepted, "")
		}
		if !acked && r.Open() {
			follow = append(follow, m.afterAck(r)...)
		}
		m.persist(r)
		follow = append(follow, m.drainParked(ctx, r)...)

	default:
		if st.BrokerOrderID != "" && r.BrokerOrderID == "" {
			r.BrokerOrderID = st.BrokerOrderID
			m.byBroker[st.BrokerOrderID] = r.ID
		}
		m.bookMissing(ctx, r, st)
		r.NextFillSeq = sealedSeq
		r.ReconciledQty = 0
		delete(m.pendingFills, r.ID)
		if r.Open() {
			to := st.State
			if !allowed(r.State, to) {
				to = model.StateCancelled
			}
			m.transition(r, to, "adopted from broker status")
		}
		r.Unreconciled = false
		m.release(ctx, r.ID)
		m.persist(r)
		follow = m.afterTerminal(r)
	}
	m.mu.Unlock()

	run(ctx, follow)
	return true, nil
}

// bookMissing applies a single synthetic fill for any quantity the broker
// reports filled beyond what has been booked locally, returning the quantity
// booked. Caller holds m.mu.
func (m *Manager) bookMissing(ctx context.Context, r *model.OrderRecord, st model.BrokerStatus) int64 {
	missing := st.FilledQty - r.FilledQty
	if missing <= 0 {
		return 0
	}
	brokerNotional := st.AvgFillPrice.Mul(decimal.NewFromInt(st.FilledQty))
	localNotional := r.AvgFillPrice.Mul(decimal.NewFromInt(r.FilledQty))
	price := brokerNotional.Sub(localNotional).Div(decimal.NewFromInt(missing))
	if !price.IsPositive() {
		price = st.AvgFillPrice
	}

	f := model.Fill{
		BrokerOrderID: r.BrokerOrderID + "/reconciled",
		Seq:           st.FilledQty,
		Symbol:        r.Symbol(),
		Side:          r.Intent.Side,
		Quantity:      missing,
		Price:         price,
		Timestamp:     m.now().UTC(),
	}
	if _, err := m.ledger.ApplyFill(context.WithoutCancel(ctx), r.ID, f); err != nil {
		slog.Error("synthetic fill failed", "order_id", r.ID, "qty", missing, "err", err)
		return 0
	}
	r.FilledQty = st.FilledQty
	r.AvgFillPrice = st.AvgFillPrice
	slog.Warn("booked fills missed on the event stream", "order_id", r.ID, "qty", missing, "price", price.String())
	return missing
}

func (m *Manager) cancelAtBroker(ctx context.Context, id string) {
	m.mu.Lock()
	brokerID := m.orders[id].BrokerOrderID
	m.mu.Unlock()

	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	start := time.Now()
	err := m.gw.CancelOrder(cctx, brokerID)
	metrics.ObserveGateway("cancel_order", start, errKind(err))
	if err != nil {
		slog.Warn("cancel of expired order failed", "order_id", id, "err", err)
	}
}
