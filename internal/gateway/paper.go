package gateway

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// PriceSource supplies the latest quote for a symbol.
type PriceSource interface {
	Latest(symbol string) (model.Tick, bool)
}

type paperOrder struct {
	intent    model.OrderIntent
	brokerID  string
	state     model.OrderState
	filledQty int64
	notional  decimal.Decimal
	seq       int64
}

func (o *paperOrder) status() model.BrokerStatus {
	st := model.BrokerStatus{BrokerOrderID: o.brokerID, State: o.state, FilledQty: o.filledQty}
	if o.filledQty > 0 {
		st.AvgFillPrice = o.notional.Div(decimal.NewFromInt(o.filledQty))
	}
	return st
}

// Paper is a simulated broker. Market orders fill immediately at the
// quote, limit orders when marketable and stop orders once triggered.
// Working orders are re-evaluated by OnTick.
type Paper struct {
	prices PriceSource

	// FillChunk splits fills into lots of at most this many shares. Zero
	// fills the whole remaining quantity at once.
	FillChunk int64

	mu       sync.Mutex
	orders   map[string]*paperOrder
	byClient map[string]string
	events   chan model.OrderEvent
	now      func() time.Time
}

// NewPaper creates a paper broker whose event channel holds buffer events.
func NewPaper(prices PriceSource, buffer int) *Paper {
	return &Paper{
		prices:   prices,
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
		events:   make(chan model.OrderEvent, buffer),
		now:      time.Now,
	}
}

func (p *Paper) Events() <-chan model.OrderEvent { return p.events }

func (p *Paper) GetQuote(ctx context.Context, symbols []string) ([]model.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.TransientGatewayError{Op: "get_quote", Err: err}
	}
	out := make([]model.Tick, 0, len(symbols))
	for _, sym := range symbols {
		if t, ok := p.prices.Latest(sym); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, intent model.OrderIntent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &model.TransientGatewayError{Op: "place_order", Err: err}
	}
	if err := intent.Validate(); err != nil {
		return "", &model.TerminalGatewayError{Op: "place_order", Reason: err.Error()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[intent.ID]; ok {
		return id, nil
	}

	o := &paperOrder{intent: intent, brokerID: "P-" + uuid.New().String(), state: model.StateAccepted}
	p.orders[o.brokerID] = o
	p.byClient[intent.ID] = o.brokerID
	p.emit(model.OrderEvent{Type: model.EventAccepted, BrokerOrderID: o.brokerID, ClientOrderID: intent.ID})
	slog.Debug("paper order accepted", "broker_order_id", o.brokerID, "symbol", intent.Symbol, "kind", intent.Kind)

	if t, ok := p.prices.Latest(intent.Symbol); ok {
		p.match(o, t)
	}
	return o.brokerID, nil
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return &model.TransientGatewayError{Op: "cancel_order", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return &model.TerminalGatewayError{Op: "cancel_order", Reason: "unknown order " + brokerOrderID}
	}
	if o.state.Terminal() {
		return &model.TerminalGatewayError{Op: "cancel_order", Reason: fmt.Sprintf("order is %s", o.state)}
	}
	o.state = model.StateCancelled
	p.emit(model.OrderEvent{Type: model.EventCancelled, BrokerOrderID: o.brokerID, ClientOrderID: o.intent.ID})
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, brokerOrderID string) (model.BrokerStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.BrokerStatus{}, &model.TransientGatewayError{Op: "get_order_status", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return model.BrokerStatus{}, ErrUnknownOrder
	}
	return o.status(), nil
}

func (p *Paper) LookupOrder(ctx context.Context, clientOrderID string) (model.BrokerStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.BrokerStatus{}, &model.TransientGatewayError{Op: "lookup_order", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byClient[clientOrderID]
	if !ok {
		return model.BrokerStatus{}, ErrUnknownOrder
	}
	return p.orders[id].status(), nil
}

// OnTick re-evaluates working orders in t.Symbol.
func (p *Paper) OnTick(t model.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.intent.Symbol == t.Symbol && !o.state.Terminal() {
			p.match(o, t)
		}
	}
}

// Follow feeds ticks into OnTick until the sequence ends.
func (p *Paper) Follow(ticks iter.Seq[model.Tick]) {
	for t := range ticks {
		p.OnTick(t)
	}
}

// match fills o against t when its price condition holds. Caller holds p.mu.
func (p *Paper) match(o *paperOrder, t model.Tick) {
	price, ok := fillPrice(o.intent, t)
	if !ok {
		return
	}
	for o.filledQty < o.intent.Quantity {
		qty := o.intent.Quantity - o.filledQty
		if p.FillChunk > 0 && qty > p.FillChunk {
			qty = p.FillChunk
		}
		o.seq++
		o.filledQty += qty
		o.notional = o.notional.Add(price.Mul(decimal.NewFromInt(qty)))
		if o.filledQty == o.intent.Quantity {
			o.state = model.StateFilled
		} else {
			o.state = model.StatePartiallyFilled
		}
		p.emit(model.OrderEvent{
			Type:          model.EventFill,
			BrokerOrderID: o.brokerID,
			ClientOrderID: o.intent.ID,
			Fill: &model.Fill{
				BrokerOrderID: o.brokerID,
				Seq:           o.seq,
				Symbol:        o.intent.Symbol,
				Side:          o.intent.Side,
				Quantity:      qty,
				Price:         price,
				Timestamp:     p.now().UTC(),
			},
		})
	}
}

// fillPrice returns the execution price for intent at t, if it executes.
func fillPrice(in model.OrderIntent, t model.Tick) (decimal.Decimal, bool) {
	ref := t.Last
	if in.Side == model.SideBuy && t.Ask.IsPositive() {
		ref = t.Ask
	}
	if in.Side == model.SideSell && t.Bid.IsPositive() {
		ref = t.Bid
	}
	if !ref.IsPositive() {
		return decimal.Zero, false
	}

	switch in.Kind {
	case model.KindMarket:
		return ref, true
	case model.KindLimit:
		if in.Side == model.SideBuy && ref.LessThanOrEqual(in.LimitPrice) {
			return ref, true
		}
		if in.Side == model.SideSell && ref.GreaterThanOrEqual(in.LimitPrice) {
			return ref, true
		}
	case model.KindStop:
		if in.Side == model.SideBuy && t.Last.GreaterThanOrEqual(in.StopPrice) {
			return ref, true
		}
		if in.Side == model.SideSell && t.Last.IsPositive() && t.Last.LessThanOrEqual(in.StopPrice) {
			return ref, true
		}
	}
	return decimal.Zero, false
}

// emit queues ev. Caller holds p.mu. A full buffer drops the event; the
// engine recovers it through a status query.
func (p *Paper) emit(ev model.OrderEvent) {
	ev.Timestamp = p.now().UTC()
	select {
	case p.events <- ev:
	default:
		slog.Warn("paper event dropped", "type", ev.Type, "broker_order_id", ev.BrokerOrderID)
	}
}
