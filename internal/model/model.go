// Package model defines the core domain types shared across the execution engine.
// All monetary values use shopspring/decimal, never float64 for money.
// Share quantities are whole numbers (int64); the account is long-only.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind is the broker order type.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
	KindStop   OrderKind = "STOP"
)

// Reason records why an intent was created.
type Reason string

const (
	ReasonRiskStop  Reason = "RISK_STOP"
	ReasonTimeExit  Reason = "TIME_EXIT"
	ReasonRebalance Reason = "REBALANCE"
	ReasonManual    Reason = "MANUAL"
)

// Forced reports whether the reason is a forced exit (stop-loss or time exit).
func (r Reason) Forced() bool {
	return r == ReasonRiskStop || r == ReasonTimeExit
}

// Tick is the latest known quote for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position is a long holding in one symbol. Owned by the ledger.
type Position struct {
	Symbol        string           `json:"symbol"`
	Quantity      int64            `json:"quantity"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	HighWaterMark *decimal.Decimal `json:"high_water_mark,omitempty"`
	EntryTime     time.Time        `json:"entry_time"`
}

// Clone returns a deep copy (nullable prices are not shared).
func (p Position) Clone() Position {
	c := p
	if p.StopPrice != nil {
		v := *p.StopPrice
		c.StopPrice = &v
	}
	if p.HighWaterMark != nil {
		v := *p.HighWaterMark
		c.HighWaterMark = &v
	}
	return c
}

// MarketValue values the position at price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// CostBasis is quantity × average entry price.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgEntryPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// RiskPolicy is supplied externally and is immutable for one evaluation cycle.
type RiskPolicy struct {
	MaxPositionFraction decimal.Decimal `json:"max_position_fraction" toml:"max_position_fraction"`
	MaxSectorFraction   decimal.Decimal `json:"max_sector_fraction" toml:"max_sector_fraction"`
	StopLossFraction    decimal.Decimal `json:"stop_loss_fraction" toml:"stop_loss_fraction"`

	// TrailingStopFraction is nil when trailing stops are disabled.
	TrailingStopFraction *decimal.Decimal `json:"trailing_stop_fraction,omitempty" toml:"trailing_stop_fraction"`
	MaxHoldingDuration   time.Duration    `json:"max_holding_duration" toml:"-"`

	// TimeExitProfitThreshold is the gain over entry (as a fraction) at which a
	// position past MaxHoldingDuration counts as profitable and is kept.
	TimeExitProfitThreshold decimal.Decimal `json:"time_exit_profit_threshold" toml:"time_exit_profit_threshold"`
}

// Validate checks the fraction bounds.
func (p RiskPolicy) Validate() error {
	one := decimal.NewFromInt(1)
	if !p.MaxPositionFraction.IsPositive() || p.MaxPositionFraction.GreaterThan(one) {
		return fmt.Errorf("max_position_fraction must be in (0,1], got %s", p.MaxPositionFraction)
	}
	if !p.MaxSectorFraction.IsPositive() || p.MaxSectorFraction.GreaterThan(one) {
		return fmt.Errorf("max_sector_fraction must be in (0,1], got %s", p.MaxSectorFraction)
	}
	if !p.StopLossFraction.IsPositive() || p.StopLossFraction.GreaterThanOrEqual(one) {
		return fmt.Errorf("stop_loss_fraction must be in (0,1), got %s", p.StopLossFraction)
	}
	if t := p.TrailingStopFraction; t != nil && (!t.IsPositive() || t.GreaterThanOrEqual(one)) {
		return fmt.Errorf("trailing_stop_fraction must be in (0,1), got %s", t)
	}
	if p.MaxHoldingDuration < 0 {
		return fmt.Errorf("max_holding_duration must not be negative")
	}
	return nil
}

// OrderIntent is a proposed, not-yet-submitted trade. Never mutated after creation.
type OrderIntent struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Kind       OrderKind       `json:"kind"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Reason     Reason          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate rejects malformed intents before dispatch.
func (i OrderIntent) Validate() error {
	switch {
	case i.ID == "":
		return NewValidationError("intent id is required")
	case !ValidTicker(i.Symbol):
		return NewValidationError("symbol must be an upper-case ticker of at most 10 characters")
	case i.Side != SideBuy && i.Side != SideSell:
		return NewValidationError("side must be BUY or SELL")
	case i.Quantity <= 0:
		return NewValidationError("quantity must be positive")
	}
	switch i.Kind {
	case KindMarket:
	case KindLimit:
		if !i.LimitPrice.IsPositive() {
			return NewValidationError("limit order requires a positive limit price")
		}
	case KindStop:
		if !i.StopPrice.IsPositive() {
			return NewValidationError("stop order requires a positive stop price")
		}
	default:
		return NewValidationError("kind must be MARKET, LIMIT or STOP")
	}
	switch i.Reason {
	case ReasonRiskStop, ReasonTimeExit, ReasonRebalance, ReasonManual:
	default:
		return NewValidationError("unknown intent reason " + string(i.Reason))
	}
	return nil
}

// ValidTicker reports whether symbol looks like an exchange ticker: 1-10
// upper-case letters or digits, optionally separated by '.' or '-'.
func ValidTicker(symbol string) bool {
	if symbol == "" || len(symbol) > 10 || symbol != strings.ToUpper(symbol) {
		return false
	}
	stripped := strings.NewReplacer(".", "", "-", "").Replace(symbol)
	if stripped == "" {
		return false
	}
	for _, r := range stripped {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// OrderState is a node of the order lifecycle state machine.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAccepted        OrderState = "ACCEPTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateExpired         OrderState = "EXPIRED"
	StateRejected        OrderState = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired, StateRejected:
		return true
	}
	return false
}

// OrderRecord tracks one order from intent to terminal state.
type OrderRecord struct {
	ID              string          `json:"id"`
	Intent          OrderIntent     `json:"intent"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	State           OrderState      `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FilledQty       int64           `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	NextFillSeq     int64           `json:"next_fill_seq"`
	SubmitAttempts  int             `json:"submit_attempts"`
	CancelRequested bool            `json:"cancel_requested"`

	// Unreconciled marks a record whose broker state is unknown; new orders
	// for its symbol are halted until a status query resolves it.
	Unreconciled bool   `json:"unreconciled,omitempty"`
	Note         string `json:"note,omitempty"`

	// ReconciledQty is quantity booked from a broker status query whose
	// fill events have not arrived yet. In-sequence fills absorb it before
	// anything is booked again.
	ReconciledQty int64 `json:"reconciled_qty,omitempty"`
}

// Symbol is a shorthand for r.Intent.Symbol.
func (r *OrderRecord) Symbol() string { return r.Intent.Symbol }

// Open reports whether the record is non-terminal.
func (r *OrderRecord) Open() bool { return !r.State.Terminal() }

// RemainingQty is the unfilled quantity.
func (r *OrderRecord) RemainingQty() int64 { return r.Intent.Quantity - r.FilledQty }

// Fill is one execution report for a broker order. Seq starts at 1 and is
// assigned by the gateway per order.
type Fill struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Seq           int64           `json:"seq"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key is the idempotency key: broker order id + fill sequence number.
func (f Fill) Key() string {
	return fmt.Sprintf("%s#%d", f.BrokerOrderID, f.Seq)
}

// Cost is quantity × price.
func (f Fill) Cost() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// EventType tags an OrderEvent from the gateway stream.
type EventType string

const (
	EventAccepted  EventType = "ACCEPTED"
	EventRejected  EventType = "REJECTED"
	EventFill      EventType = "FILL"
	EventCancelled EventType = "CANCELLED"
	EventExpired   EventType = "EXPIRED"
)

// OrderEvent is an untrusted, possibly duplicated message from the broker.
type OrderEvent struct {
	Type          EventType `json:"type"`
	BrokerOrderID string    `json:"broker_order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Fill          *Fill     `json:"fill,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BrokerStatus is the broker's view of an order, returned by a status query.
type BrokerStatus struct {
	BrokerOrderID string          `json:"broker_order_id"`
	State         OrderState      `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
}

// Snapshot is an immutable, point-in-time view of the portfolio.
type Snapshot struct {
	Cash          decimal.Decimal            `json:"cash"`
	ReservedCash  decimal.Decimal            `json:"reserved_cash"`
	Positions     map[string]Position        `json:"positions"`
	Prices        map[string]decimal.Decimal `json:"prices"`
	MarketValue   decimal.Decimal            `json:"market_value"`
	TotalValue    decimal.Decimal            `json:"total_value"`
	RealizedPnL   decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal            `json:"unrealized_pnl"`
	Winning       int                        `json:"winning_positions"`
	Losing        int                        `json:"losing_positions"`
	AsOf          time.Time                  `json:"as_of"`
}

// AvailableCash is cash not held by pending buy reservations.
func (s Snapshot) AvailableCash() decimal.Decimal {
	return s.Cash.Sub(s.ReservedCash)
}

// PositionHold reserves sellable quantity for a pending sell order.
type PositionHold struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// LedgerState is the persisted form of the portfolio ledger.
type LedgerState struct {
	AccountID     string                     `json:"account_id"`
	Cash          decimal.Decimal            `json:"cash"`
	RealizedPnL   decimal.Decimal            `json:"realized_pnl"`
	Positions     map[string]Position        `json:"positions"`
	CashHolds     map[string]decimal.Decimal `json:"cash_holds"`
	PositionHolds map[string]PositionHold    `json:"position_holds"`
	AppliedFills  map[string]time.Time       `json:"applied_fills"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy of the ledger state.
func (s *LedgerState) Clone() *LedgerState {
	c := *s
	c.Positions = make(map[string]Position, len(s.Positions))
	for k, p := range s.Positions {
		c.Positions[k] = p.Clone()
	}
	c.CashHolds = make(map[string]decimal.Decimal, len(s.CashHolds))
	for k, v := range s.CashHolds {
		c.CashHolds[k] = v
	}
	c.PositionHolds = make(map[string]PositionHold, len(s.PositionHolds))
	for k, v := range s.PositionHolds {
		c.PositionHolds[k] = v
	}
	c.AppliedFills = make(map[string]time.Time, len(s.AppliedFills))
	for k, v := range s.AppliedFills {
		c.AppliedFills[k] = v
	}
	return &c
}
