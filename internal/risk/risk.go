// Package risk evaluates position-size, sector, stop-loss and time-exit
// policy against a portfolio snapshot.
//
// Every check is a pure function returning a Verdict. A policy violation is
// an ordinary outcome, not an error: callers log the reason and take no
// action.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// Verdict reasons.
const (
	ReasonOK              = "ok"
	ReasonReducesExposure = "reduces_exposure"
	ReasonNoPortfolio     = "portfolio_value_not_positive"
	ReasonNoPrice         = "no_price"
	ReasonPositionLimit   = "position_size_limit_exceeded"
	ReasonSectorLimit     = "sector_limit_exceeded"
	ReasonStopBreached    = "stop_breached"
	ReasonAboveStop       = "above_stop"
	ReasonHoldingExpired  = "max_holding_exceeded"
	ReasonWithinHolding   = "within_holding_period"
	ReasonProfitable      = "at_profit"
	ReasonTimeExitOff     = "time_exit_disabled"
	ReasonNoPosition      = "no_position"
)

// Verdict is the structured result of a risk check. For limit checks Allowed
// means the trade may proceed; for exit checks it means the exit is triggered.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Verdict  { return Verdict{Allowed: true, Reason: reason} }
func reject(reason string) Verdict { return Verdict{Allowed: false, Reason: reason} }

var one = decimal.NewFromInt(1)

// CheckPositionSizeLimit rejects a trade whose resulting position value
// exceeds max_position_fraction of total portfolio value. Negative
// proposedQty (a sell) always passes.
func CheckPositionSizeLimit(snap model.Snapshot, policy model.RiskPolicy, symbol string, proposedQty int64, price decimal.Decimal) Verdict {
	if proposedQty <= 0 {
		return allow(ReasonReducesExposure)
	}
	if !price.IsPositive() {
		return reject(ReasonNoPrice)
	}
	if !snap.TotalValue.IsPositive() {
		return reject(ReasonNoPortfolio)
	}

	held := snap.Positions[symbol].Quantity
	newValue := price.Mul(decimal.NewFromInt(held + proposedQty))
	if newValue.Div(snap.TotalValue).GreaterThan(policy.MaxPositionFraction) {
		return reject(ReasonPositionLimit)
	}
	return allow(ReasonOK)
}

// ComputeStopPrice returns the stop for pos: the fixed stop at
// entry × (1 − stop_loss_fraction), raised to the trailing stop
// high_water_mark × (1 − trailing_stop_fraction) when that is higher. A stop
// already recorded on the position is never lowered.
func ComputeStopPrice(pos model.Position, policy model.RiskPolicy) decimal.Decimal {
	stop := pos.AvgEntryPrice.Mul(one.Sub(policy.StopLossFraction))
	if policy.TrailingStopFraction != nil && pos.HighWaterMark != nil {
		trailing := pos.HighWaterMark.Mul(one.Sub(*policy.TrailingStopFraction))
		stop = decimal.Max(stop, trailing)
	}
	if pos.StopPrice != nil {
		stop = decimal.Max(stop, *pos.StopPrice)
	}
	return stop
}

// CheckStopExit is triggered (Allowed) when price is below the position's stop.
func CheckStopExit(pos model.Position, policy model.RiskPolicy, price decimal.Decimal) Verdict {
	if pos.Quantity <= 0 {
		return reject(ReasonNoPosition)
	}
	if !price.IsPositive() {
		return reject(ReasonNoPrice)
	}
	if price.LessThan(ComputeStopPrice(pos, policy)) {
		return allow(ReasonStopBreached)
	}
	return reject(ReasonAboveStop)
}

// CheckTimeExit is triggered (Allowed) once the position has been held for
// max_holding_duration and price is not above entry × (1 + profit threshold).
// A zero max_holding_duration disables time exits.
func CheckTimeExit(pos model.Position, policy model.RiskPolicy, now time.Time, price decimal.Decimal) Verdict {
	if pos.Quantity <= 0 {
		return reject(ReasonNoPosition)
	}
	if policy.MaxHoldingDuration <= 0 {
		return reject(ReasonTimeExitOff)
	}
	if now.Sub(pos.EntryTime) < policy.MaxHoldingDuration {
		return reject(ReasonWithinHolding)
	}
	if !price.IsPositive() {
		return reject(ReasonNoPrice)
	}
	target := pos.AvgEntryPrice.Mul(one.Add(policy.TimeExitProfitThreshold))
	if price.GreaterThan(target) {
		return reject(ReasonProfitable)
	}
	return allow(ReasonHoldingExpired)
}

// MaxQuantity returns the largest whole-share buy of symbol at price that
// stays within both the position-size limit and available cash. Zero means
// not even one share fits.
func MaxQuantity(snap model.Snapshot, policy model.RiskPolicy, symbol string, price decimal.Decimal) int64 {
	if !price.IsPositive() || !snap.TotalValue.IsPositive() {
		return 0
	}
	held := decimal.NewFromInt(snap.Positions[symbol].Quantity)
	headroom := snap.TotalValue.Mul(policy.MaxPositionFraction).Sub(held.Mul(price))
	budget := decimal.Min(headroom, snap.AvailableCash())
	if !budget.IsPositive() {
		return 0
	}
	return budget.Div(price).Floor().IntPart()
}

// priceOf returns the snapshot price for symbol, falling back to the
// position's entry price.
func priceOf(snap model.Snapshot, pos model.Position) decimal.Decimal {
	if p, ok := snap.Prices[pos.Symbol]; ok && p.IsPositive() {
		return p
	}
	return pos.AvgEntryPrice
}
