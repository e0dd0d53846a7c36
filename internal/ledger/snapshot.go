package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// Snapshot values the portfolio at prices. It never mutates the ledger.
//
// A held symbol whose tick is missing, has no positive last price, or is
// older than the staleness bound is stale. The snapshot is still returned,
// valuing stale symbols at their last known price (entry price when none),
// together with a *model.StalePriceError naming them. Callers must not make
// trading decisions for those symbols.
func (l *Ledger) Snapshot(prices map[string]model.Tick) (model.Snapshot, error) {
	return l.snapshotAt(prices, l.now())
}

func (l *Ledger) snapshotAt(prices map[string]model.Tick, now time.Time) (model.Snapshot, error) {
	st := l.view.Load()
	snap := model.Snapshot{
		Cash:         st.Cash,
		ReservedCash: reserved(st),
		Positions:    make(map[string]model.Position, len(st.Positions)),
		Prices:       make(map[string]decimal.Decimal, len(st.Positions)),
		MarketValue:  decimal.Zero,
		RealizedPnL:  st.RealizedPnL,
		AsOf:         now.UTC(),
	}

	var stale []string
	unrealized := decimal.Zero
	for sym, pos := range st.Positions {
		snap.Positions[sym] = pos.Clone()

		price := pos.AvgEntryPrice
		t, ok := prices[sym]
		if ok && t.Last.IsPositive() {
			price = t.Last
		}
		if !ok || !t.Last.IsPositive() || (l.cfg.Staleness > 0 && now.Sub(t.Timestamp) > l.cfg.Staleness) {
			stale = append(stale, sym)
		}
		snap.Prices[sym] = price

		value := pos.MarketValue(price)
		pnl := value.Sub(pos.CostBasis())
		snap.MarketValue = snap.MarketValue.Add(value)
		unrealized = unrealized.Add(pnl)
		switch {
		case pnl.IsPositive():
			snap.Winning++
		case pnl.IsNegative():
			snap.Losing++
		}
	}
	snap.UnrealizedPnL = unrealized
	snap.TotalValue = snap.Cash.Add(snap.MarketValue)

	if len(stale) > 0 {
		return snap, model.NewStalePriceError(stale)
	}
	return snap, nil
}
