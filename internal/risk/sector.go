package risk

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// Unclassified is the sector of symbols missing from the mapping. It is
// limited like any other sector.
const Unclassified = "UNCLASSIFIED"

// SectorLookup maps a symbol to its sector.
type SectorLookup interface {
	Sector(symbol string) string
}

// SectorMap is a replaceable symbol→sector table. Safe for concurrent use.
type SectorMap struct {
	mu      sync.RWMutex
	sectors map[string]string
}

// NewSectorMap creates a map from a symbol→sector table.
func NewSectorMap(table map[string]string) *SectorMap {
	m := &SectorMap{}
	m.Replace(table)
	return m
}

// Sector returns the sector for symbol, or Unclassified.
func (m *SectorMap) Sector(symbol string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sectors[strings.ToUpper(symbol)]; ok {
		return s
	}
	return Unclassified
}

// Replace swaps in a new table (periodic refresh).
func (m *SectorMap) Replace(table map[string]string) {
	next := make(map[string]string, len(table))
	for sym, sector := range table {
		sector = strings.TrimSpace(sector)
		if sector == "" {
			sector = Unclassified
		}
		next[strings.ToUpper(sym)] = sector
	}
	m.mu.Lock()
	m.sectors = next
	m.mu.Unlock()
}

// Len returns the number of mapped symbols.
func (m *SectorMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sectors)
}

// CheckSectorLimit rejects a buy that would push the aggregate market value
// of symbol's sector beyond max_sector_fraction of total portfolio value.
// Held positions in the sector are valued at snapshot prices (entry price
// when missing). Negative proposedQty (a sell) always passes.
func CheckSectorLimit(snap model.Snapshot, policy model.RiskPolicy, sectors SectorLookup, symbol string, proposedQty int64, price decimal.Decimal) Verdict {
	if proposedQty <= 0 {
		return allow(ReasonReducesExposure)
	}
	if !price.IsPositive() {
		return reject(ReasonNoPrice)
	}
	if !snap.TotalValue.IsPositive() {
		return reject(ReasonNoPortfolio)
	}

	target := sectors.Sector(symbol)
	held := snap.Positions[symbol].Quantity
	exposure := price.Mul(decimal.NewFromInt(held + proposedQty))

	for sym, pos := range snap.Positions {
		if sym == symbol {
			continue // already counted above
		}
		if sectors.Sector(sym) == target {
			exposure = exposure.Add(pos.MarketValue(priceOf(snap, pos)))
		}
	}

	if exposure.Div(snap.TotalValue).GreaterThan(policy.MaxSectorFraction) {
		return reject(ReasonSectorLimit)
	}
	return allow(ReasonOK)
}

// SectorExposure returns market value per sector for the snapshot.
func SectorExposure(snap model.Snapshot, sectors SectorLookup) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pos := range snap.Positions {
		s := sectors.Sector(pos.Symbol)
		out[s] = out[s].Add(pos.MarketValue(priceOf(snap, pos)))
	}
	return out
}
