package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

func sectorSnapshot(positions ...model.Position) model.Snapshot {
	snap := model.Snapshot{
		Cash:      d(10000),
		Positions: map[string]model.Position{},
		Prices:    map[string]decimal.Decimal{},
	}
	for _, p := range positions {
		snap.Positions[p.Symbol] = p
		snap.Prices[p.Symbol] = p.AvgEntryPrice
	}
	total := snap.Cash
	for _, p := range snap.Positions {
		total = total.Add(p.CostBasis())
	}
	snap.TotalValue = total
	return snap
}

var techSectors = NewSectorMap(map[string]string{
	"AAPL": "TECH",
	"MSFT": "TECH",
	"NVDA": "TECH",
	"XOM":  "ENERGY",
})

func TestCheckSectorLimit_WithinLimits(t *testing.T) {
	policy := testPolicy()
	v := CheckSectorLimit(sectorSnapshot(), policy, techSectors, "AAPL", 10, d(100))
	if !v.Allowed {
		t.Errorf("expected allowed, got %+v", v)
	}
}

func TestCheckSectorLimit_Exceeded(t *testing.T) {
	policy := testPolicy() // max sector 0.25

	// Total = 10000 cash + 2000 + 1500 = 13500.
	// Tech after trade = 2000 + 1500 + 200 = 3700 → 27.4% > 25%.
	snap := sectorSnapshot(
		model.Position{Symbol: "AAPL", Quantity: 20, AvgEntryPrice: d(100)},
		model.Position{Symbol: "MSFT", Quantity: 5, AvgEntryPrice: d(300)},
	)
	v := CheckSectorLimit(snap, policy, techSectors, "NVDA", 2, d(100))
	if v.Allowed || v.Reason != ReasonSectorLimit {
		t.Errorf("expected sector limit rejection, got %+v", v)
	}
}

func TestCheckSectorLimit_OtherSectorsIgnored(t *testing.T) {
	policy := testPolicy()

	// Energy holding is large but does not count toward TECH.
	snap := sectorSnapshot(
		model.Position{Symbol: "XOM", Quantity: 30, AvgEntryPrice: d(100)},
	)
	v := CheckSectorLimit(snap, policy, techSectors, "AAPL", 10, d(100))
	if !v.Allowed {
		t.Errorf("other sectors should be ignored, got %+v", v)
	}
}

func TestCheckSectorLimit_SellReducesExposure(t *testing.T) {
	policy := testPolicy()
	snap := sectorSnapshot(
		model.Position{Symbol: "AAPL", Quantity: 80, AvgEntryPrice: d(100)},
	)
	v := CheckSectorLimit(snap, policy, techSectors, "AAPL", -20, d(100))
	if !v.Allowed {
		t.Errorf("sell should reduce exposure, got %+v", v)
	}
}

func TestCheckSectorLimit_UnclassifiedIsOneSector(t *testing.T) {
	policy := testPolicy()
	empty := NewSectorMap(nil)

	// Both symbols unknown → same UNCLASSIFIED bucket.
	// Total = 10000 + 2500 = 12500; bucket after = 2500 + 1000 = 3500 → 28% > 25%.
	snap := sectorSnapshot(
		model.Position{Symbol: "ZZZ", Quantity: 25, AvgEntryPrice: d(100)},
	)
	v := CheckSectorLimit(snap, policy, empty, "YYY", 10, d(100))
	if v.Allowed {
		t.Errorf("unclassified symbols should share one sector limit, got %+v", v)
	}
}

func TestSectorMap_Replace(t *testing.T) {
	m := NewSectorMap(map[string]string{"aapl": "tech"})
	if m.Sector("AAPL") != "tech" {
		t.Errorf("lookup should be case-insensitive on symbol, got %q", m.Sector("AAPL"))
	}
	m.Replace(map[string]string{"XOM": "ENERGY"})
	if m.Sector("AAPL") != Unclassified {
		t.Errorf("replaced table should drop AAPL, got %q", m.Sector("AAPL"))
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 mapping, got %d", m.Len())
	}
}

func TestSectorExposure(t *testing.T) {
	snap := sectorSnapshot(
		model.Position{Symbol: "AAPL", Quantity: 10, AvgEntryPrice: d(100)},
		model.Position{Symbol: "MSFT", Quantity: 1, AvgEntryPrice: d(300)},
		model.Position{Symbol: "XOM", Quantity: 2, AvgEntryPrice: d(50)},
	)
	exp := SectorExposure(snap, techSectors)
	if !exp["TECH"].Equal(d(1300)) || !exp["ENERGY"].Equal(d(100)) {
		t.Errorf("unexpected exposure %v", exp)
	}
}
