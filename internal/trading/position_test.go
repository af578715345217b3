package trading_test

import (
	"math"
	"testing"
	"time"

	"papertrade/internal/trading"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================================
// Test: ApplyFill case analysis
// ============================================================================

func TestApplyFill_OpenLong(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	realized := pos.ApplyFill(trading.SideBuy, 100, 150.0)

	if realized != 0 {
		t.Errorf("opening trade realized %v, want 0", realized)
	}
	if pos.Quantity != 100 || pos.AveragePrice != 150.0 || pos.RealizedPnL != 0 {
		t.Errorf("got %+v, want qty=100 avg=150 realized=0", pos)
	}
}

func TestApplyFill_OpenShort(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideSell, 50, 200.0)

	if pos.Quantity != -50 {
		t.Errorf("short open quantity = %v, want -50", pos.Quantity)
	}
	if pos.AveragePrice != 200.0 {
		t.Errorf("short open avg = %v, want 200", pos.AveragePrice)
	}
}

func TestApplyFill_SameDirectionWeightedAverage(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideBuy, 100, 150.0)
	pos.ApplyFill(trading.SideBuy, 100, 160.0)

	if pos.Quantity != 200 {
		t.Errorf("quantity = %v, want 200", pos.Quantity)
	}
	if !almostEqual(pos.AveragePrice, 155.0) {
		t.Errorf("avg = %v, want 155 ((100*150+100*160)/200)", pos.AveragePrice)
	}
}

func TestApplyFill_PartialClose(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideBuy, 100, 150.0)
	pos.ApplyFill(trading.SideBuy, 100, 160.0)
	realized := pos.ApplyFill(trading.SideSell, 50, 170.0)

	if pos.Quantity != 150 {
		t.Errorf("quantity = %v, want 150", pos.Quantity)
	}
	if !almostEqual(pos.AveragePrice, 155.0) {
		t.Errorf("avg = %v, want 155 (unchanged on partial close)", pos.AveragePrice)
	}
	if !almostEqual(realized, 750.0) {
		t.Errorf("realized = %v, want 750 (50*(170-155))", realized)
	}
	if !almostEqual(pos.RealizedPnL, 750.0) {
		t.Errorf("cumulative realized = %v, want 750", pos.RealizedPnL)
	}
}

func TestApplyFill_FullClose(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideBuy, 100, 150.0)
	realized := pos.ApplyFill(trading.SideSell, 100, 140.0)

	if !pos.IsFlat() {
		t.Errorf("position not flat after full close: %+v", pos)
	}
	if pos.AveragePrice != 0 {
		t.Errorf("avg = %v, want 0 after full close", pos.AveragePrice)
	}
	if !almostEqual(realized, -1000.0) {
		t.Errorf("realized = %v, want -1000 (100*(140-150))", realized)
	}
}

func TestApplyFill_CloseAndFlip(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideBuy, 100, 150.0)
	realized := pos.ApplyFill(trading.SideSell, 150, 170.0)

	if pos.Quantity != -50 {
		t.Errorf("quantity = %v, want -50 (flipped short)", pos.Quantity)
	}
	if pos.AveragePrice != 170.0 {
		t.Errorf("avg = %v, want 170 (flip opens at trade price)", pos.AveragePrice)
	}
	if !almostEqual(realized, 2000.0) {
		t.Errorf("realized = %v, want 2000 (100*(170-150))", realized)
	}
}

func TestApplyFill_ShortPartialCloseProfit(t *testing.T) {
	pos := &trading.Position{Symbol: "TSLA"}
	pos.ApplyFill(trading.SideSell, 100, 300.0)
	realized := pos.ApplyFill(trading.SideBuy, 40, 280.0)

	if pos.Quantity != -60 {
		t.Errorf("quantity = %v, want -60", pos.Quantity)
	}
	if !almostEqual(pos.AveragePrice, 300.0) {
		t.Errorf("avg = %v, want 300 (unchanged)", pos.AveragePrice)
	}
	// Short covers at a lower price: profit in the position's direction.
	if !almostEqual(realized, 800.0) {
		t.Errorf("realized = %v, want 800 (40*(280-300)*-1)", realized)
	}
}

func TestApplyFill_RealizedAccumulatesAcrossCloses(t *testing.T) {
	pos := &trading.Position{Symbol: "AAPL"}
	pos.ApplyFill(trading.SideBuy, 100, 100.0)
	pos.ApplyFill(trading.SideSell, 50, 110.0) // +500
	pos.ApplyFill(trading.SideSell, 50, 90.0)  // -500

	if !pos.IsFlat() {
		t.Fatalf("position should be flat, got %+v", pos)
	}
	if !almostEqual(pos.RealizedPnL, 0.0) {
		t.Errorf("cumulative realized = %v, want 0", pos.RealizedPnL)
	}
}

func TestIsFlat_NilPosition(t *testing.T) {
	var pos *trading.Position
	if !pos.IsFlat() {
		t.Error("nil position should be flat")
	}
}

func TestSide_Opposite(t *testing.T) {
	if trading.SideBuy.Opposite() != trading.SideSell {
		t.Error("buy opposite should be sell")
	}
	if trading.SideSell.Opposite() != trading.SideBuy {
		t.Error("sell opposite should be buy")
	}
}

func TestNewTradeID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := trading.NewTradeID(time.Now())
		if seen[id] {
			t.Fatalf("duplicate trade id: %s", id)
		}
		seen[id] = true
	}
}
