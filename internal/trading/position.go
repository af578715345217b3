package trading

import (
	"math"
	"time"
)

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// sign returns the signed-quantity direction of the side.
func (s Side) sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Position is per-symbol trading state. Quantity is signed: positive long,
// negative short. AveragePrice is the cost basis of the currently open net
// quantity and is recomputed, never accumulated, on every fill.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AveragePrice  float64   `json:"average_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFlat returns true if the position has no exposure.
func (p *Position) IsFlat() bool {
	return p == nil || p.Quantity == 0
}

// ApplyFill mutates the position with a fill and returns the PnL realized by
// any quantity it closed.
//
// Case analysis:
//   - flat + any side: opens at the trade price (negative quantity for sell).
//   - same direction: average price becomes the weighted average of old and
//     new cost; quantity grows.
//   - opposite direction, smaller than open quantity: partial close. Realized
//     PnL credits closedQty*(price-avg) in the position's direction; average
//     price is unchanged.
//   - opposite direction, equal: full close, average price resets.
//   - opposite direction, larger: closes the old position and reverses; the
//     excess beyond flat opens at the trade price.
func (p *Position) ApplyFill(side Side, quantity, price float64) (realized float64) {
	delta := side.sign() * quantity

	switch {
	case p.Quantity == 0:
		p.Quantity = delta
		p.AveragePrice = price

	case sameSign(p.Quantity, delta):
		newQty := p.Quantity + delta
		p.AveragePrice = (p.Quantity*p.AveragePrice + delta*price) / newQty
		p.Quantity = newQty

	default:
		closed := math.Min(math.Abs(delta), math.Abs(p.Quantity))
		realized = closed * (price - p.AveragePrice) * direction(p.Quantity)

		newQty := p.Quantity + delta
		switch {
		case newQty == 0:
			p.Quantity = 0
			p.AveragePrice = 0
		case sameSign(newQty, p.Quantity):
			// Partial close: cost basis of the remainder is unchanged.
			p.Quantity = newQty
		default:
			// Flip: the excess opens a fresh position at the trade price.
			p.Quantity = newQty
			p.AveragePrice = price
		}
		p.RealizedPnL += realized
	}

	p.UpdatedAt = time.Now().UTC()
	return realized
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func direction(qty float64) float64 {
	if qty < 0 {
		return -1
	}
	return 1
}
