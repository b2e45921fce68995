package portfolio

import "errors"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPosition        = errors.New("no position to sell")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Position is a long holding with weighted-average cost basis.
type Position struct {
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Add folds a buy into the weighted average.
func (p Position) Add(qty int, price float64) Position {
	if qty <= 0 {
		return p
	}
	total := p.AvgPrice*float64(p.Quantity) + price*float64(qty)
	p.Quantity += qty
	p.AvgPrice = total / float64(p.Quantity)
	return p
}

// Reduce removes up to qty units; the average is unchanged until the position is flat.
func (p Position) Reduce(qty int) Position {
	p.Quantity -= qty
	if p.Quantity <= 0 {
		return Position{}
	}
	return p
}

func (p Position) MarketValue(price float64) float64 {
	return float64(p.Quantity) * price
}

// UnrealizedReturn is (price-avg)/avg, 0 when flat.
func (p Position) UnrealizedReturn(price float64) float64 {
	if p.Quantity <= 0 || p.AvgPrice <= 0 {
		return 0
	}
	return (price - p.AvgPrice) / p.AvgPrice
}
