package portfolio

import "fmt"

// Book is one symbol's trading ledger: cash plus a single long position.
// It is owned by a controller and not safe for concurrent use.
type Book struct {
	Symbol         string
	InitialBalance float64
	Fee            float64 // fraction of notional charged per trade
	Cash           float64
	Position       Position
}

func NewBook(symbol string, initial, fee float64) *Book {
	return &Book{Symbol: symbol, InitialBalance: initial, Fee: fee, Cash: initial}
}

// BuyCost is the cash a buy of qty at price would consume.
func (b *Book) BuyCost(qty int, price float64) float64 {
	return float64(qty) * price * (1 + b.Fee)
}

func (b *Book) Buy(qty int, price float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	cost := b.BuyCost(qty, price)
	if cost > b.Cash {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, cost, b.Cash)
	}
	b.Cash -= cost
	b.Position = b.Position.Add(qty, price)
	return nil
}

// SellAll closes the position and returns realized profit net of fees.
func (b *Book) SellAll(price float64) (qty int, profit float64, err error) {
	if b.Position.Quantity <= 0 {
		return 0, 0, ErrNoPosition
	}
	qty = b.Position.Quantity
	revenue := float64(qty) * price * (1 - b.Fee)
	profit = revenue - float64(qty)*b.Position.AvgPrice
	b.Cash += revenue
	b.Position = b.Position.Reduce(qty)
	return qty, profit, nil
}

// Debit removes cash without touching the position, used for option premiums.
func (b *Book) Debit(amount float64) error {
	if amount > b.Cash {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, amount, b.Cash)
	}
	b.Cash -= amount
	return nil
}

func (b *Book) Credit(amount float64) {
	b.Cash += amount
}

// Value is cash plus the position marked at price.
func (b *Book) Value(price float64) float64 {
	return b.Cash + b.Position.MarketValue(price)
}

// Concentration is the position's share of book value at price.
func (b *Book) Concentration(price float64) float64 {
	v := b.Value(price)
	if v <= 0 || b.Position.Quantity <= 0 {
		return 0
	}
	return b.Position.MarketValue(price) / v
}

// Checkpoint captures state for Rollback.
type Checkpoint struct {
	cash     float64
	position Position
}

func (b *Book) Checkpoint() Checkpoint {
	return Checkpoint{cash: b.Cash, position: b.Position}
}

func (b *Book) Rollback(c Checkpoint) {
	b.Cash = c.cash
	b.Position = c.position
}

func (b *Book) Reset() {
	b.Cash = b.InitialBalance
	b.Position = Position{}
}
