package adapters

import (
	"context"
	"fmt"

	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
)

// PaperBroker fills every valid order immediately at the order price against an
// account-wide ledger. It is also the paper-mode AccountSource.
type PaperBroker struct {
	ledger *portfolio.Manager
}

func NewPaperBroker(ledger *portfolio.Manager) *PaperBroker {
	return &PaperBroker{ledger: ledger}
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("paper order rejected: %w", err)
	}

	var err error
	switch o.Side {
	case SideBuy:
		err = p.ledger.ApplyFill(o.Symbol, o.Quantity, o.Price)
	case SideSell:
		err = p.ledger.ApplyFill(o.Symbol, -o.Quantity, o.Price)
	case SideOption:
		err = p.ledger.Debit(o.Price)
	default:
		err = fmt.Errorf("unknown side %q", o.Side)
	}
	if err != nil {
		return fmt.Errorf("paper order rejected: %w", err)
	}

	observ.IncCounter("paper_fills_total", map[string]string{"side": string(o.Side)})
	return nil
}

// ObserveBar marks positions to market so PortfolioValue tracks prices.
func (p *PaperBroker) ObserveBar(b Bar) {
	p.ledger.MarkPrice(b.Symbol, b.Price)
}

func (p *PaperBroker) Account(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	acct := Account{Cash: p.ledger.Cash()}
	acct.PortfolioValue = acct.Cash
	for _, h := range p.ledger.Holdings() {
		mv := h.Position.MarketValue(h.LastPrice)
		acct.Positions = append(acct.Positions, AccountPosition{
			Symbol:      h.Symbol,
			Quantity:    h.Position.Quantity,
			AvgPrice:    h.Position.AvgPrice,
			MarketValue: mv,
		})
		acct.PortfolioValue += mv
	}
	return acct, nil
}
