package risk

import (
	"context"
	"sort"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/observ"
)

// StopLossTrigger is a holding whose unrealized loss exceeds the stop-loss threshold.
type StopLossTrigger struct {
	Symbol       string    `json:"symbol"`
	Quantity     int       `json:"quantity"`
	AvgPrice     float64   `json:"avg_price"`
	CurrentPrice float64   `json:"current_price"`
	LossPct      float64   `json:"loss_pct"`
	TimestampUTC time.Time `json:"timestamp_utc"`
}

// CheckStopLosses scans the gate's holdings against prices. Symbols without a price are skipped.
func (g *Gate) CheckStopLosses(prices map[string]float64) []StopLossTrigger {
	now := g.opts.Now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []StopLossTrigger
	for symbol, pos := range g.costBasis {
		price, ok := prices[symbol]
		if !ok || price <= 0 || pos.AvgPrice <= 0 {
			continue
		}
		loss := (pos.AvgPrice - price) / pos.AvgPrice
		if loss <= g.limits.StopLossThreshold {
			continue
		}
		out = append(out, StopLossTrigger{
			Symbol:       symbol,
			Quantity:     pos.Quantity,
			AvgPrice:     pos.AvgPrice,
			CurrentPrice: price,
			LossPct:      loss,
			TimestampUTC: now,
		})
		observ.IncCounter("stop_loss_triggers_total", map[string]string{"symbol": symbol})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Summary is the point-in-time risk picture reported in portfolio status.
type Summary struct {
	Limits           Limits             `json:"limits"`
	Daily            DailyCounters      `json:"daily"`
	PortfolioValue   float64            `json:"portfolio_value"`
	Cash             float64            `json:"cash"`
	Concentrations   map[string]float64 `json:"concentrations"`
	MaxConcentration float64            `json:"max_concentration"`
	Volatility       map[string]float64 `json:"volatility"`
	DailyLossUsedPct float64            `json:"daily_loss_used_pct"`
}

func (g *Gate) Summary(ctx context.Context) Summary {
	acct := g.account(ctx)
	s := Summary{
		Limits:         g.limits,
		PortfolioValue: acct.PortfolioValue,
		Cash:           acct.Cash,
		Concentrations: map[string]float64{},
		Volatility:     map[string]float64{},
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s.Daily = g.daily
	if acct.PortfolioValue > 0 {
		for _, p := range acct.Positions {
			c := p.MarketValue / acct.PortfolioValue
			s.Concentrations[p.Symbol] = c
			if c > s.MaxConcentration {
				s.MaxConcentration = c
			}
		}
		if g.daily.PnL < 0 {
			s.DailyLossUsedPct = -g.daily.PnL / (acct.PortfolioValue * g.limits.MaxDailyLoss) * 100
		}
	}
	for symbol := range g.prices {
		s.Volatility[symbol] = g.volatilityLocked(symbol)
	}
	return s
}
