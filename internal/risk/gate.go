package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/features"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
)

// Side is the direction of a trade under review.
type Side int

const (
	Increase Side = iota // buys and option purchases
	Reduce               // sells
)

// Decision is the outcome of Check. Approved is false exactly when Rejections is non-empty.
type Decision struct {
	Approved       bool     `json:"approved"`
	Rejections     []string `json:"rejections"`
	Warnings       []string `json:"warnings"`
	PortfolioValue float64  `json:"portfolio_value"`
}

// DailyCounters are portfolio-wide and reset only at a trading-day boundary.
type DailyCounters struct {
	Day    string  `json:"day"`
	Trades int     `json:"trades"`
	PnL    float64 `json:"pnl"`
}

type Options struct {
	HighVolatility float64 // annualized; above it sizing halves and Check warns
	PriceWindow    int
	Location       *time.Location // trading-day boundary
	Now            func() time.Time

	// DailyLossBlocksSells extends the daily-loss rule to risk-reducing trades.
	DailyLossBlocksSells bool
}

// Gate is the single portfolio-wide risk authority shared by every symbol.
type Gate struct {
	limits   Limits
	accounts adapters.AccountSource
	opts     Options
	sandbox  bool // no shared metrics; AdvanceDay allowed

	mu        sync.Mutex
	daily     DailyCounters
	costBasis map[string]portfolio.Position
	prices    map[string]*features.Ring
}

func NewGate(limits Limits, accounts adapters.AccountSource, opts Options) (*Gate, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: account source is required", ErrInvalidLimits)
	}
	if opts.HighVolatility <= 0 {
		opts.HighVolatility = 0.5
	}
	if opts.PriceWindow < 2 {
		opts.PriceWindow = 20
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		limits:    limits,
		accounts:  accounts,
		opts:      opts,
		daily:     DailyCounters{Day: dayKey(opts.Now(), opts.Location)},
		costBasis: map[string]portfolio.Position{},
		prices:    map[string]*features.Ring{},
	}, nil
}

// Sandbox returns an independent gate with the same limits and fresh counters,
// for training and evaluation runs that must not touch live state.
func (g *Gate) Sandbox(accounts adapters.AccountSource) *Gate {
	s, _ := NewGate(g.limits, accounts, g.opts)
	s.sandbox = true
	return s
}

func (g *Gate) Limits() Limits { return g.limits }

// ObservePrice feeds the per-symbol window behind the volatility estimate.
func (g *Gate) ObservePrice(symbol string, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.prices[symbol]
	if !ok {
		r = features.NewRing(g.opts.PriceWindow)
		g.prices[symbol] = r
	}
	r.Push(price)
}

// Volatility is the annualized std of log returns over the symbol's window, 0 with fewer than 3 prices.
func (g *Gate) Volatility(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.volatilityLocked(symbol)
}

func (g *Gate) volatilityLocked(symbol string) float64 {
	r, ok := g.prices[symbol]
	if !ok || r.Len() < 3 {
		return 0
	}
	p := r.Values()
	logRets := make([]float64, 0, len(p)-1)
	for i := 1; i < len(p); i++ {
		logRets = append(logRets, math.Log(p[i]/p[i-1]))
	}
	return features.StdDev(logRets) * math.Sqrt(252)
}

func (g *Gate) volatilityFactor(vol float64) float64 {
	switch {
	case vol > g.opts.HighVolatility:
		return 0.5
	case vol > 0.3:
		return 0.75
	default:
		return 1.0
	}
}

// account never fails; the source is expected to be guarded and return a fallback.
func (g *Gate) account(ctx context.Context) adapters.Account {
	acct, err := g.accounts.Account(ctx)
	if err != nil || acct.PortfolioValue <= 0 {
		observ.Warn("risk_account_unavailable", map[string]any{"error": fmt.Sprint(err)})
		return adapters.Account{}
	}
	return acct
}

// SizePosition returns the share count for a buy at price with the given confidence in [0,1].
func (g *Gate) SizePosition(ctx context.Context, symbol string, price, confidence float64) int {
	if price <= 0 {
		return 0
	}
	pv := g.account(ctx).PortfolioValue
	if pv <= 0 {
		return 0
	}
	confidence = math.Max(0, math.Min(1, confidence))

	g.mu.Lock()
	factor := g.volatilityFactor(g.volatilityLocked(symbol))
	g.mu.Unlock()

	ceiling := int(math.Floor(pv * g.limits.MaxPositionFraction / price))
	if ceiling < 1 {
		return 0
	}
	qty := int(math.Floor(pv * g.limits.MaxPositionFraction * confidence * factor / price))
	if qty < 1 {
		qty = 1
	}
	if qty > ceiling {
		qty = ceiling
	}
	return qty
}

type rule struct {
	name  string
	sells bool // also applies to risk-reducing trades
	eval  func(c checkInput) string
}

type checkInput struct {
	symbol   string
	notional float64
	pv       float64
	exposure float64
	daily    DailyCounters
}

func (g *Gate) rules() []rule {
	return []rule{
		{name: "daily_trades", sells: true, eval: func(c checkInput) string {
			if c.daily.Trades >= g.limits.MaxDailyTrades {
				return fmt.Sprintf("daily trade limit reached (%d/%d)", c.daily.Trades, g.limits.MaxDailyTrades)
			}
			return ""
		}},
		{name: "daily_loss", sells: g.opts.DailyLossBlocksSells, eval: func(c checkInput) string {
			if c.daily.PnL < -c.pv*g.limits.MaxDailyLoss {
				return fmt.Sprintf("daily loss limit exceeded (%.2f < -%.2f)", c.daily.PnL, c.pv*g.limits.MaxDailyLoss)
			}
			return ""
		}},
		{name: "position_size", eval: func(c checkInput) string {
			if limit := c.pv * g.limits.MaxPositionFraction; c.notional > limit {
				return fmt.Sprintf("position size %.2f exceeds limit %.2f", c.notional, limit)
			}
			return ""
		}},
		{name: "concentration", eval: func(c checkInput) string {
			after := c.exposure + c.notional/c.pv
			if after > g.limits.MaxConcentration {
				return fmt.Sprintf("concentration %.1f%% for %s exceeds limit %.1f%%", after*100, c.symbol, g.limits.MaxConcentration*100)
			}
			return ""
		}},
	}
}

// Check evaluates a proposed trade against every limit, collecting all violations in
// precedence order. It never mutates gate state.
func (g *Gate) Check(ctx context.Context, symbol string, side Side, quantity int, price float64) Decision {
	acct := g.account(ctx)
	d := Decision{PortfolioValue: acct.PortfolioValue, Rejections: []string{}, Warnings: []string{}}

	if quantity <= 0 || price <= 0 {
		d.Rejections = append(d.Rejections, fmt.Sprintf("invalid order: quantity=%d price=%.4f", quantity, price))
	}
	if acct.PortfolioValue <= 0 {
		d.Rejections = append(d.Rejections, "portfolio value unavailable")
	}
	if len(d.Rejections) > 0 {
		return g.finish(d)
	}

	g.mu.Lock()
	in := checkInput{
		symbol:   symbol,
		notional: float64(quantity) * price,
		pv:       acct.PortfolioValue,
		exposure: g.exposureLocked(acct, symbol, price) / acct.PortfolioValue,
		daily:    g.daily,
	}
	vol := g.volatilityLocked(symbol)
	g.mu.Unlock()

	for _, r := range g.rules() {
		if side == Reduce && !r.sells {
			continue
		}
		if reason := r.eval(in); reason != "" {
			d.Rejections = append(d.Rejections, reason)
		}
	}

	if vol > g.opts.HighVolatility {
		d.Warnings = append(d.Warnings, fmt.Sprintf("high volatility for %s (%.2f annualized)", symbol, vol))
	}
	if adapters.OffHours(g.opts.Now()) {
		d.Warnings = append(d.Warnings, "outside regular market hours")
	}

	return g.finish(d)
}

func (g *Gate) finish(d Decision) Decision {
	d.Approved = len(d.Rejections) == 0
	outcome := "approved"
	if !d.Approved {
		outcome = "rejected"
	}
	if !g.sandbox {
		observ.IncCounter("risk_decisions_total", map[string]string{"outcome": outcome})
	}
	return d
}

// exposureLocked is the symbol's current market value, preferring the account view.
func (g *Gate) exposureLocked(acct adapters.Account, symbol string, price float64) float64 {
	if pos, ok := acct.Position(symbol); ok {
		if pos.MarketValue > 0 {
			return pos.MarketValue
		}
		return float64(pos.Quantity) * price
	}
	if pos, ok := g.costBasis[symbol]; ok {
		return pos.MarketValue(price)
	}
	return 0
}

// Record books an executed trade. pnl is the realized profit, 0 for buys.
func (g *Gate) Record(symbol string, side Side, quantity int, price, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily.Trades++
	g.daily.PnL += pnl

	if quantity > 0 {
		pos := g.costBasis[symbol]
		if side == Increase {
			pos = pos.Add(quantity, price)
		} else {
			pos = pos.Reduce(quantity)
		}
		if pos.Quantity == 0 {
			delete(g.costBasis, symbol)
		} else {
			g.costBasis[symbol] = pos
		}
	}

	if !g.sandbox {
		observ.SetGauge("risk_daily_trades", float64(g.daily.Trades), nil)
		observ.SetGauge("risk_daily_pnl", g.daily.PnL, nil)
	}
}

// ResetDaily zeroes the daily counters.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetDailyLocked(dayKey(g.opts.Now(), g.opts.Location))
}

func (g *Gate) resetDailyLocked(day string) {
	g.daily = DailyCounters{Day: day}
	if !g.sandbox {
		observ.SetGauge("risk_daily_trades", 0, nil)
		observ.SetGauge("risk_daily_pnl", 0, nil)
	}
}

// AdvanceDay starts a new session on a sandbox gate, where each bar of a training
// series is one trading day. Live gates ignore it and roll over on the clock.
func (g *Gate) AdvanceDay() {
	if !g.sandbox {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily = DailyCounters{Day: g.daily.Day}
}

// RolloverIfNeeded resets the daily counters when now falls on a new trading day.
// Call it once per orchestration cycle.
func (g *Gate) RolloverIfNeeded(now time.Time) bool {
	day := dayKey(now, g.opts.Location)
	g.mu.Lock()
	defer g.mu.Unlock()
	if day == g.daily.Day {
		return false
	}
	prev := g.daily
	g.resetDailyLocked(day)
	observ.Log("risk_daily_rollover", map[string]any{"previous_day": prev.Day, "day": day, "trades": prev.Trades, "pnl": prev.PnL})
	return true
}

func (g *Gate) Daily() DailyCounters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.daily
}

// CostBasis returns the gate's view of a symbol's holding.
func (g *Gate) CostBasis(symbol string) (portfolio.Position, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.costBasis[symbol]
	return p, ok
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
