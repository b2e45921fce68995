package controller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/agent"
	"github.com/Rajchodisetti/agent-trader/internal/features"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

const (
	holdRewardScale      = 0.1
	profitScale          = 1000.0
	insufficientPenalty  = -0.1
	rejectionPenalty     = -0.2
	failurePenalty       = -0.1
	buySuccessReward     = 0.01
	optionPremiumRate    = 0.05
	optionMinCashRate    = 0.10
	optionLeverage       = 2.0
	concentrationScale   = 0.1
	volatilityPenalty    = 0.01
	volatilityLookback   = 5
	volatilityRelStdCap  = 0.05
	normalizationPercent = 100.0
)

const (
	NormalizeFixed     = "fixed"
	NormalizePortfolio = "portfolio"
)

type EnvConfig struct {
	InitialBalance       float64
	Fee                  float64
	MaxSteps             int
	HistoryWindow        int
	SizingConfidence     float64
	PenaltyConcentration float64
	RewardNormalization  string
}

func (c *EnvConfig) applyDefaults() {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 100000
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 1000
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 50
	}
	if c.SizingConfidence <= 0 {
		c.SizingConfidence = 1
	}
	if c.PenaltyConcentration <= 0 {
		c.PenaltyConcentration = 0.2
	}
	if c.RewardNormalization == "" {
		c.RewardNormalization = NormalizeFixed
	}
}

// Performance is the metrics snapshot of one episode.
type Performance struct {
	WinRate          float64 `json:"win_rate"`
	TotalReturn      float64 `json:"total_return"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	TotalTrades      int     `json:"total_trades"`
	SuccessfulTrades int     `json:"successful_trades"`
	TotalReward      float64 `json:"total_reward"`
	Steps            int     `json:"steps"`
	Balance          float64 `json:"balance"`
	PortfolioValue   float64 `json:"portfolio_value"`
}

type episode struct {
	steps            int
	rewards          []float64
	totalTrades      int
	successfulTrades int
	startValue       float64
}

// outcome is the result of applying one action to the ledger.
type outcome struct {
	reward float64
	info   map[string]any
	trade  *storage.TradeRecord
}

// Env is one symbol's trading environment: the ledger, the feature history and
// the current episode. Live controllers pass the shared gate and a broker; sandbox
// runs use a gate backed by the env itself and no broker.
type Env struct {
	symbol string
	mode   string
	cfg    EnvConfig
	book   *portfolio.Book
	feats  *features.Builder
	gate   *risk.Gate
	broker adapters.Broker
	now    func() time.Time
	// parent is the live gate a sandbox env derives a fresh gate from on every reset.
	parent *risk.Gate

	lastPrice float64
	prevPrice float64
	ep        episode
}

func newEnv(symbol, mode string, cfg EnvConfig, gate *risk.Gate, broker adapters.Broker, now func() time.Time) *Env {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	e := &Env{
		symbol: symbol,
		mode:   mode,
		cfg:    cfg,
		book:   portfolio.NewBook(symbol, cfg.InitialBalance, cfg.Fee),
		feats:  features.NewBuilder(cfg.HistoryWindow),
		gate:   gate,
		broker: broker,
		now:    now,
	}
	e.ep.startValue = cfg.InitialBalance
	return e
}

// newSandboxEnv builds an isolated environment whose risk gate sees only this env's ledger.
func newSandboxEnv(symbol string, cfg EnvConfig, live *risk.Gate) *Env {
	e := newEnv(symbol, "sandbox", cfg, nil, nil, nil)
	if live != nil {
		e.parent = live
		e.gate = live.Sandbox(e)
	}
	return e
}

func (e *Env) holdings() features.Holdings {
	return features.Holdings{
		Quantity:       e.book.Position.Quantity,
		Cash:           e.book.Cash,
		InitialBalance: e.book.InitialBalance,
	}
}

// Account reports the env's own ledger. Sandbox gates use it as their account source.
func (e *Env) Account(ctx context.Context) (adapters.Account, error) {
	acct := adapters.Account{Cash: e.book.Cash, PortfolioValue: e.book.Value(e.lastPrice)}
	if q := e.book.Position.Quantity; q > 0 {
		acct.Positions = []adapters.AccountPosition{{
			Symbol:      e.symbol,
			Quantity:    q,
			AvgPrice:    e.book.Position.AvgPrice,
			MarketValue: e.book.Position.MarketValue(e.lastPrice),
		}}
	}
	return acct, nil
}

// Observe records the tick and returns the observation the agent acts on.
func (e *Env) Observe(s features.Snapshot) features.Observation {
	obs := e.feats.Build(s, e.holdings())
	e.prevPrice = e.lastPrice
	e.lastPrice = obs.Price
	if e.gate != nil {
		e.gate.ObservePrice(e.symbol, obs.Price)
	}
	return obs
}

// Next is the post-action view of obs: same market, updated position and cash.
func (e *Env) Next(obs features.Observation) features.Observation {
	return features.Project(obs, e.holdings())
}

// Apply executes a on the ledger at the last observed price and returns the shaped reward.
func (e *Env) Apply(ctx context.Context, a agent.Action) outcome {
	price := e.lastPrice
	cashBefore := e.book.Cash
	if e.parent != nil {
		e.gate.AdvanceDay()
	}
	posBefore := e.book.Position.Quantity

	var out outcome
	switch a {
	case agent.Buy:
		out = e.buy(ctx, price)
	case agent.Sell:
		out = e.sell(ctx, price)
	case agent.BuyCall, agent.BuyPut:
		out = e.option(ctx, a, price)
	default:
		out = e.hold(price)
	}
	if out.info == nil {
		out.info = map[string]any{}
	}
	out.info["price"] = price

	if p := e.penalty(price); p > 0 {
		out.reward -= p
		out.info["risk_penalty"] = p
	}

	e.ep.steps++
	e.ep.rewards = append(e.ep.rewards, out.reward)

	if a != agent.Hold {
		success, _ := out.info["success"].(bool)
		rec := storage.TradeRecord{
			ID:             uuid.NewString(),
			Symbol:         e.symbol,
			Action:         a.String(),
			Price:          price,
			Reward:         out.reward,
			BalanceBefore:  cashBefore,
			BalanceAfter:   e.book.Cash,
			PositionBefore: posBefore,
			PositionAfter:  e.book.Position.Quantity,
			Mode:           e.mode,
			Success:        success,
			Timestamp:      e.now().UTC(),
		}
		if q, ok := out.info["quantity"].(int); ok {
			rec.Quantity = q
		}
		if reason, ok := out.info["reason"].(string); ok && !success {
			rec.Error = reason
		}
		out.trade = &rec
	}
	return out
}

func (e *Env) hold(price float64) outcome {
	pos := e.book.Position
	r := 0.0
	if pos.Quantity > 0 {
		r = holdRewardScale * pos.UnrealizedReturn(price)
	}
	return outcome{reward: r, info: map[string]any{"action": "hold"}}
}

func (e *Env) buy(ctx context.Context, price float64) outcome {
	info := map[string]any{"action": "buy", "success": false}
	qty := 0
	if e.gate != nil {
		qty = e.gate.SizePosition(ctx, e.symbol, price, e.cfg.SizingConfidence)
	} else if price > 0 {
		qty = int(math.Floor(e.book.Cash * 0.1 / price))
	}
	info["quantity"] = qty
	if qty <= 0 || e.book.BuyCost(qty, price) > e.book.Cash {
		info["reason"] = "insufficient_funds"
		return outcome{reward: insufficientPenalty, info: info}
	}

	if e.gate != nil {
		d := e.gate.Check(ctx, e.symbol, risk.Increase, qty, price)
		if len(d.Warnings) > 0 {
			info["warnings"] = d.Warnings
		}
		if !d.Approved {
			info["reason"] = "risk_rejected"
			info["rejections"] = d.Rejections
			return outcome{reward: rejectionPenalty, info: info}
		}
	}

	cp := e.book.Checkpoint()
	if err := e.book.Buy(qty, price); err != nil {
		info["reason"] = err.Error()
		return outcome{reward: insufficientPenalty, info: info}
	}
	if err := e.submit(ctx, adapters.Order{Symbol: e.symbol, Side: adapters.SideBuy, Quantity: qty, Price: price}); err != nil {
		e.book.Rollback(cp)
		info["reason"] = err.Error()
		return outcome{reward: failurePenalty, info: info}
	}

	e.ep.totalTrades++
	if e.gate != nil {
		e.gate.Record(e.symbol, risk.Increase, qty, price, 0)
	}
	info["success"] = true
	info["cost"] = e.book.BuyCost(qty, price)
	return outcome{reward: buySuccessReward, info: info}
}

func (e *Env) sell(ctx context.Context, price float64) outcome {
	info := map[string]any{"action": "sell", "success": false}
	qty := e.book.Position.Quantity
	info["quantity"] = qty
	if qty <= 0 {
		info["reason"] = "no_position"
		return outcome{reward: insufficientPenalty, info: info}
	}

	if e.gate != nil {
		d := e.gate.Check(ctx, e.symbol, risk.Reduce, qty, price)
		if !d.Approved {
			info["reason"] = "risk_rejected"
			info["rejections"] = d.Rejections
			return outcome{reward: rejectionPenalty, info: info}
		}
	}

	cp := e.book.Checkpoint()
	sold, profit, err := e.book.SellAll(price)
	if err != nil {
		info["reason"] = err.Error()
		return outcome{reward: insufficientPenalty, info: info}
	}
	if err := e.submit(ctx, adapters.Order{Symbol: e.symbol, Side: adapters.SideSell, Quantity: sold, Price: price}); err != nil {
		e.book.Rollback(cp)
		info["reason"] = err.Error()
		return outcome{reward: failurePenalty, info: info}
	}

	e.ep.totalTrades++
	if profit > 0 {
		e.ep.successfulTrades++
	}
	if e.gate != nil {
		e.gate.Record(e.symbol, risk.Reduce, sold, price, profit)
	}
	info["success"] = true
	info["profit"] = profit
	return outcome{reward: e.scaleProfit(profit, price), info: info}
}

func (e *Env) scaleProfit(profit, price float64) float64 {
	if e.cfg.RewardNormalization == NormalizePortfolio {
		if v := e.book.Value(price); v > 0 {
			return profit / v * normalizationPercent
		}
		return 0
	}
	return profit / profitScale
}

// option buys a one-tick call or put: the premium is spent and the payoff is the
// leveraged price move since the previous tick.
func (e *Env) option(ctx context.Context, a agent.Action, price float64) outcome {
	kind := "call"
	if a == agent.BuyPut {
		kind = "put"
	}
	info := map[string]any{"action": a.String(), "success": false, "quantity": 1}
	premium := price * optionPremiumRate
	info["premium"] = premium
	if e.book.Cash < price*optionMinCashRate {
		info["reason"] = "insufficient_funds"
		return outcome{reward: insufficientPenalty, info: info}
	}

	if e.gate != nil {
		d := e.gate.Check(ctx, e.symbol, risk.Increase, 1, premium)
		if !d.Approved {
			info["reason"] = "risk_rejected"
			info["rejections"] = d.Rejections
			return outcome{reward: rejectionPenalty, info: info}
		}
	}

	cp := e.book.Checkpoint()
	if err := e.book.Debit(premium); err != nil {
		info["reason"] = err.Error()
		return outcome{reward: insufficientPenalty, info: info}
	}
	if err := e.submit(ctx, adapters.Order{Symbol: e.symbol, Side: adapters.SideOption, Quantity: 1, Price: premium, Kind: kind}); err != nil {
		e.book.Rollback(cp)
		info["reason"] = err.Error()
		return outcome{reward: failurePenalty, info: info}
	}

	ret := 0.0
	if e.prevPrice > 0 {
		ret = (price - e.prevPrice) / e.prevPrice
	}
	if a == agent.BuyPut {
		ret = -ret
	}
	reward := optionLeverage * ret

	e.ep.totalTrades++
	if reward > 0 {
		e.ep.successfulTrades++
	}
	if e.gate != nil {
		e.gate.Record(e.symbol, risk.Increase, 0, premium, 0)
	}
	info["success"] = true
	info["option_return"] = ret
	return outcome{reward: reward, info: info}
}

func (e *Env) submit(ctx context.Context, o adapters.Order) error {
	if e.broker == nil {
		return nil
	}
	o.ID = uuid.NewString()
	if err := e.broker.SubmitOrder(ctx, o); err != nil {
		observ.Warn("order_failed", map[string]any{
			"symbol": e.symbol,
			"side":   string(o.Side),
			"qty":    o.Quantity,
			"price":  o.Price,
			"reason": err.Error(),
		})
		observ.IncCounter("orders_failed_total", map[string]string{"symbol": e.symbol})
		return fmt.Errorf("submit %s order: %w", o.Side, err)
	}
	return nil
}

// penalty is the additive risk term subtracted from every step's reward.
func (e *Env) penalty(price float64) float64 {
	p := 0.0
	if c := e.book.Concentration(price); c > e.cfg.PenaltyConcentration {
		p += (c - e.cfg.PenaltyConcentration) * concentrationScale
	}
	recent := e.feats.RecentPrices(volatilityLookback)
	if len(recent) >= 2 {
		if m := features.Mean(recent); m > 0 && features.StdDev(recent)/m > volatilityRelStdCap {
			p += volatilityPenalty
		}
	}
	return p
}

// Done reports whether the episode must terminate and why.
func (e *Env) Done() (bool, string) {
	switch {
	case e.book.Cash <= 0:
		return true, "balance_depleted"
	case e.ep.steps >= e.cfg.MaxSteps:
		return true, "max_steps"
	}
	return false, ""
}

func (e *Env) Performance() Performance {
	p := Performance{
		TotalTrades:      e.ep.totalTrades,
		SuccessfulTrades: e.ep.successfulTrades,
		Steps:            e.ep.steps,
		Balance:          e.book.Cash,
		PortfolioValue:   e.book.Value(e.lastPrice),
	}
	if p.TotalTrades > 0 {
		p.WinRate = float64(p.SuccessfulTrades) / float64(p.TotalTrades)
	}
	if e.ep.startValue > 0 {
		p.TotalReturn = (p.PortfolioValue - e.ep.startValue) / e.ep.startValue
	}
	for _, r := range e.ep.rewards {
		p.TotalReward += r
	}
	p.SharpeRatio = sharpe(e.ep.rewards)
	return p
}

// endEpisode snapshots performance and starts a new episode on the same ledger.
func (e *Env) endEpisode() Performance {
	p := e.Performance()
	e.ep = episode{startValue: e.book.Value(e.lastPrice)}
	return p
}

// reset restores the initial ledger and clears history. A sandbox env also gets
// a fresh gate so no risk state leaks between episodes.
func (e *Env) reset() {
	e.book.Reset()
	e.feats.Reset()
	if e.parent != nil {
		e.gate = e.parent.Sandbox(e)
	}
	e.lastPrice, e.prevPrice = 0, 0
	e.ep = episode{startValue: e.book.InitialBalance}
}

func sharpe(rewards []float64) float64 {
	if len(rewards) < 2 {
		return 0
	}
	return features.Mean(rewards) / (features.StdDev(rewards) + 1e-6)
}
