// Package controller binds one symbol's feature builder, agent and ledger to the
// shared risk gate and runs the act, reward, learn cycle.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/agent"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/features"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

const (
	minEvalHistory = 30
	walkLength     = 252
	walkVolatility = 0.01
	walkVolume     = 1000.0
)

// Deps are the collaborators a controller consumes. Market and Gate are required.
type Deps struct {
	Market      adapters.MarketData
	Sentiment   adapters.SentimentSource
	Broker      adapters.Broker // nil books fills locally only
	Gate        *risk.Gate
	Trades      storage.TradeSink
	Performance storage.PerformanceSink
	// Marker receives every bar so account-wide valuations follow the market.
	Marker interface{ ObserveBar(adapters.Bar) }
	Now    func() time.Time
}

type Config struct {
	Symbol         string
	Mode           string
	Agent          agent.Config
	Env            EnvConfig
	ReplayCapacity int
	RecentRewards  int
	Seed           int64
}

// ConfigFor derives one symbol's controller settings from the process configuration.
func ConfigFor(root config.Root, symbol string) Config {
	a := root.Agent
	return Config{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Mode:   root.Trading.Mode,
		Agent: agent.Config{
			Kind:         a.Kind,
			Actions:      a.Actions,
			LearningRate: a.LearningRate,
			Discount:     a.Discount,
			Epsilon:      a.Epsilon,
			EpsilonDecay: a.EpsilonDecay,
			EpsilonMin:   a.EpsilonMin,
			BatchSize:    a.BatchSize,
		},
		Env: EnvConfig{
			InitialBalance:       root.Trading.InitialBalance,
			Fee:                  root.Trading.TransactionFee,
			MaxSteps:             root.Learning.MaxSteps,
			HistoryWindow:        root.Learning.HistoryWindow,
			SizingConfidence:     a.SizingConfidence,
			PenaltyConcentration: a.PenaltyConcentration,
			RewardNormalization:  a.RewardNormalization,
		},
		ReplayCapacity: root.Learning.ReplayCapacity,
		RecentRewards:  root.Learning.RecentRewards,
		Seed:           a.Seed,
	}
}

// StepResult is the outcome of one tick.
type StepResult struct {
	Symbol string         `json:"symbol"`
	Action agent.Action   `json:"action"`
	Reward float64        `json:"reward"`
	Done   bool           `json:"done"`
	Info   map[string]any `json:"info"`
}

// EvalResult summarizes greedy rollouts in the sandbox.
type EvalResult struct {
	Symbol      string    `json:"symbol"`
	Episodes    int       `json:"episodes"`
	MeanReward  float64   `json:"mean_reward"`
	StdReward   float64   `json:"std_reward"`
	MeanReturn  float64   `json:"mean_return"`
	MeanWinRate float64   `json:"mean_win_rate"`
	Rewards     []float64 `json:"rewards"`
	Synthetic   bool      `json:"synthetic"`
}

// Status is the best-known state of a symbol. Building it never fails.
type Status struct {
	Symbol         string        `json:"symbol"`
	Mode           string        `json:"mode"`
	AgentKind      string        `json:"agent_kind"`
	LastAction     string        `json:"last_action"`
	LastReward     float64       `json:"last_reward"`
	Price          float64       `json:"price"`
	Cash           float64       `json:"cash"`
	Position       int           `json:"position"`
	AvgPrice       float64       `json:"avg_price"`
	PortfolioValue float64       `json:"portfolio_value"`
	Performance    Performance   `json:"performance"`
	Learning       LearningStats `json:"learning"`
	Progress       Progress      `json:"progress"`
	Degraded       string        `json:"degraded,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// Controller owns one symbol's mutable state. Every exported method holds mu, so the
// autonomous loop and on-demand calls are serialized per symbol.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	agent  agent.Agent
	env    *Env
	stats  *LearningStats
	replay *replayBuffer
	rng    *rand.Rand

	lastAction agent.Action
	lastReward float64
	lastErr    string
}

func New(cfg Config, deps Deps) (*Controller, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", config.ErrInvalidConfig)
	}
	if deps.Market == nil {
		return nil, fmt.Errorf("%w: %s: market data source is required", config.ErrInvalidConfig, cfg.Symbol)
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("%w: %s: risk gate is required", config.ErrInvalidConfig, cfg.Symbol)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Mode == "" {
		cfg.Mode = "paper"
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ag, err := agent.New(cfg.Agent, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfig, cfg.Symbol, err)
	}
	cfg.Seed = seed

	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		agent:  ag,
		env:    newEnv(cfg.Symbol, cfg.Mode, cfg.Env, deps.Gate, deps.Broker, deps.Now),
		stats:  newLearningStats(cfg.RecentRewards),
		replay: newReplayBuffer(cfg.ReplayCapacity),
		rng:    rng,
	}
	c.stats.ExplorationRate = ag.ExplorationRate()
	return c, nil
}

func (c *Controller) Symbol() string { return c.cfg.Symbol }

// Tick runs one act, reward, learn cycle. Collaborator failures and agent panics
// degrade to a hold step with zero reward; Tick itself never fails.
func (c *Controller) Tick(ctx context.Context) StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	labels := map[string]string{"symbol": c.cfg.Symbol}
	defer func() { observ.RecordDuration("controller_tick", time.Since(start), labels) }()

	res := StepResult{Symbol: c.cfg.Symbol, Action: agent.Hold, Info: map[string]any{}}

	bar, err := c.deps.Market.Bar(ctx, c.cfg.Symbol)
	if err != nil {
		if errors.Is(err, adapters.ErrExhausted) {
			perf := c.finishEpisode(ctx, "data_exhausted")
			res.Done = true
			res.Info["reason"] = "data_exhausted"
			res.Info["episode_performance"] = perf
			return res
		}
		c.lastErr = err.Error()
		observ.Warn("market_data_unavailable", map[string]any{"symbol": c.cfg.Symbol, "error": err.Error()})
		res.Info["reason"] = "market_data_unavailable"
		res.Info["error"] = err.Error()
		return res
	}
	if c.deps.Marker != nil {
		c.deps.Marker.ObserveBar(bar)
	}

	sent := adapters.NeutralSentiment()
	if c.deps.Sentiment != nil {
		if s, err := c.deps.Sentiment.Sentiment(ctx, c.cfg.Symbol); err == nil {
			sent = s
		}
	}

	obs := c.env.Observe(features.Snapshot{
		Price:     bar.Price,
		Volume:    bar.Volume,
		Sentiment: sent.Score,
		NewsCount: sent.NewsCount,
	})

	action, err := c.selectAction(obs, false)
	if err != nil {
		c.lastErr = err.Error()
		observ.Error("agent_select_failed", err, map[string]any{"symbol": c.cfg.Symbol})
		res.Info["reason"] = "agent_error"
		res.Info["error"] = err.Error()
		return res
	}

	out := c.env.Apply(ctx, action)
	next := c.env.Next(obs)
	done, reason := c.env.Done()

	t := agent.Transition{State: obs, Action: action, Reward: out.reward, Next: next, Done: done}
	if err := c.update(t); err != nil {
		c.lastErr = err.Error()
		observ.Error("agent_update_failed", err, map[string]any{"symbol": c.cfg.Symbol})
		out.info["learning_error"] = err.Error()
	}
	c.replay.add(t)
	c.stats.addReward(out.reward)
	c.stats.ExplorationRate = c.agent.ExplorationRate()
	c.lastAction, c.lastReward = action, out.reward

	out.info["source"] = bar.Source
	if out.trade != nil {
		c.persistTrade(ctx, *out.trade)
		observ.Log("agent_trade", map[string]any{
			"symbol":  c.cfg.Symbol,
			"action":  action.String(),
			"qty":     out.trade.Quantity,
			"price":   out.trade.Price,
			"reward":  out.reward,
			"success": out.trade.Success,
			"mode":    out.trade.Mode,
		})
	}

	observ.IncCounter("agent_actions_total", map[string]string{"symbol": c.cfg.Symbol, "action": action.String()})
	observ.Observe("agent_reward", out.reward, labels)
	observ.SetGauge("agent_exploration_rate", c.stats.ExplorationRate, labels)

	if done {
		out.info["episode_performance"] = c.finishEpisode(ctx, reason)
	}

	res.Action = action
	res.Reward = out.reward
	res.Done = done
	res.Info = out.info
	return res
}

// selectAction recovers agent panics and rejects out-of-range actions.
func (c *Controller) selectAction(obs features.Observation, greedy bool) (a agent.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, err = agent.Hold, fmt.Errorf("select action: panic: %v", r)
		}
	}()
	if greedy {
		a = c.agent.Greedy(obs)
	} else {
		a = c.agent.SelectAction(obs)
	}
	if a < 0 || int(a) >= c.agent.Actions() {
		return agent.Hold, fmt.Errorf("select action: out of range %d", a)
	}
	return a, nil
}

func (c *Controller) update(t agent.Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update: panic: %v", r)
		}
	}()
	c.agent.Update(t)
	return nil
}

func (c *Controller) finishEpisode(ctx context.Context, reason string) Performance {
	perf := c.env.endEpisode()
	c.stats.Episodes++
	c.stats.LastPerformance = &perf

	if c.deps.Performance != nil {
		rec := storage.PerformanceRecord{
			Symbol:           c.cfg.Symbol,
			Episode:          c.stats.Episodes,
			TotalReward:      perf.TotalReward,
			WinRate:          perf.WinRate,
			TotalReturn:      perf.TotalReturn,
			SharpeRatio:      perf.SharpeRatio,
			TotalTrades:      perf.TotalTrades,
			SuccessfulTrades: perf.SuccessfulTrades,
			Balance:          perf.Balance,
			LearningCycle:    c.stats.LearningCycles,
			Timestamp:        c.deps.Now().UTC(),
		}
		if err := c.deps.Performance.PersistPerformance(ctx, rec); err != nil {
			observ.Error("performance_persist_failed", err, map[string]any{"symbol": c.cfg.Symbol})
		}
	}

	observ.Log("episode_complete", map[string]any{
		"symbol":       c.cfg.Symbol,
		"episode":      c.stats.Episodes,
		"reason":       reason,
		"steps":        perf.Steps,
		"total_reward": perf.TotalReward,
		"win_rate":     perf.WinRate,
		"total_return": perf.TotalReturn,
		"sharpe":       perf.SharpeRatio,
	})
	observ.IncCounter("agent_episodes_total", map[string]string{"symbol": c.cfg.Symbol})
	return perf
}

func (c *Controller) persistTrade(ctx context.Context, t storage.TradeRecord) {
	if c.deps.Trades == nil {
		return
	}
	if err := c.deps.Trades.PersistTrade(ctx, t); err != nil {
		observ.Error("trade_persist_failed", err, map[string]any{"symbol": t.Symbol, "trade_id": t.ID})
	}
}

// OnlineLearn replays up to iterations sampled transitions into the agent and counts
// one learning cycle. It returns the number of updates applied.
func (c *Controller) OnlineLearn(ctx context.Context, iterations int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if iterations <= 0 || c.replay.len() == 0 {
		return 0
	}
	start := time.Now()
	applied := 0
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := c.update(c.replay.sample(c.rng)); err != nil {
			c.lastErr = err.Error()
			observ.Error("agent_update_failed", err, map[string]any{"symbol": c.cfg.Symbol, "phase": "online"})
			break
		}
		applied++
	}
	c.stats.LearningCycles++
	c.stats.ExplorationRate = c.agent.ExplorationRate()

	observ.Log("online_learning_complete", map[string]any{
		"symbol":           c.cfg.Symbol,
		"iterations":       applied,
		"learning_cycle":   c.stats.LearningCycles,
		"exploration_rate": c.stats.ExplorationRate,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	observ.IncCounter("agent_learning_cycles_total", map[string]string{"symbol": c.cfg.Symbol})
	return applied
}

// Counters returns the reward-sample and learning-cycle counts the manager schedules on.
func (c *Controller) Counters() (rewardSamples, learningCycles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.RewardSamples, c.stats.LearningCycles
}

// trainingSeries returns the recorded price and volume history when long enough,
// otherwise a seeded random walk.
func (c *Controller) trainingSeries(round int) (prices, volumes []float64, synthetic bool) {
	prices = c.env.feats.Prices()
	if len(prices) >= minEvalHistory {
		return prices, c.env.feats.Volumes(), false
	}
	start := 100.0
	if c.env.lastPrice > 0 {
		start = c.env.lastPrice
	}
	rng := rand.New(rand.NewSource(c.cfg.Seed + int64(round)))
	prices = adapters.RandomWalk(rng, start, walkVolatility, walkLength)
	volumes = make([]float64, len(prices))
	for i := range volumes {
		volumes[i] = walkVolume
	}
	return prices, volumes, true
}

// Evaluate runs greedy rollouts in a sandbox. Neither the agent nor live ledgers
// and risk counters are touched.
func (c *Controller) Evaluate(ctx context.Context, episodes int) (EvalResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if episodes <= 0 {
		return EvalResult{}, fmt.Errorf("episodes must be positive, got %d", episodes)
	}
	res := EvalResult{Symbol: c.cfg.Symbol, Episodes: episodes}
	env := newSandboxEnv(c.cfg.Symbol, c.env.cfg, c.deps.Gate)

	var returns, winRates []float64
	for ep := 0; ep < episodes; ep++ {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		prices, volumes, synthetic := c.trainingSeries(ep)
		res.Synthetic = res.Synthetic || synthetic
		env.reset()
		for i, p := range prices {
			obs := env.Observe(features.Snapshot{Price: p, Volume: volumes[i], Sentiment: 0.5})
			a, err := c.selectAction(obs, true)
			if err != nil {
				a = agent.Hold
			}
			env.Apply(ctx, a)
			if done, _ := env.Done(); done {
				break
			}
		}
		perf := env.Performance()
		res.Rewards = append(res.Rewards, perf.TotalReward)
		returns = append(returns, perf.TotalReturn)
		winRates = append(winRates, perf.WinRate)
	}
	res.MeanReward = features.Mean(res.Rewards)
	res.StdReward = populationStd(res.Rewards)
	res.MeanReturn = features.Mean(returns)
	res.MeanWinRate = features.Mean(winRates)

	observ.Log("evaluation_complete", map[string]any{
		"symbol":      c.cfg.Symbol,
		"episodes":    episodes,
		"mean_reward": res.MeanReward,
		"std_reward":  res.StdReward,
		"synthetic":   res.Synthetic,
	})
	return res, nil
}

// Retrain discards the learned state and statistics and trains from scratch for
// steps sandbox steps. It returns the performance of the final episode.
func (c *Controller) Retrain(ctx context.Context, steps int) (Performance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if steps <= 0 {
		return Performance{}, fmt.Errorf("steps must be positive, got %d", steps)
	}
	start := time.Now()
	c.agent.Reset()
	c.stats = newLearningStats(c.cfg.RecentRewards)
	c.replay.reset()

	env := newSandboxEnv(c.cfg.Symbol, c.env.cfg, c.deps.Gate)
	var last Performance
	round := 0
	prices, volumes, _ := c.trainingSeries(round)
	i := 0
	for step := 0; step < steps; step++ {
		if step%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return last, err
			}
		}
		obs := env.Observe(features.Snapshot{Price: prices[i], Volume: volumes[i], Sentiment: 0.5})
		a, err := c.selectAction(obs, false)
		if err != nil {
			a = agent.Hold
		}
		out := env.Apply(ctx, a)
		next := env.Next(obs)
		i++
		done, _ := env.Done()
		done = done || i >= len(prices)

		t := agent.Transition{State: obs, Action: a, Reward: out.reward, Next: next, Done: done}
		if err := c.update(t); err != nil {
			return last, err
		}
		c.replay.add(t)
		c.stats.addReward(out.reward)

		if done {
			last = env.Performance()
			c.stats.Episodes++
			c.stats.LastPerformance = &last
			env.reset()
			round++
			prices, volumes, _ = c.trainingSeries(round)
			i = 0
		}
	}
	if last.Steps == 0 {
		last = env.Performance()
	}
	c.stats.ExplorationRate = c.agent.ExplorationRate()

	observ.Log("retrain_complete", map[string]any{
		"symbol":           c.cfg.Symbol,
		"steps":            steps,
		"episodes":         c.stats.Episodes,
		"exploration_rate": c.stats.ExplorationRate,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	return last, nil
}

// Export snapshots the agent and statistics for persistence.
func (c *Controller) Export() (storage.AgentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, err := c.agent.Snapshot()
	if err != nil {
		return storage.AgentRecord{}, fmt.Errorf("snapshot %s: %w", c.cfg.Symbol, err)
	}
	stats, err := json.Marshal(c.stats)
	if err != nil {
		return storage.AgentRecord{}, fmt.Errorf("encode stats %s: %w", c.cfg.Symbol, err)
	}
	return storage.AgentRecord{
		SchemaVersion: storage.SchemaVersion,
		Symbol:        c.cfg.Symbol,
		AgentKind:     c.agent.Kind(),
		Agent:         blob,
		Stats:         stats,
		SavedAt:       c.deps.Now().UTC(),
	}, nil
}

// Import restores a record produced by Export. On error the controller is unchanged.
func (c *Controller) Import(rec storage.AgentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.AgentKind != c.agent.Kind() {
		return fmt.Errorf("%w: stored %q, configured %q", agent.ErrSnapshotMismatch, rec.AgentKind, c.agent.Kind())
	}
	stats := newLearningStats(c.cfg.RecentRewards)
	if len(rec.Stats) > 0 {
		if err := json.Unmarshal(rec.Stats, stats); err != nil {
			return fmt.Errorf("decode stats %s: %w", rec.Symbol, err)
		}
		stats.restoreBaseline()
		if over := len(stats.RecentRewards) - stats.capacity; over > 0 {
			stats.RecentRewards = stats.RecentRewards[over:]
		}
	}
	if err := c.agent.Restore(rec.Agent); err != nil {
		return err
	}
	stats.ExplorationRate = c.agent.ExplorationRate()
	c.stats = stats
	return nil
}

// SetBroker retargets order execution. The manager only calls it while stopped.
func (c *Controller) SetBroker(mode string, b adapters.Broker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Mode = mode
	c.deps.Broker = b
	c.env.mode = mode
	c.env.broker = b
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.env.book.Position
	return Status{
		Symbol:         c.cfg.Symbol,
		Mode:           c.cfg.Mode,
		AgentKind:      c.agent.Kind(),
		LastAction:     c.lastAction.String(),
		LastReward:     c.lastReward,
		Price:          c.env.lastPrice,
		Cash:           c.env.book.Cash,
		Position:       pos.Quantity,
		AvgPrice:       pos.AvgPrice,
		PortfolioValue: c.env.book.Value(c.env.lastPrice),
		Performance:    c.env.Performance(),
		Learning:       c.stats.clone(),
		Progress:       c.stats.Progress(),
		Degraded:       c.degraded(),
		LastError:      c.lastErr,
	}
}

// LastPrice is the most recent observed price, 0 before the first tick.
func (c *Controller) LastPrice() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env.lastPrice
}

func (c *Controller) degraded() string {
	var reasons []string
	for _, d := range []any{c.deps.Market, c.deps.Sentiment, c.deps.Broker} {
		if g, ok := d.(interface{ Degraded() string }); ok {
			if r := g.Degraded(); r != "" {
				reasons = append(reasons, r)
			}
		}
	}
	return strings.Join(reasons, "; ")
}

func populationStd(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := features.Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}
