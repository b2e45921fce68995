package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/agent"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/controller"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

var tuesdayNoon = time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC)

type panicMarket struct{}

func (panicMarket) Bar(ctx context.Context, symbol string) (adapters.Bar, error) {
	panic("feed corrupted")
}

type harness struct {
	gate  *risk.Gate
	store *storage.Memory
	deps  Deps
	opts  Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := portfolio.NewManager("", 300000)
	paper := adapters.NewPaperBroker(ledger)
	now := func() time.Time { return tuesdayNoon }
	gate, err := risk.NewGate(risk.Limits{
		MaxPositionFraction: 0.01,
		MaxConcentration:    0.20,
		StopLossThreshold:   0.05,
		MaxDailyTrades:      100,
		MaxDailyLoss:        0.02,
	}, paper, risk.Options{Now: now})
	require.NoError(t, err)

	market := adapters.NewSyntheticSource(11)
	store := storage.NewMemory()

	factory := func(symbol, mode string, broker adapters.Broker) (*controller.Controller, error) {
		var md adapters.MarketData = market
		if symbol == "BAD" {
			md = panicMarket{}
		}
		return controller.New(controller.Config{
			Symbol: symbol,
			Mode:   mode,
			Agent:  agent.DefaultConfig(),
			Env:    controller.EnvConfig{InitialBalance: 100000, MaxSteps: 1000},
			Seed:   7,
		}, controller.Deps{
			Market:      md,
			Sentiment:   market,
			Broker:      broker,
			Gate:        gate,
			Trades:      store,
			Performance: store,
			Marker:      paper,
			Now:         now,
		})
	}

	return &harness{
		gate:  gate,
		store: store,
		deps: Deps{
			Gate:          gate,
			Store:         store,
			Brokers:       map[string]adapters.Broker{"paper": paper},
			NewController: factory,
		},
		opts: Options{
			PollInterval:     5 * time.Millisecond,
			OnlineEvery:      1000,
			OnlineIterations: 10,
			PersistEvery:     1,
			Now:              now,
		},
	}
}

func (h *harness) manager(t *testing.T, symbols ...string) *Manager {
	t.Helper()
	m, err := New(context.Background(), h.opts, h.deps, "paper", symbols)
	require.NoError(t, err)
	return m
}

func samples(t *testing.T, m *Manager, symbol string) int {
	t.Helper()
	c, err := m.lookup(symbol)
	require.NoError(t, err)
	n, _ := c.Counters()
	return n
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(d *Deps) string
		symbols []string
	}{
		{"missing gate", func(d *Deps) string { d.Gate = nil; return "paper" }, []string{"AAPL"}},
		{"missing factory", func(d *Deps) string { d.NewController = nil; return "paper" }, []string{"AAPL"}},
		{"unconfigured mode", func(d *Deps) string { return "live" }, []string{"AAPL"}},
		{"no symbols", func(d *Deps) string { return "paper" }, []string{" ", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := h.deps
			mode := tt.mutate(&deps)
			_, err := New(ctx, h.opts, deps, mode, tt.symbols)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestSymbolsAreNormalizedAndDeduped(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "aapl", " MSFT ", "AAPL")
	assert.Equal(t, []string{"AAPL", "MSFT"}, m.Symbols())
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL", "MSFT")
	ctx := context.Background()

	assert.True(t, m.Start(ctx))
	assert.True(t, m.Start(ctx), "second start is a no-op")
	assert.True(t, m.Running())

	require.Eventually(t, func() bool {
		return samples(t, m, "AAPL") > 0 && samples(t, m, "MSFT") > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.SwitchMode("paper"), ErrRunning)

	assert.False(t, m.Stop())
	assert.False(t, m.Stop())
	require.True(t, m.Wait(2*time.Second))
	assert.False(t, m.Running())

	assert.NoError(t, m.SwitchMode("PAPER"))
	assert.ErrorIs(t, m.SwitchMode("live"), ErrUnknownMode)
	assert.Equal(t, "paper", m.Mode())
}

func TestConcurrentOperationsWhileRunning(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL", "MSFT")
	ctx := context.Background()
	require.True(t, m.Start(ctx))

	ops := []func(i int) error{
		func(i int) error {
			_, err := m.Retrain(ctx, "AAPL", 50)
			return err
		},
		func(i int) error {
			_, err := m.Evaluate(ctx, "AAPL", 1)
			return err
		},
		func(i int) error {
			if st := m.PortfolioStatus(ctx); st.Mode != "paper" {
				return fmt.Errorf("status mode %q", st.Mode)
			}
			_, err := m.TickSymbol(ctx, "AAPL")
			return err
		},
		func(i int) error {
			symbols := []string{"AAPL", "MSFT"}
			if i%2 == 1 {
				symbols = symbols[:1]
			}
			return m.ConfigureSymbols(ctx, symbols)
		},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ops)*5)
	for n, op := range ops {
		wg.Add(1)
		go func(n int, op func(int) error) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := op(i); err != nil {
					errs <- fmt.Errorf("op %d iteration %d: %w", n, i, err)
				}
			}
		}(n, op)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.True(t, m.Running())
	m.Stop()
	require.True(t, m.Wait(2*time.Second))
	assert.False(t, m.Running())
	assert.Equal(t, []string{"AAPL", "MSFT"}, m.Symbols())
}

func TestParentCancelStopsLoop(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL")
	ctx, cancel := context.WithCancel(context.Background())

	m.Start(ctx)
	cancel()
	require.True(t, m.Wait(2*time.Second))
	assert.False(t, m.Running())
}

func TestWaitWithoutStart(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL")
	assert.True(t, m.Wait(time.Millisecond))
}

func TestTickSymbol(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL")
	ctx := context.Background()

	_, err := m.TickSymbol(ctx, "TSLA")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	res, err := m.TickSymbol(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", res.Symbol)
	assert.Equal(t, 1, samples(t, m, "AAPL"))
}

func TestPanickingSymbolIsIsolated(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "BAD", "AAPL")
	ctx := context.Background()

	m.runCycle(ctx)
	assert.Equal(t, 1, samples(t, m, "AAPL"))
	assert.Equal(t, 0, samples(t, m, "BAD"))

	res, err := m.TickSymbol(ctx, "BAD")
	require.Error(t, err)
	assert.Equal(t, "tick_failed", res.Info["reason"])

	// the controller mutex was released by the panic
	_, err = m.TickSymbol(ctx, "BAD")
	assert.Error(t, err)
}

func TestCancelledContextSkipsRemainingSymbols(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL", "MSFT")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.runCycle(ctx)
	assert.Equal(t, 0, samples(t, m, "AAPL"))
	assert.Equal(t, 0, samples(t, m, "MSFT"))
}

func TestOnlineLearningAndPersistCadence(t *testing.T) {
	h := newHarness(t)
	h.opts.OnlineEvery = 2
	h.opts.PersistEvery = 2
	m := h.manager(t, "AAPL")
	ctx := context.Background()
	c, err := m.lookup("AAPL")
	require.NoError(t, err)

	cycles := func() int { _, n := c.Counters(); return n }

	_, err = m.TickSymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0, cycles())

	_, err = m.TickSymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, cycles())
	_, err = h.store.Load(ctx, "AAPL")
	assert.ErrorIs(t, err, storage.ErrNotFound, "persisted only every second cycle")

	for i := 0; i < 2; i++ {
		_, err = m.TickSymbol(ctx, "AAPL")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cycles())
	rec, err := h.store.Load(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "q", rec.AgentKind)
}

func TestConfigureSymbolsPersistsAndRestores(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.TickSymbol(ctx, "AAPL")
		require.NoError(t, err)
	}

	require.NoError(t, m.ConfigureSymbols(ctx, []string{"MSFT"}))
	assert.Equal(t, []string{"MSFT"}, m.Symbols())
	_, err := h.store.Load(ctx, "AAPL")
	require.NoError(t, err, "removed symbol is persisted")

	require.NoError(t, m.ConfigureSymbols(ctx, []string{"msft", "AAPL"}))
	assert.Equal(t, []string{"MSFT", "AAPL"}, m.Symbols())
	assert.Equal(t, 3, samples(t, m, "AAPL"), "re-added symbol restores its statistics")

	assert.ErrorIs(t, m.ConfigureSymbols(ctx, nil), config.ErrInvalidConfig)
}

func TestPortfolioStatus(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL", "MSFT")
	ctx := context.Background()

	st := m.PortfolioStatus(ctx)
	assert.Equal(t, "paper", st.Mode)
	assert.False(t, st.Running)
	require.Len(t, st.Symbols, 2)
	assert.Equal(t, 0, st.Totals.TotalTrades)
	assert.Equal(t, 0.0, st.Totals.WinRate)
	assert.Equal(t, 200000.0, st.Totals.Cash)
	assert.Empty(t, st.StopLosses)
	assert.Equal(t, 0.20, st.Risk.Limits.MaxConcentration)

	m.runCycle(ctx)
	st = m.PortfolioStatus(ctx)
	assert.Equal(t, 1, st.Cycles)
	assert.Greater(t, st.Symbols["AAPL"].Price, 0.0)
}

func TestEvaluateAndRetrain(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL")
	ctx := context.Background()

	_, err := m.Evaluate(ctx, "TSLA", 1)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	_, err = m.Retrain(ctx, "TSLA", 10)
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	res, err := m.Evaluate(ctx, "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Episodes)
	assert.True(t, res.Synthetic)

	_, err = m.Retrain(ctx, "AAPL", 300)
	require.NoError(t, err)
	assert.Equal(t, 300, samples(t, m, "AAPL"))
	_, err = h.store.Load(ctx, "AAPL")
	assert.NoError(t, err, "retrained agent is persisted")

	_, err = m.Retrain(ctx, "AAPL", -1)
	assert.Error(t, err)
}

func TestRetrainDefaultsToConfiguredSteps(t *testing.T) {
	h := newHarness(t)
	h.opts.RetrainSteps = 120
	m := h.manager(t, "AAPL")

	_, err := m.Retrain(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	assert.Equal(t, 120, samples(t, m, "AAPL"))
}

func TestSaveAll(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t, "AAPL", "MSFT")
	ctx := context.Background()

	require.NoError(t, m.SaveAll(ctx))
	for _, sym := range []string{"AAPL", "MSFT"} {
		_, err := h.store.Load(ctx, sym)
		assert.NoError(t, err, sym)
	}
}

func TestFromConfig(t *testing.T) {
	var root config.Root
	root.Trading.Symbols = []string{"AAPL", "MSFT"}
	root.Storage.Kind = "memory"
	root.Risk = config.Risk{
		MaxPositionFraction: 0.01,
		MaxConcentration:    0.20,
		StopLossThreshold:   0.05,
		MaxDailyTrades:      100,
		MaxDailyLoss:        0.02,
	}
	root.Agent.Seed = 3
	root.ApplyDefaults()
	require.NoError(t, root.Validate())

	src, err := adapters.Build(root)
	require.NoError(t, err)
	gate, err := risk.NewGate(risk.LimitsFromConfig(root.Risk), src.Accounts["paper"], risk.Options{})
	require.NoError(t, err)

	store := storage.NewMemory()
	m, err := FromConfig(context.Background(), root, src, gate, Sinks{Agents: store, Trades: store, Performance: store})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, m.Symbols())
	assert.Equal(t, "paper", m.Mode())

	res, err := m.TickSymbol(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", res.Symbol)
}
