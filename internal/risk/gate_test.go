package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
)

type fixedAccount struct {
	acct adapters.Account
	err  error
}

func (f *fixedAccount) Account(ctx context.Context) (adapters.Account, error) {
	return f.acct, f.err
}

func defaultLimits() Limits {
	return Limits{
		MaxPositionFraction: 0.01,
		MaxConcentration:    0.20,
		StopLossThreshold:   0.05,
		MaxDailyTrades:      100,
		MaxDailyLoss:        0.02,
	}
}

// midday on a Tuesday in New York, inside regular hours
var tuesdayNoon = time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, limits Limits, acct adapters.Account) (*Gate, *fixedAccount) {
	t.Helper()
	src := &fixedAccount{acct: acct}
	g, err := NewGate(limits, src, Options{Now: func() time.Time { return tuesdayNoon }})
	require.NoError(t, err)
	return g, src
}

func cashAccount(v float64) adapters.Account {
	return adapters.Account{Cash: v, PortfolioValue: v}
}

func TestNewGateRejectsMissingLimits(t *testing.T) {
	_, err := NewGate(Limits{}, &fixedAccount{}, Options{})
	assert.ErrorIs(t, err, ErrInvalidLimits)

	_, err = NewGate(defaultLimits(), nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidLimits)
}

func TestSizePosition(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	ctx := context.Background()

	// 100000 * 0.01 / 100 = 10 shares
	assert.Equal(t, 10, g.SizePosition(ctx, "AAPL", 100, 1.0))
	assert.Equal(t, 5, g.SizePosition(ctx, "AAPL", 100, 0.5))
	// minimum of one share
	assert.Equal(t, 1, g.SizePosition(ctx, "AAPL", 100, 0.01))
	// one share would breach the notional cap
	assert.Equal(t, 0, g.SizePosition(ctx, "AAPL", 1500, 1.0))
	assert.Equal(t, 0, g.SizePosition(ctx, "AAPL", 0, 1.0))
}

func TestSizePositionNeverExceedsCap(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(250000))
	for _, price := range []float64{1, 7.5, 33, 99.99, 187.2, 2499} {
		for _, conf := range []float64{0, 0.3, 1, 5} {
			q := g.SizePosition(context.Background(), "X", price, conf)
			assert.LessOrEqual(t, float64(q)*price, 250000*0.01+1e-9, "price=%v conf=%v", price, conf)
		}
	}
}

func TestSizePositionShrinksUnderVolatility(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	for _, p := range []float64{100, 110, 95, 112, 90, 115, 88} {
		g.ObservePrice("VOL", p)
	}
	require.Greater(t, g.Volatility("VOL"), 0.5)
	assert.Equal(t, 5, g.SizePosition(context.Background(), "VOL", 100, 1.0))
}

func TestCheckApprovesWithinLimits(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	d := g.Check(context.Background(), "AAPL", Increase, 10, 100)
	assert.True(t, d.Approved)
	assert.Empty(t, d.Rejections)
	assert.Empty(t, d.Warnings)
	assert.Equal(t, 100000.0, d.PortfolioValue)
}

func TestCheckCollectsAllViolationsInOrder(t *testing.T) {
	acct := adapters.Account{
		Cash:           70000,
		PortfolioValue: 100000,
		Positions:      []adapters.AccountPosition{{Symbol: "AAPL", Quantity: 300, AvgPrice: 100, MarketValue: 30000}},
	}
	limits := defaultLimits()
	limits.MaxDailyTrades = 1
	g, _ := newTestGate(t, limits, acct)
	g.Record("MSFT", Increase, 1, 10, -5000)

	d := g.Check(context.Background(), "AAPL", Increase, 20, 100)
	require.False(t, d.Approved)
	require.Len(t, d.Rejections, 4)
	assert.Contains(t, d.Rejections[0], "daily trade limit")
	assert.Contains(t, d.Rejections[1], "daily loss")
	assert.Contains(t, d.Rejections[2], "position size")
	assert.Contains(t, d.Rejections[3], "concentration")
}

func TestCheckConcentrationRejection(t *testing.T) {
	acct := adapters.Account{
		Cash:           81000,
		PortfolioValue: 100000,
		Positions:      []adapters.AccountPosition{{Symbol: "AAPL", Quantity: 190, AvgPrice: 100, MarketValue: 19500}},
	}
	g, _ := newTestGate(t, defaultLimits(), acct)
	d := g.Check(context.Background(), "AAPL", Increase, 10, 100)
	assert.False(t, d.Approved)
	require.NotEmpty(t, d.Rejections)
	assert.Contains(t, d.Rejections[0], "concentration")

	// another symbol is unaffected
	assert.True(t, g.Check(context.Background(), "MSFT", Increase, 10, 100).Approved)
}

func TestCheckSellsOnlyBoundByTradeCount(t *testing.T) {
	acct := adapters.Account{
		Cash:           50000,
		PortfolioValue: 100000,
		Positions:      []adapters.AccountPosition{{Symbol: "AAPL", Quantity: 500, AvgPrice: 100, MarketValue: 50000}},
	}
	limits := defaultLimits()
	limits.MaxDailyTrades = 2
	g, _ := newTestGate(t, limits, acct)
	g.Record("AAPL", Increase, 1, 100, -10000)

	d := g.Check(context.Background(), "AAPL", Reduce, 500, 100)
	assert.True(t, d.Approved, "%v", d.Rejections)

	g.Record("AAPL", Reduce, 1, 100, 0)
	d = g.Check(context.Background(), "AAPL", Reduce, 499, 100)
	assert.False(t, d.Approved)
	assert.Len(t, d.Rejections, 1)
}

func TestCheckDailyLossOnSells(t *testing.T) {
	acct := adapters.Account{
		Cash:           50000,
		PortfolioValue: 100000,
		Positions:      []adapters.AccountPosition{{Symbol: "AAPL", Quantity: 500, AvgPrice: 100, MarketValue: 50000}},
	}
	tests := []struct {
		name     string
		block    bool
		approved bool
	}{
		{name: "exempt by default", block: false, approved: true},
		{name: "blocked when configured", block: true, approved: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGate(defaultLimits(), &fixedAccount{acct: acct}, Options{
				Now:                  func() time.Time { return tuesdayNoon },
				DailyLossBlocksSells: tt.block,
			})
			require.NoError(t, err)
			g.Record("AAPL", Increase, 1, 100, -10000)

			d := g.Check(context.Background(), "AAPL", Reduce, 100, 100)
			assert.Equal(t, tt.approved, d.Approved, "%v", d.Rejections)
			if !tt.approved {
				require.Len(t, d.Rejections, 1)
				assert.Contains(t, d.Rejections[0], "daily loss")
			}
		})
	}
}

func TestCheckDoesNotMutateCounters(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	g.Record("AAPL", Increase, 5, 100, 0)
	before := g.Daily()
	for i := 0; i < 10; i++ {
		g.Check(context.Background(), "AAPL", Increase, 10, 100)
		g.Check(context.Background(), "AAPL", Reduce, 5, 100)
	}
	assert.Equal(t, before, g.Daily())
	pos, ok := g.CostBasis("AAPL")
	require.True(t, ok)
	assert.Equal(t, 5, pos.Quantity)
}

func TestCheckWarnings(t *testing.T) {
	src := &fixedAccount{acct: cashAccount(100000)}
	saturday := time.Date(2024, 3, 9, 17, 0, 0, 0, time.UTC)
	g, err := NewGate(defaultLimits(), src, Options{Now: func() time.Time { return saturday }})
	require.NoError(t, err)
	for _, p := range []float64{100, 120, 90, 125, 85} {
		g.ObservePrice("AAPL", p)
	}

	d := g.Check(context.Background(), "AAPL", Increase, 1, 100)
	assert.True(t, d.Approved)
	require.Len(t, d.Warnings, 2)
	assert.Contains(t, d.Warnings[0], "high volatility")
	assert.Contains(t, d.Warnings[1], "outside regular market hours")
}

func TestCheckWithoutPortfolioValueRejects(t *testing.T) {
	g, src := newTestGate(t, defaultLimits(), cashAccount(100000))
	src.err = errors.New("down")
	d := g.Check(context.Background(), "AAPL", Increase, 1, 100)
	assert.False(t, d.Approved)
	assert.Equal(t, 0, g.SizePosition(context.Background(), "AAPL", 100, 1))
}

func TestRecordWeightedAverageAndSells(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	g.Record("AAPL", Increase, 10, 100, 0)
	g.Record("AAPL", Increase, 10, 120, 0)
	pos, _ := g.CostBasis("AAPL")
	assert.Equal(t, 20, pos.Quantity)
	assert.InDelta(t, 110, pos.AvgPrice, 1e-9)

	g.Record("AAPL", Reduce, 5, 130, 100)
	pos, _ = g.CostBasis("AAPL")
	assert.Equal(t, 15, pos.Quantity)
	assert.InDelta(t, 110, pos.AvgPrice, 1e-9)

	g.Record("AAPL", Reduce, 50, 130, 300)
	_, ok := g.CostBasis("AAPL")
	assert.False(t, ok)

	d := g.Daily()
	assert.Equal(t, 4, d.Trades)
	assert.InDelta(t, 400, d.PnL, 1e-9)
}

func TestRolloverIfNeeded(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	g.Record("AAPL", Increase, 1, 100, -10)

	assert.False(t, g.RolloverIfNeeded(tuesdayNoon.Add(time.Hour)))
	assert.Equal(t, 1, g.Daily().Trades)

	assert.True(t, g.RolloverIfNeeded(tuesdayNoon.Add(24*time.Hour)))
	assert.Equal(t, 0, g.Daily().Trades)
	assert.Equal(t, 0.0, g.Daily().PnL)
	assert.False(t, g.RolloverIfNeeded(tuesdayNoon.Add(25*time.Hour)))

	g.Record("AAPL", Increase, 1, 100, -10)
	g.ResetDaily()
	assert.Equal(t, DailyCounters{Day: g.Daily().Day}, g.Daily())
}

func TestSandboxIsIndependent(t *testing.T) {
	g, _ := newTestGate(t, defaultLimits(), cashAccount(100000))
	g.Record("AAPL", Increase, 10, 100, 0)

	sb := g.Sandbox(&fixedAccount{acct: cashAccount(5000)})
	sb.Record("AAPL", Increase, 1, 100, -50)
	assert.Equal(t, 1, g.Daily().Trades)
	assert.Equal(t, 1, sb.Daily().Trades)
	assert.Equal(t, g.Limits(), sb.Limits())
}

func TestAdvanceDayOnlyResetsSandbox(t *testing.T) {
	limits := defaultLimits()
	limits.MaxDailyTrades = 1
	g, _ := newTestGate(t, limits, cashAccount(100000))
	g.Record("AAPL", Increase, 1, 100, -5000)

	g.AdvanceDay()
	assert.Equal(t, 1, g.Daily().Trades, "live gates roll over on the clock")

	sb := g.Sandbox(&fixedAccount{acct: cashAccount(100000)})
	sb.Record("AAPL", Increase, 1, 100, -5000)
	assert.False(t, sb.Check(context.Background(), "AAPL", Increase, 1, 100).Approved)

	sb.AdvanceDay()
	assert.Equal(t, 0, sb.Daily().Trades)
	assert.Equal(t, 0.0, sb.Daily().PnL)
	assert.True(t, sb.Check(context.Background(), "AAPL", Increase, 1, 100).Approved)
	pos, ok := sb.CostBasis("AAPL")
	require.True(t, ok, "cost basis survives the day boundary")
	assert.Equal(t, 1, pos.Quantity)
}

func TestCheckStopLossesAndSummary(t *testing.T) {
	acct := adapters.Account{
		Cash:           98000,
		PortfolioValue: 100000,
		Positions:      []adapters.AccountPosition{{Symbol: "AAPL", Quantity: 20, AvgPrice: 100, MarketValue: 2000}},
	}
	g, _ := newTestGate(t, defaultLimits(), acct)
	g.Record("AAPL", Increase, 20, 100, 0)
	g.Record("MSFT", Increase, 5, 300, 0)
	g.Record("NVDA", Increase, 1, 100, -500)

	triggers := g.CheckStopLosses(map[string]float64{"AAPL": 94, "MSFT": 290})
	require.Len(t, triggers, 1)
	assert.Equal(t, "AAPL", triggers[0].Symbol)
	assert.InDelta(t, 0.06, triggers[0].LossPct, 1e-9)

	s := g.Summary(context.Background())
	assert.Equal(t, 3, s.Daily.Trades)
	assert.InDelta(t, 0.02, s.MaxConcentration, 1e-9)
	assert.InDelta(t, 25.0, s.DailyLossUsedPct, 1e-9)
}
