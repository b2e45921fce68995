package agent

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/agent-trader/internal/features"
)

func obsFor(priceTrend, volumeTrend, pos int) features.Observation {
	var o features.Observation
	o.State = features.DiscreteState{PriceTrend: priceTrend, VolumeTrend: volumeTrend, PositionStatus: pos}
	o.Vector[0] = 1 + 0.1*float64(priceTrend)
	o.Vector[5] = float64(pos)
	o.Vector[6] = 1
	return o
}

func TestQTableEnsureAndLookup(t *testing.T) {
	tbl := NewQTable(3)
	_, ok := tbl.Lookup("0,0,0")
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len(), "lookup must not insert")

	row := tbl.Ensure("0,0,0")
	assert.Equal(t, []float64{0, 0, 0}, row)
	row[1] = 2
	again := tbl.Ensure("0,0,0")
	assert.Equal(t, 2.0, again[1])
	assert.Equal(t, 1, tbl.Len())
}

func TestQUpdateMovesTowardTarget(t *testing.T) {
	cfg := DefaultConfig()
	q := NewQAgent(cfg, rand.New(rand.NewSource(7)))
	s := obsFor(1, 0, 0)
	next := obsFor(0, 0, 1)

	nextRow := q.Table().Ensure(next.State.Key())
	nextRow[Hold] = 1.0

	q.Update(Transition{State: s, Action: Buy, Reward: 0.01, Next: next})

	row, ok := q.Table().Lookup(s.State.Key())
	require.True(t, ok)
	// 0 + 0.1 * (0.01 + 0.95*1.0 - 0)
	assert.InDelta(t, 0.096, row[Buy], 1e-12)
	assert.Equal(t, 0.0, row[Hold])
	assert.Equal(t, 0.0, row[Sell])
}

func TestQUpdateRepeatedConvergesToTarget(t *testing.T) {
	q := NewQAgent(DefaultConfig(), rand.New(rand.NewSource(1)))
	s := obsFor(1, 1, 0)
	var prevGap float64 = 1
	for i := 0; i < 200; i++ {
		q.Update(Transition{State: s, Action: Sell, Reward: 1, Next: obsFor(-1, -1, -1)})
		row, _ := q.Table().Lookup(s.State.Key())
		gap := 1 - row[Sell]
		require.LessOrEqual(t, gap, prevGap)
		prevGap = gap
	}
	assert.Less(t, prevGap, 0.01)
}

func TestEpsilonDecaysToFloor(t *testing.T) {
	for _, kind := range []string{KindQ, KindActorCritic} {
		t.Run(kind, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Kind = kind
			cfg.BatchSize = 8
			a, err := New(cfg, rand.New(rand.NewSource(3)))
			require.NoError(t, err)

			prev := a.ExplorationRate()
			assert.Equal(t, 0.3, prev)
			for i := 0; i < 2000; i++ {
				a.Update(Transition{State: obsFor(0, 0, 0), Action: Hold, Next: obsFor(0, 0, 0)})
				eps := a.ExplorationRate()
				require.LessOrEqual(t, eps, prev)
				require.GreaterOrEqual(t, eps, cfg.EpsilonMin)
				prev = eps
			}
			assert.Equal(t, cfg.EpsilonMin, prev)
		})
	}
}

func TestGreedyPrefersBestAndBreaksTiesLow(t *testing.T) {
	q := NewQAgent(DefaultConfig(), rand.New(rand.NewSource(1)))
	s := obsFor(0, 0, 0)
	assert.Equal(t, Hold, q.Greedy(s))
	assert.Equal(t, 0, q.Table().Len(), "greedy reads never insert rows")

	row := q.Table().Ensure(s.State.Key())
	row[Sell] = 0.5
	row[Buy] = 0.5
	assert.Equal(t, Buy, q.Greedy(s))
}

func TestSelectActionInitializesUnseenState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	cfg.EpsilonMin = 0
	q := NewQAgent(cfg, rand.New(rand.NewSource(1)))

	assert.Equal(t, Hold, q.SelectAction(obsFor(1, 1, 0)))
	_, ok := q.Table().Lookup(obsFor(1, 1, 0).State.Key())
	assert.True(t, ok)
}

func TestSelectActionStaysInActionSet(t *testing.T) {
	for _, n := range []int{3, 5} {
		cfg := DefaultConfig()
		cfg.Actions = n
		cfg.Epsilon = 1
		cfg.EpsilonDecay = 1
		q := NewQAgent(cfg, rand.New(rand.NewSource(11)))
		seen := map[Action]bool{}
		for i := 0; i < 500; i++ {
			a := q.SelectAction(obsFor(0, 0, 0))
			require.GreaterOrEqual(t, int(a), 0)
			require.Less(t, int(a), n)
			seen[a] = true
		}
		assert.Len(t, seen, n)
	}
}

func TestQSnapshotRoundTrip(t *testing.T) {
	q := NewQAgent(DefaultConfig(), rand.New(rand.NewSource(1)))
	for i := 0; i < 10; i++ {
		q.Update(Transition{State: obsFor(1, 0, 0), Action: Buy, Reward: 0.5, Next: obsFor(0, 0, 1)})
	}
	data, err := q.Snapshot()
	require.NoError(t, err)

	restored := NewQAgent(DefaultConfig(), rand.New(rand.NewSource(2)))
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, q.ExplorationRate(), restored.ExplorationRate())
	assert.Equal(t, q.Greedy(obsFor(1, 0, 0)), restored.Greedy(obsFor(1, 0, 0)))
	want, _ := q.Table().Lookup("1,0,0")
	got, _ := restored.Table().Lookup("1,0,0")
	assert.Equal(t, want, got)

	ac := NewActorCritic(DefaultConfig(), nil)
	assert.ErrorIs(t, ac.Restore(data), ErrSnapshotMismatch)
}

func TestResetRestoresInitialState(t *testing.T) {
	q := NewQAgent(DefaultConfig(), rand.New(rand.NewSource(1)))
	q.Update(Transition{State: obsFor(1, 0, 0), Action: Buy, Reward: 1, Next: obsFor(0, 0, 1)})
	q.Reset()
	assert.Equal(t, 0, q.Table().Len())
	assert.Equal(t, 0.3, q.ExplorationRate())
}

func TestActorCriticLearnsRewardedAction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kind = KindActorCritic
	cfg.BatchSize = 16
	cfg.LearningRate = 0.5
	ac := NewActorCritic(cfg, rand.New(rand.NewSource(5)))
	s := obsFor(1, 0, 0)

	before := ac.Policy(s)[Buy]
	for i := 0; i < 1600; i++ {
		a := Action(i % 3)
		r := -0.5
		if a == Buy {
			r = 1
		}
		ac.Update(Transition{State: s, Action: a, Reward: r, Next: s, Done: true})
	}
	assert.Equal(t, 0, ac.Pending())
	assert.Greater(t, ac.Policy(s)[Buy], before)
	assert.Equal(t, Buy, ac.Greedy(s))

	data, err := ac.Snapshot()
	require.NoError(t, err)
	clone := NewActorCritic(cfg, nil)
	require.NoError(t, clone.Restore(data))
	assert.InDeltaSlice(t, ac.Policy(s), clone.Policy(s), 1e-12)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Actions = 4
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Kind = "dqn"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestParseAction(t *testing.T) {
	for a := Hold; a < MaxActions; a++ {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("short")
	assert.Error(t, err)
	assert.True(t, BuyPut.IsOption())
	assert.False(t, Sell.IsOption())
}
