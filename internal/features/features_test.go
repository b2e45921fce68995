package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Push(v)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{3, 4, 5}, r.Values())
	assert.Equal(t, []float64{4, 5}, r.Tail(2))
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 5.0, last)

	r.Reset()
	_, ok = r.Last()
	assert.False(t, ok)
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := NewRing(50)
	for i := 0; i < 500; i++ {
		r.Push(float64(i))
		require.LessOrEqual(t, r.Len(), 50)
	}
	assert.Equal(t, 450.0, r.Values()[0])
}

func TestClassifyTrend(t *testing.T) {
	history := []float64{100, 100, 100}
	tests := []struct {
		name    string
		history []float64
		current float64
		want    int
	}{
		{"up", history, 103, 1},
		{"down", history, 97, -1},
		{"flat", history, 100.5, 0},
		{"upper band edge is flat", history, 102, 0},
		{"lower band edge is flat", history, 98, 0},
		{"too little history", []float64{100, 100}, 150, 0},
		{"uses only last three", []float64{10, 100, 100, 100}, 103, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTrend(tt.history, tt.current))
		})
	}
}

func TestIndicatorsNeutralWithShortHistory(t *testing.T) {
	short := []float64{100, 101, 102}
	assert.Equal(t, 50.0, RSI(short))
	assert.Equal(t, 0.0, MACD(short))
	assert.Equal(t, 0.0, AnnualizedVolatility(short))
}

func TestRSIBounds(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	assert.Equal(t, 100.0, RSI(rising))

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100
	}
	assert.Equal(t, 50.0, RSI(flat))

	assert.Greater(t, MACD(rising), 0.0)
}

func TestVolatilityCapped(t *testing.T) {
	wild := []float64{100, 200, 50, 300, 20, 400}
	assert.Equal(t, 1.0, AnnualizedVolatility(wild))
}

func TestBuildObservation(t *testing.T) {
	b := NewBuilder(50)
	h := Holdings{Quantity: 10, Cash: 99000, InitialBalance: 100000}

	for i := 0; i < 3; i++ {
		b.Build(Snapshot{Price: 100, Volume: 1000}, h)
	}
	obs := b.Build(Snapshot{Price: 103, Volume: 2000, Sentiment: 0.7, NewsCount: 4}, h)

	assert.Equal(t, DiscreteState{PriceTrend: 1, VolumeTrend: 1, PositionStatus: 1}, obs.State)
	assert.Equal(t, "1,1,1", obs.State.Key())
	assert.InDelta(t, 1.03, obs.Vector[0], 1e-9)
	assert.InDelta(t, 2.0, obs.Vector[1], 1e-9)
	assert.InDelta(t, 0.5, obs.Vector[2], 1e-9)
	assert.InDelta(t, 0.0, obs.Vector[3], 1e-9)
	assert.InDelta(t, 0.7, obs.Vector[4], 1e-9)
	assert.InDelta(t, 0.1, obs.Vector[5], 1e-9)
	assert.InDelta(t, 0.99, obs.Vector[6], 1e-9)
	assert.InDelta(t, 0.04, obs.Vector[8], 1e-9)
	assert.Equal(t, []float64{100, 100, 100, 103}, b.Prices())
}

func TestBuildSubstitutesNeutralDefaults(t *testing.T) {
	b := NewBuilder(10)
	obs := b.Build(Snapshot{Price: math.NaN(), Volume: -5, Sentiment: math.Inf(1), NewsCount: -1}, Holdings{})
	for i, v := range obs.Vector {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "component %d", i)
	}
	assert.Equal(t, 0.5, obs.Vector[4])
	assert.Equal(t, 0.0, obs.Vector[6])
}

func TestProjectUpdatesPositionComponents(t *testing.T) {
	b := NewBuilder(10)
	obs := b.Build(Snapshot{Price: 100, Volume: 1}, Holdings{Cash: 100000, InitialBalance: 100000})
	assert.Equal(t, 0, obs.State.PositionStatus)

	next := Project(obs, Holdings{Quantity: 10, Cash: 99000, InitialBalance: 100000})
	assert.Equal(t, 1, next.State.PositionStatus)
	assert.InDelta(t, 0.1, next.Vector[5], 1e-9)
	assert.InDelta(t, 0.99, next.Vector[6], 1e-9)
	assert.Equal(t, obs.Vector[0], next.Vector[0])
}
