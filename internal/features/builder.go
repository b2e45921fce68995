package features

import (
	"fmt"
	"math"
)

// Dim is the width of the continuous observation vector.
const Dim = 9

// Snapshot is the raw per-tick market input.
type Snapshot struct {
	Price     float64
	Volume    float64
	Sentiment float64 // [0,1], 0.5 neutral
	NewsCount int
}

// Holdings is the per-symbol ledger view the observation depends on.
type Holdings struct {
	Quantity       int
	Cash           float64
	InitialBalance float64
}

// DiscreteState is the tabular agent's view of the market: trends and position status in {-1,0,1}.
type DiscreteState struct {
	PriceTrend     int `json:"price_trend"`
	VolumeTrend    int `json:"volume_trend"`
	PositionStatus int `json:"position_status"`
}

func (d DiscreteState) Key() string {
	return fmt.Sprintf("%d,%d,%d", d.PriceTrend, d.VolumeTrend, d.PositionStatus)
}

type Observation struct {
	Vector     [Dim]float64
	State      DiscreteState
	Price      float64
	Volatility float64
}

// Builder owns the bounded price and volume histories for one symbol.
type Builder struct {
	prices  *Ring
	volumes *Ring
}

func NewBuilder(window int) *Builder {
	return &Builder{prices: NewRing(window), volumes: NewRing(window)}
}

// Build derives the observation from history as it stood before this tick, then records the tick.
func (b *Builder) Build(s Snapshot, h Holdings) Observation {
	s = sanitize(s)
	priceHist := b.prices.Values()
	volHist := b.volumes.Values()

	withCurrent := append(append([]float64{}, priceHist...), s.Price)
	rsi := RSI(withCurrent)
	macd := MACD(withCurrent)
	vol := AnnualizedVolatility(withCurrent)

	obs := Observation{
		State: DiscreteState{
			PriceTrend:  ClassifyTrend(priceHist, s.Price),
			VolumeTrend: ClassifyTrend(volHist, s.Volume),
		},
		Price:      s.Price,
		Volatility: vol,
	}
	obs.Vector[0] = s.Price / 100
	obs.Vector[1] = s.Volume / 1000
	obs.Vector[2] = rsi / 100
	obs.Vector[3] = math.Tanh(macd)
	obs.Vector[4] = s.Sentiment
	obs.Vector[7] = vol
	obs.Vector[8] = float64(s.NewsCount) / 100
	obs = Project(obs, h)

	b.prices.Push(s.Price)
	b.volumes.Push(s.Volume)
	return obs
}

// Project recomputes the position-dependent components after the ledger changed.
func Project(obs Observation, h Holdings) Observation {
	obs.State.PositionStatus = positionStatus(h.Quantity)
	obs.Vector[5] = float64(h.Quantity) / 100
	if h.InitialBalance > 0 {
		obs.Vector[6] = h.Cash / h.InitialBalance
	} else {
		obs.Vector[6] = 0
	}
	return obs
}

func (b *Builder) Prices() []float64 { return b.prices.Values() }

func (b *Builder) Volumes() []float64 { return b.volumes.Values() }

// RecentPrices returns up to n most recent prices, oldest first.
func (b *Builder) RecentPrices(n int) []float64 { return b.prices.Tail(n) }

func (b *Builder) Reset() {
	b.prices.Reset()
	b.volumes.Reset()
}

func positionStatus(q int) int {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	default:
		return 0
	}
}

// sanitize replaces unusable inputs with neutral values.
func sanitize(s Snapshot) Snapshot {
	if !finite(s.Price) || s.Price < 0 {
		s.Price = 0
	}
	if !finite(s.Volume) || s.Volume < 0 {
		s.Volume = 0
	}
	if !finite(s.Sentiment) {
		s.Sentiment = 0.5
	}
	s.Sentiment = math.Max(0, math.Min(1, s.Sentiment))
	if s.NewsCount < 0 {
		s.NewsCount = 0
	}
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
