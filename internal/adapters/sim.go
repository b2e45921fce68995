package adapters

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type simSymbol struct {
	price      float64
	volatility float64 // per-step, as a fraction
	volume     float64
}

var simDefaults = map[string]simSymbol{
	"AAPL":  {price: 206.80, volatility: 0.010, volume: 15000},
	"NVDA":  {price: 450.00, volatility: 0.015, volume: 10000},
	"MSFT":  {price: 415.75, volatility: 0.009, volume: 12000},
	"GOOGL": {price: 172.50, volatility: 0.011, volume: 8000},
	"BIOX":  {price: 12.50, volatility: 0.025, volume: 200},
}

// SyntheticSource is a seeded random-walk market with noisy neutral sentiment.
// It never fails, which makes it the fallback of last resort.
type SyntheticSource struct {
	mu      sync.Mutex
	symbols map[string]*simSymbol
	random  *rand.Rand
	now     func() time.Time
}

func NewSyntheticSource(seed int64) *SyntheticSource {
	return &SyntheticSource{
		symbols: map[string]*simSymbol{},
		random:  rand.New(rand.NewSource(seed)),
		now:     time.Now,
	}
}

func (s *SyntheticSource) state(symbol string) *simSymbol {
	st, ok := s.symbols[symbol]
	if !ok {
		base, known := simDefaults[symbol]
		if !known {
			base = simSymbol{price: 100, volatility: 0.01, volume: 5000}
		}
		st = &base
		s.symbols[symbol] = st
	}
	return st
}

func (s *SyntheticSource) Bar(ctx context.Context, symbol string) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return Bar{}, NewBadSymbolError(symbol, "empty symbol")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(symbol)
	st.price = math.Max(0.01, st.price*(1+s.random.NormFloat64()*st.volatility))
	volume := st.volume * (0.5 + s.random.Float64())

	return Bar{
		Symbol:    symbol,
		Price:     st.price,
		Volume:    volume,
		Timestamp: s.now().UTC(),
		Source:    "synthetic",
	}, nil
}

func (s *SyntheticSource) Sentiment(ctx context.Context, symbol string) (Sentiment, error) {
	if err := ctx.Err(); err != nil {
		return Sentiment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.random.Intn(10)
	score := 0.5
	if count > 0 {
		score = math.Max(0, math.Min(1, 0.5+s.random.NormFloat64()*0.15))
	}
	return Sentiment{Score: score, Confidence: float64(count) / 10, NewsCount: count}, nil
}

// RandomWalk returns n prices starting at start with per-step volatility vol.
func RandomWalk(rng *rand.Rand, start, vol float64, n int) []float64 {
	out := make([]float64, n)
	p := start
	for i := range out {
		p = math.Max(0.01, p*(1+rng.NormFloat64()*vol))
		out[i] = p
	}
	return out
}
