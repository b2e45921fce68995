package features

import "math"

const (
	// TrendBand is the ±2% band around the recent mean inside which a series is flat.
	TrendBand     = 0.02
	trendLookback = 3

	rsiPeriod       = 14
	macdFast        = 12
	macdSlow        = 26
	minIndicatorLen = 20

	tradingDaysPerYear = 252
)

// ClassifyTrend compares current against the mean of the last three history points.
// It returns +1 above the band, -1 below it and 0 inside it or with fewer than three points.
func ClassifyTrend(history []float64, current float64) int {
	if len(history) < trendLookback {
		return 0
	}
	var sum float64
	for _, v := range history[len(history)-trendLookback:] {
		sum += v
	}
	mean := sum / trendLookback
	switch {
	case current > mean*(1+TrendBand):
		return 1
	case current < mean*(1-TrendBand):
		return -1
	default:
		return 0
	}
}

// RSI is Wilder's relative strength index; 50 until enough history exists.
func RSI(prices []float64) float64 {
	if len(prices) < minIndicatorLen {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= rsiPeriod; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= rsiPeriod
	loss /= rsiPeriod
	for i := rsiPeriod + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*(rsiPeriod-1) + up) / rsiPeriod
		loss = (loss*(rsiPeriod-1) + down) / rsiPeriod
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// MACD is EMA(12) - EMA(26) of prices; 0 until enough history exists.
func MACD(prices []float64) float64 {
	if len(prices) < minIndicatorLen {
		return 0
	}
	return ema(prices, macdFast) - ema(prices, macdSlow)
}

func ema(prices []float64, period int) float64 {
	k := 2.0 / float64(period+1)
	e := prices[0]
	for _, p := range prices[1:] {
		e = p*k + e*(1-k)
	}
	return e
}

// Returns computes simple returns, skipping non-positive bases.
func Returns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// AnnualizedVolatility is the sample std of simple returns scaled by sqrt(252), capped at 1.
// Fewer than five prices yield 0.
func AnnualizedVolatility(prices []float64) float64 {
	if len(prices) < 5 {
		return 0
	}
	v := StdDev(Returns(prices)) * math.Sqrt(tradingDaysPerYear)
	return math.Min(v, 1)
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// StdDev is the sample standard deviation; 0 with fewer than two samples.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
