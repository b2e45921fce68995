package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ReplaySource serves recorded bars per symbol in file order, then ErrExhausted.
// The file is JSON lines of Bar.
type ReplaySource struct {
	mu     sync.Mutex
	bars   map[string][]Bar
	cursor map[string]int
}

func NewReplaySource(bars []Bar) *ReplaySource {
	r := &ReplaySource{bars: map[string][]Bar{}, cursor: map[string]int{}}
	for _, b := range bars {
		b.Symbol = normalizeSymbol(b.Symbol)
		b.Source = "replay"
		r.bars[b.Symbol] = append(r.bars[b.Symbol], b)
	}
	return r
}

func LoadReplayFile(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var bars []Bar
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var b Bar
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return NewReplaySource(bars), nil
}

func (r *ReplaySource) Bar(ctx context.Context, symbol string) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}
	symbol = normalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	series, ok := r.bars[symbol]
	if !ok {
		return Bar{}, NewBadSymbolError(symbol, "no recorded bars")
	}
	i := r.cursor[symbol]
	if i >= len(series) {
		return Bar{}, ErrExhausted
	}
	r.cursor[symbol] = i + 1
	return series[i], nil
}

// Remaining reports how many bars are left for symbol.
func (r *ReplaySource) Remaining(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbol = normalizeSymbol(symbol)
	return len(r.bars[symbol]) - r.cursor[symbol]
}
