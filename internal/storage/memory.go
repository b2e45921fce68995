package storage

import (
	"context"
	"sync"
)

// Memory implements every store in-process. Used by tests and storage.kind=memory.
type Memory struct {
	mu      sync.RWMutex
	agents  map[string]AgentRecord
	trades  []TradeRecord
	tradeID map[string]struct{}
	perf    []PerformanceRecord
}

var (
	_ AgentStore      = (*Memory)(nil)
	_ TradeSink       = (*Memory)(nil)
	_ PerformanceSink = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{agents: map[string]AgentRecord{}, tradeID: map[string]struct{}{}}
}

func (m *Memory) Save(ctx context.Context, rec AgentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[rec.Symbol] = rec
	return nil
}

func (m *Memory) Load(ctx context.Context, symbol string) (AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[symbol]
	if !ok {
		return AgentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) PersistTrade(ctx context.Context, t TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID != "" {
		if _, dup := m.tradeID[t.ID]; dup {
			return ErrDuplicateKey
		}
		m.tradeID[t.ID] = struct{}{}
	}
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) PersistPerformance(ctx context.Context, p PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perf = append(m.perf, p)
	return nil
}

// Trades returns a copy of every persisted trade in insertion order.
func (m *Memory) Trades() []TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TradeRecord(nil), m.trades...)
}

func (m *Memory) Performance() []PerformanceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PerformanceRecord(nil), m.perf...)
}

// Fanout writes to every sink, returning the first error after trying all.
type Fanout struct {
	Trades      []TradeSink
	Performance []PerformanceSink
}

func (f Fanout) PersistTrade(ctx context.Context, t TradeRecord) error {
	var first error
	for _, s := range f.Trades {
		if err := s.PersistTrade(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) PersistPerformance(ctx context.Context, p PerformanceRecord) error {
	var first error
	for _, s := range f.Performance {
		if err := s.PersistPerformance(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
