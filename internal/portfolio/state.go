package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// State is the persisted account-wide portfolio.
type State struct {
	Version    int64               `json:"version"` // monotonic, bumped on every save
	UpdatedAt  string              `json:"updated_at"`
	Cash       float64             `json:"cash"`
	Positions  map[string]Position `json:"positions"`
	LastPrices map[string]float64  `json:"last_prices"`
}

// Manager is the account-wide ledger behind the paper broker. An empty filePath keeps it in memory.
type Manager struct {
	filePath string
	state    State
	fee      float64 // fraction of notional charged on every fill
	mu       sync.RWMutex
}

func NewManager(filePath string, startingCash float64) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			Cash:       startingCash,
			Positions:  make(map[string]Position),
			LastPrices: make(map[string]float64),
		},
	}
}

// SetFee sets the transaction fee rate charged by later fills.
func (m *Manager) SetFee(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fee = rate
}

// Load reads state from disk, keeping the starting state when the file does not exist.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return m.saveUnsafe()
		}
		return fmt.Errorf("failed to read portfolio state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal portfolio state: %w", err)
	}
	if s.Positions == nil {
		s.Positions = make(map[string]Position)
	}
	if s.LastPrices == nil {
		s.LastPrices = make(map[string]float64)
	}
	m.state = s
	return nil
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if m.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create portfolio dir: %w", err)
	}

	tempPath := m.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp portfolio state: %w", err)
	}
	if err := os.Rename(tempPath, m.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio state: %w", err)
	}
	return nil
}

// ApplyFill books a fill net of the fee. quantity is signed: positive buys, negative sells.
func (m *Manager) ApplyFill(symbol string, quantity int, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if quantity == 0 {
		return ErrInvalidQuantity
	}
	pos := m.state.Positions[symbol]
	if quantity > 0 {
		cost := float64(quantity) * price * (1 + m.fee)
		if cost > m.state.Cash {
			return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, cost, m.state.Cash)
		}
		m.state.Cash -= cost
		pos = pos.Add(quantity, price)
	} else {
		sell := -quantity
		if pos.Quantity < sell {
			return fmt.Errorf("%w: hold %d, selling %d", ErrNoPosition, pos.Quantity, sell)
		}
		m.state.Cash += float64(sell) * price * (1 - m.fee)
		pos = pos.Reduce(sell)
	}

	if pos.Quantity == 0 {
		delete(m.state.Positions, symbol)
	} else {
		m.state.Positions[symbol] = pos
	}
	m.state.LastPrices[symbol] = price
	return m.saveUnsafe()
}

// Debit charges cash outside any position (option premiums).
func (m *Manager) Debit(amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > m.state.Cash {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, amount, m.state.Cash)
	}
	m.state.Cash -= amount
	return m.saveUnsafe()
}

// MarkPrice records the latest price used for valuation; it is not persisted until the next fill.
func (m *Manager) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastPrices[symbol] = price
}

func (m *Manager) GetPosition(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.state.Positions[symbol]
	return pos, ok
}

func (m *Manager) Cash() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Cash
}

// Holding is a position with its marked price.
type Holding struct {
	Symbol    string
	Position  Position
	LastPrice float64
}

// Holdings lists positions sorted by symbol.
func (m *Manager) Holdings() []Holding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Holding, 0, len(m.state.Positions))
	for sym, pos := range m.state.Positions {
		price := m.state.LastPrices[sym]
		if price <= 0 {
			price = pos.AvgPrice
		}
		out = append(out, Holding{Symbol: sym, Position: pos, LastPrice: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// NAV is cash plus every position at its last marked price.
func (m *Manager) NAV() float64 {
	nav := m.Cash()
	for _, h := range m.Holdings() {
		nav += h.Position.MarketValue(h.LastPrice)
	}
	return nav
}
