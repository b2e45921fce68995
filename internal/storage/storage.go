// Package storage defines persistence for agent state and the append-only trade
// and performance audit trails.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current AgentRecord layout.
const SchemaVersion = 1

// AgentRecord is the persisted form of one symbol's agent.
type AgentRecord struct {
	SchemaVersion int             `json:"schema_version"`
	Symbol        string          `json:"symbol"`
	AgentKind     string          `json:"agent_kind"`
	Agent         json.RawMessage `json:"agent"`
	Stats         json.RawMessage `json:"stats,omitempty"`
	SavedAt       time.Time       `json:"saved_at"`
}

func (r AgentRecord) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if r.SchemaVersion <= 0 || r.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrInvalidInput, r.SchemaVersion)
	}
	if len(r.Agent) == 0 {
		return fmt.Errorf("%w: empty agent blob for %s", ErrInvalidInput, r.Symbol)
	}
	return nil
}

// AgentStore persists the latest AgentRecord per symbol.
type AgentStore interface {
	Save(ctx context.Context, rec AgentRecord) error
	// Load returns ErrNotFound when nothing is stored for symbol.
	Load(ctx context.Context, symbol string) (AgentRecord, error)
}

// TradeRecord is an immutable audit entry for every attempted non-hold action.
type TradeRecord struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	Quantity       int       `json:"quantity"`
	Price          float64   `json:"price"`
	Reward         float64   `json:"reward"`
	BalanceBefore  float64   `json:"balance_before"`
	BalanceAfter   float64   `json:"balance_after"`
	PositionBefore int       `json:"position_before"`
	PositionAfter  int       `json:"position_after"`
	Mode           string    `json:"mode"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PerformanceRecord is the metrics snapshot taken at the end of each episode.
type PerformanceRecord struct {
	Symbol           string    `json:"symbol"`
	Episode          int       `json:"episode"`
	TotalReward      float64   `json:"total_reward"`
	WinRate          float64   `json:"win_rate"`
	TotalReturn      float64   `json:"total_return"`
	SharpeRatio      float64   `json:"sharpe_ratio"`
	TotalTrades      int       `json:"total_trades"`
	SuccessfulTrades int       `json:"successful_trades"`
	Balance          float64   `json:"balance"`
	LearningCycle    int       `json:"learning_cycle"`
	Timestamp        time.Time `json:"timestamp"`
}

type TradeSink interface {
	PersistTrade(ctx context.Context, t TradeRecord) error
}

type PerformanceSink interface {
	PersistPerformance(ctx context.Context, p PerformanceRecord) error
}
