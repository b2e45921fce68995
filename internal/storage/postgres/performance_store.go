package postgres

import (
	"context"
	"fmt"

	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

type PerformanceStore struct {
	pool *Pool
}

func NewPerformanceStore(pool *Pool) *PerformanceStore {
	return &PerformanceStore{pool: pool}
}

var _ storage.PerformanceSink = (*PerformanceStore)(nil)

func (s *PerformanceStore) PersistPerformance(ctx context.Context, p storage.PerformanceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO performance (
			symbol, episode, total_reward, win_rate, total_return, sharpe_ratio,
			total_trades, successful_trades, balance, learning_cycle, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		p.Symbol, p.Episode, p.TotalReward, p.WinRate, p.TotalReturn, p.SharpeRatio,
		p.TotalTrades, p.SuccessfulTrades, p.Balance, p.LearningCycle, p.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert performance: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for symbol.
func (s *PerformanceStore) Latest(ctx context.Context, symbol string) (storage.PerformanceRecord, error) {
	var p storage.PerformanceRecord
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, episode, total_reward, win_rate, total_return, sharpe_ratio,
			total_trades, successful_trades, balance, learning_cycle, ts
		FROM performance
		WHERE symbol = $1
		ORDER BY ts DESC, episode DESC
		LIMIT 1
	`, symbol).Scan(
		&p.Symbol, &p.Episode, &p.TotalReward, &p.WinRate, &p.TotalReturn, &p.SharpeRatio,
		&p.TotalTrades, &p.SuccessfulTrades, &p.Balance, &p.LearningCycle, &p.Timestamp,
	)
	if err != nil {
		if isNotFoundError(err) {
			return storage.PerformanceRecord{}, storage.ErrNotFound
		}
		return storage.PerformanceRecord{}, fmt.Errorf("latest performance %s: %w", symbol, err)
	}
	return p, nil
}
