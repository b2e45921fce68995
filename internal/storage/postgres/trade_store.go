package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

// TradeStore is the append-only trade audit table.
type TradeStore struct {
	pool *Pool
}

func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ storage.TradeSink = (*TradeStore)(nil)

// PersistTrade inserts t. Returns ErrDuplicateKey if the id exists.
func (s *TradeStore) PersistTrade(ctx context.Context, t storage.TradeRecord) error {
	if t.ID == "" {
		return fmt.Errorf("%w: trade id required", storage.ErrInvalidInput)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			id, symbol, action, quantity, price, reward,
			balance_before, balance_after, position_before, position_after,
			mode, success, error, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		t.ID, t.Symbol, t.Action, t.Quantity, t.Price, t.Reward,
		t.BalanceBefore, t.BalanceAfter, t.PositionBefore, t.PositionAfter,
		t.Mode, t.Success, t.Error, t.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// BySymbol returns trades for symbol ordered by time.
func (s *TradeStore) BySymbol(ctx context.Context, symbol string) ([]storage.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, action, quantity, price, reward,
			balance_before, balance_after, position_before, position_after,
			mode, success, error, ts
		FROM trades
		WHERE symbol = $1
		ORDER BY ts ASC, id ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]storage.TradeRecord, error) {
	var out []storage.TradeRecord
	for rows.Next() {
		var t storage.TradeRecord
		if err := rows.Scan(
			&t.ID, &t.Symbol, &t.Action, &t.Quantity, &t.Price, &t.Reward,
			&t.BalanceBefore, &t.BalanceAfter, &t.PositionBefore, &t.PositionAfter,
			&t.Mode, &t.Success, &t.Error, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}
