package postgres

import (
	"context"
	"fmt"

	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

// AgentStore keeps the latest agent blob per symbol in agent_state.
type AgentStore struct {
	pool *Pool
}

func NewAgentStore(pool *Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

var _ storage.AgentStore = (*AgentStore)(nil)

// Save upserts the record for rec.Symbol.
func (s *AgentStore) Save(ctx context.Context, rec storage.AgentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var stats []byte
	if len(rec.Stats) > 0 {
		stats = rec.Stats
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_state (symbol, schema_version, agent_kind, agent, stats, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			agent_kind = EXCLUDED.agent_kind,
			agent = EXCLUDED.agent,
			stats = EXCLUDED.stats,
			saved_at = EXCLUDED.saved_at
	`, rec.Symbol, rec.SchemaVersion, rec.AgentKind, []byte(rec.Agent), stats, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert agent state %s: %w", rec.Symbol, err)
	}
	return nil
}

func (s *AgentStore) Load(ctx context.Context, symbol string) (storage.AgentRecord, error) {
	var rec storage.AgentRecord
	var agent, stats []byte
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, schema_version, agent_kind, agent, stats, saved_at
		FROM agent_state WHERE symbol = $1
	`, symbol).Scan(&rec.Symbol, &rec.SchemaVersion, &rec.AgentKind, &agent, &stats, &rec.SavedAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.AgentRecord{}, storage.ErrNotFound
		}
		return storage.AgentRecord{}, fmt.Errorf("load agent state %s: %w", symbol, err)
	}
	rec.Agent = agent
	rec.Stats = stats
	return rec, nil
}
