package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

func TestAgentStore_SaveLoadUpsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := NewAgentStore(pool)

	_, err := store.Load(ctx, "AAPL")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := storage.AgentRecord{
		SchemaVersion: storage.SchemaVersion,
		Symbol:        "AAPL",
		AgentKind:     "q",
		Agent:         json.RawMessage(`{"kind":"q","epsilon":0.2}`),
		Stats:         json.RawMessage(`{"episodes":1}`),
		SavedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Save(ctx, rec))

	rec.Agent = json.RawMessage(`{"kind":"q","epsilon":0.1}`)
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "q", got.AgentKind)
	assert.JSONEq(t, `{"kind":"q","epsilon":0.1}`, string(got.Agent))
	assert.JSONEq(t, `{"episodes":1}`, string(got.Stats))
	assert.True(t, rec.SavedAt.Equal(got.SavedAt))
}

func TestTradeStore_AppendOnly(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := NewTradeStore(pool)

	tr := storage.TradeRecord{
		ID:            uuid.NewString(),
		Symbol:        "AAPL",
		Action:        "buy",
		Quantity:      10,
		Price:         100,
		Reward:        0.01,
		BalanceBefore: 100000,
		BalanceAfter:  99000,
		PositionAfter: 10,
		Mode:          "paper",
		Success:       true,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.PersistTrade(ctx, tr))
	assert.ErrorIs(t, store.PersistTrade(ctx, tr), storage.ErrDuplicateKey)
	assert.ErrorIs(t, store.PersistTrade(ctx, storage.TradeRecord{}), storage.ErrInvalidInput)

	got, err := store.BySymbol(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tr.ID, got[0].ID)
	assert.Equal(t, 10, got[0].PositionAfter)
	assert.InDelta(t, 99000, got[0].BalanceAfter, 1e-9)
}

func TestPerformanceStore_Latest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPerformanceStore(pool)

	_, err := store.Latest(ctx, "MSFT")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.PersistPerformance(ctx, storage.PerformanceRecord{
			Symbol:      "MSFT",
			Episode:     i,
			TotalReward: float64(i),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	got, err := store.Latest(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Episode)
}
