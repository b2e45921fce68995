package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
trading:
  symbols: [aapl, " msft "]
risk:
  max_position_fraction: 0.01
  max_concentration: 0.2
  stop_loss_threshold: 0.05
  max_daily_trades: 100
  max_daily_loss: 0.02
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATA_SOURCE", "")
	t.Setenv("TRADING_MODE", "")
	t.Setenv("POSTGRES_DSN", "")

	c, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT"}, c.Trading.Symbols)
	assert.Equal(t, "paper", c.Trading.Mode)
	assert.Equal(t, 30, c.Trading.PollingIntervalSeconds)
	assert.Equal(t, 100000.0, c.Trading.InitialBalance)
	assert.Equal(t, "q", c.Agent.Kind)
	assert.Equal(t, 3, c.Agent.Actions)
	assert.Equal(t, 0.1, c.Agent.LearningRate)
	assert.Equal(t, 0.95, c.Agent.Discount)
	assert.Equal(t, 0.3, c.Agent.Epsilon)
	assert.Equal(t, 0.995, c.Agent.EpsilonDecay)
	assert.Equal(t, 0.01, c.Agent.EpsilonMin)
	assert.Equal(t, 100, c.Learning.OnlineEvery)
	assert.Equal(t, 10, c.Learning.PersistEvery)
	assert.Equal(t, 1000, c.Learning.MaxSteps)
	assert.Equal(t, 50, c.Learning.HistoryWindow)
	assert.Equal(t, 50000, c.Learning.RetrainSteps)
	assert.False(t, c.Risk.DailyLossBlocksSells)

	c, err = Load(writeConfig(t, minimalYAML+"  daily_loss_blocks_sells: true\n"))
	require.NoError(t, err)
	assert.True(t, c.Risk.DailyLossBlocksSells)
	assert.Equal(t, "synthetic", c.Data.Source)
	assert.Equal(t, "file", c.Storage.Kind)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATA_SOURCE", "live")
	t.Setenv("TRADING_MODE", "LIVE")
	t.Setenv("POSTGRES_DSN", "postgres://x")

	c, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "live", c.Data.Source)
	assert.Equal(t, "live", c.Trading.Mode)
	assert.Equal(t, "postgres://x", c.Storage.PostgresDSN)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("DATA_SOURCE", "")
	t.Setenv("TRADING_MODE", "")
	t.Setenv("POSTGRES_DSN", "")

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"missing risk limits", "trading:\n  symbols: [AAPL]\n", "risk.max_position_fraction"},
		{"bad action count", minimalYAML + "agent:\n  actions: 4\n", "agent.actions"},
		{"unknown mode", strings.Replace(minimalYAML, "trading:\n", "trading:\n  mode: yolo\n", 1), "trading.mode"},
		{"replay without path", minimalYAML + "data:\n  source: replay\n", "data.replay_path"},
		{"postgres without dsn", minimalYAML + "storage:\n  kind: postgres\n", "storage.postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}
