package manager

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/controller"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

// Sinks are where a process records agent state, trades and episode performance.
// Any of them may be nil.
type Sinks struct {
	Agents      storage.AgentStore
	Trades      storage.TradeSink
	Performance storage.PerformanceSink
}

// FromConfig builds a manager whose controllers share src and gate.
func FromConfig(ctx context.Context, root config.Root, src *adapters.Sources, gate *risk.Gate, sinks Sinks) (*Manager, error) {
	brokers := make(map[string]adapters.Broker, len(src.Brokers))
	for mode, b := range src.Brokers {
		brokers[mode] = b
	}

	factory := func(symbol, mode string, broker adapters.Broker) (*controller.Controller, error) {
		cfg := controller.ConfigFor(root, symbol)
		cfg.Mode = mode
		if cfg.Seed != 0 {
			// distinct but reproducible streams per symbol
			cfg.Seed += int64(crc32.ChecksumIEEE([]byte(cfg.Symbol)))
		}
		deps := controller.Deps{
			Market:      src.Market,
			Sentiment:   src.Sentiment,
			Broker:      broker,
			Gate:        gate,
			Trades:      sinks.Trades,
			Performance: sinks.Performance,
		}
		if src.Paper != nil {
			deps.Marker = src.Paper
		}
		return controller.New(cfg, deps)
	}

	opts := Options{
		PollInterval:     time.Duration(root.Trading.PollingIntervalSeconds) * time.Second,
		OnlineEvery:      root.Learning.OnlineEvery,
		OnlineIterations: root.Learning.OnlineIterations,
		PersistEvery:     root.Learning.PersistEvery,
		RetrainSteps:     root.Learning.RetrainSteps,
	}
	return New(ctx, opts, Deps{
		Gate:          gate,
		Store:         sinks.Agents,
		Brokers:       brokers,
		NewController: factory,
	}, root.Trading.Mode, root.Trading.Symbols)
}
