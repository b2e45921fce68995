// Command evaluate loads a persisted agent and prints the result of
// deterministic greedy rollouts as JSON. Nothing is written back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/controller"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
	"github.com/Rajchodisetti/agent-trader/internal/storage/postgres"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var cfgPath, symbol string
	var episodes int
	var seed int64
	flag.StringVar(&cfgPath, "config", "config/agent.yaml", "config path")
	flag.StringVar(&symbol, "symbol", "", "symbol to evaluate (required)")
	flag.IntVar(&episodes, "episodes", 0, "episodes (default learning.eval_episodes)")
	flag.Int64Var(&seed, "seed", 1, "random walk seed")
	flag.Parse()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		log.Fatal("evaluate: -symbol is required")
	}
	res, err := evaluate(cfgPath, symbol, episodes, seed)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("encode: %v", err)
	}
}

func evaluate(cfgPath, symbol string, episodes int, seed int64) (controller.EvalResult, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return controller.EvalResult{}, err
	}
	if episodes <= 0 {
		episodes = cfg.Learning.EvalEpisodes
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	rec, err := loadRecord(ctx, cfg.Storage, symbol)
	if err != nil {
		return controller.EvalResult{}, err
	}

	// a private paper book keeps the rollouts away from any shared ledger
	ledger := portfolio.NewManager("", cfg.Trading.InitialBalance)
	ledger.SetFee(cfg.Trading.TransactionFee)
	paper := adapters.NewPaperBroker(ledger)
	gate, err := risk.NewGate(risk.LimitsFromConfig(cfg.Risk), paper, risk.Options{})
	if err != nil {
		return controller.EvalResult{}, err
	}

	ccfg := controller.ConfigFor(cfg, symbol)
	ccfg.Agent.Kind = rec.AgentKind
	ccfg.Seed = seed
	c, err := controller.New(ccfg, controller.Deps{
		Market: adapters.NewSyntheticSource(seed),
		Broker: paper,
		Gate:   gate,
	})
	if err != nil {
		return controller.EvalResult{}, err
	}
	if err := c.Import(rec); err != nil {
		return controller.EvalResult{}, fmt.Errorf("restore %s: %w", symbol, err)
	}
	return c.Evaluate(ctx, episodes)
}

func loadRecord(ctx context.Context, cfg config.Storage, symbol string) (storage.AgentRecord, error) {
	var store storage.AgentStore
	switch cfg.Kind {
	case "file":
		s, err := storage.NewFileAgentStore(cfg.ModelDir)
		if err != nil {
			return storage.AgentRecord{}, err
		}
		store = s
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return storage.AgentRecord{}, err
		}
		defer pool.Close()
		store = postgres.NewAgentStore(pool)
	default:
		return storage.AgentRecord{}, fmt.Errorf("%w: storage kind %q keeps no persisted agents", config.ErrInvalidConfig, cfg.Kind)
	}

	rec, err := store.Load(ctx, symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return rec, fmt.Errorf("no persisted agent for %s", symbol)
	}
	return rec, err
}
