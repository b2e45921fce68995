package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // sessions and trading.timezone resolve without a system zoneinfo

	"github.com/joho/godotenv"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/manager"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/outbox"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
	"github.com/Rajchodisetti/agent-trader/internal/storage/postgres"
)

var version = "dev"

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var cfgPath string
	var duration time.Duration
	var retrain bool
	flag.StringVar(&cfgPath, "config", "config/agent.yaml", "config path")
	flag.DurationVar(&duration, "duration", 0, "stop after duration (0 runs until signalled)")
	flag.BoolVar(&retrain, "retrain", false, "retrain every symbol for learning.retrain_steps before trading")
	flag.Parse()

	observ.SetVersion(version)
	if err := run(cfgPath, duration, retrain); err != nil {
		observ.Error("agentd_failed", err, nil)
		os.Exit(1)
	}
}

func run(cfgPath string, duration time.Duration, retrain bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observ.Log("config_loaded", map[string]any{
		"path":    cfgPath,
		"mode":    cfg.Trading.Mode,
		"symbols": cfg.Trading.Symbols,
		"agent":   cfg.Agent.Kind,
		"storage": cfg.Storage.Kind,
	})
	if s := adapters.SessionAt(time.Now()); s != adapters.SessionRegular {
		observ.Warn("market_off_hours", map[string]any{"session": string(s)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := adapters.Build(cfg)
	if err != nil {
		return fmt.Errorf("build collaborators: %w", err)
	}
	accounts, ok := src.Accounts[cfg.Trading.Mode]
	if !ok {
		return fmt.Errorf("%w: no account source for mode %q", config.ErrInvalidConfig, cfg.Trading.Mode)
	}
	loc, err := time.LoadLocation(cfg.Trading.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", config.ErrInvalidConfig, cfg.Trading.Timezone, err)
	}
	gate, err := risk.NewGate(risk.LimitsFromConfig(cfg.Risk), accounts, risk.Options{
		HighVolatility:       cfg.Risk.HighVolatility,
		PriceWindow:          cfg.Risk.PriceWindow,
		Location:             loc,
		DailyLossBlocksSells: cfg.Risk.DailyLossBlocksSells,
	})
	if err != nil {
		return err
	}

	sinks, closeSinks, err := openSinks(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeSinks()

	mgr, err := manager.FromConfig(ctx, cfg, src, gate, sinks)
	if err != nil {
		return err
	}
	if retrain {
		for _, sym := range mgr.Symbols() {
			perf, err := mgr.Retrain(ctx, sym, cfg.Learning.RetrainSteps)
			if err != nil {
				return fmt.Errorf("retrain %s: %w", sym, err)
			}
			observ.Log("agent_retrained", map[string]any{
				"symbol":       sym,
				"steps":        cfg.Learning.RetrainSteps,
				"total_return": perf.TotalReturn,
				"win_rate":     perf.WinRate,
			})
		}
	}

	srv := serve(cfg.Server.MetricsAddr, mgr)
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	mgr.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	var deadline <-chan time.Time
	if duration > 0 {
		deadline = time.After(duration)
	}
	select {
	case sig := <-sigChan:
		observ.Log("shutdown_signal", map[string]any{"signal": sig.String()})
	case <-deadline:
		observ.Log("shutdown_duration_elapsed", map[string]any{"duration": duration.String()})
	}

	mgr.Stop()
	if !mgr.Wait(30 * time.Second) {
		observ.Warn("agent_loop_drain_timeout", nil)
	}
	saveCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := mgr.SaveAll(saveCtx); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	observ.Log("agentd_stopped", nil)
	return nil
}

// openSinks selects agent, trade and performance persistence for storage.kind.
func openSinks(ctx context.Context, cfg config.Storage) (manager.Sinks, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case "memory":
		mem := storage.NewMemory()
		return manager.Sinks{Agents: mem, Trades: mem, Performance: mem}, noop, nil

	case "file":
		agents, err := storage.NewFileAgentStore(cfg.ModelDir)
		if err != nil {
			return manager.Sinks{}, noop, err
		}
		ob, err := outbox.New(cfg.OutboxPath)
		if err != nil {
			return manager.Sinks{}, noop, err
		}
		return manager.Sinks{Agents: agents, Trades: ob, Performance: ob}, noop, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return manager.Sinks{}, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return manager.Sinks{}, noop, fmt.Errorf("migrate postgres: %w", err)
		}
		// the local journal keeps an audit trail while the database is unreachable
		ob, err := outbox.New(cfg.OutboxPath)
		if err != nil {
			pool.Close()
			return manager.Sinks{}, noop, err
		}
		fan := &storage.Fanout{
			Trades:      []storage.TradeSink{postgres.NewTradeStore(pool), ob},
			Performance: []storage.PerformanceSink{postgres.NewPerformanceStore(pool), ob},
		}
		return manager.Sinks{Agents: postgres.NewAgentStore(pool), Trades: fan, Performance: fan}, pool.Close, nil
	}
	return manager.Sinks{}, noop, fmt.Errorf("%w: storage kind %q", config.ErrInvalidConfig, cfg.Kind)
}

func serve(addr string, mgr *manager.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.PortfolioStatus(r.Context()))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	observ.Log("metrics_listen", map[string]any{"addr": addr, "pid": os.Getpid()})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("metrics_server_failed", err, map[string]any{"addr": addr})
		}
	}()
	return srv
}
