package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/portfolio"
)

// Sources bundles the guarded collaborators for one process.
type Sources struct {
	Market    *GuardedMarket
	Sentiment *GuardedSentiment
	Accounts  map[string]*GuardedAccount // by trading mode
	Brokers   map[string]*GuardedBroker  // by trading mode
	Paper     *PaperBroker
}

// Build wires collaborators from configuration. Live data falls back to synthetic
// when no API key is configured; the live broker is only registered with a key.
func Build(cfg config.Root) (*Sources, error) {
	timeout := time.Duration(cfg.Data.TimeoutMs) * time.Millisecond
	seed := cfg.Agent.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var live *LiveClient
	apiKey := os.Getenv(cfg.Data.APIKeyEnv)
	if apiKey != "" && cfg.Data.BaseURL != "" {
		c, err := NewLiveClient(LiveConfig{
			BaseURL:            cfg.Data.BaseURL,
			APIKey:             apiKey,
			RateLimitPerMinute: cfg.Data.RateLimitPerMinute,
			Timeout:            timeout,
		})
		if err != nil {
			return nil, err
		}
		live = c
	}

	synthetic := NewSyntheticSource(seed)
	var market MarketData = synthetic
	var sentiment SentimentSource = synthetic

	source := strings.ToLower(strings.TrimSpace(cfg.Data.Source))
	switch source {
	case "synthetic":
	case "replay":
		r, err := LoadReplayFile(cfg.Data.ReplayPath)
		if err != nil {
			return nil, err
		}
		market = r
	case "live":
		if live == nil {
			observ.Warn("market_source_fallback", map[string]any{
				"requested":   "live",
				"fallback_to": "synthetic",
				"reason":      "missing API key",
				"api_key_env": cfg.Data.APIKeyEnv,
			})
		} else {
			market = live
			sentiment = live
		}
	default:
		return nil, fmt.Errorf("%w: unknown data source %q", config.ErrInvalidConfig, source)
	}

	paperPath := ""
	if cfg.Storage.Kind == "file" {
		paperPath = filepath.Join(cfg.Storage.ModelDir, "paper_portfolio.json")
	}
	startingCash := cfg.Trading.InitialBalance * float64(max(1, len(cfg.Trading.Symbols)))
	ledger := portfolio.NewManager(paperPath, startingCash)
	ledger.SetFee(cfg.Trading.TransactionFee)
	if err := ledger.Load(); err != nil {
		return nil, err
	}
	paper := NewPaperBroker(ledger)

	s := &Sources{
		Market:    NewGuardedMarket(market, timeout),
		Sentiment: NewGuardedSentiment(sentiment, timeout),
		Accounts: map[string]*GuardedAccount{
			"paper": NewGuardedAccount(paper, timeout, cfg.Risk.DefaultPortfolioValue),
		},
		Brokers: map[string]*GuardedBroker{
			"paper": NewGuardedBroker(paper, timeout),
		},
		Paper: paper,
	}
	if live != nil {
		s.Accounts["live"] = NewGuardedAccount(live, timeout, cfg.Risk.DefaultPortfolioValue)
		s.Brokers["live"] = NewGuardedBroker(live, timeout)
	}

	fields := map[string]any{"market": source, "modes": len(s.Brokers)}
	if live != nil {
		fields["api_key_masked"] = maskAPIKey(apiKey)
	}
	observ.Log("collaborators_created", fields)
	return s, nil
}
