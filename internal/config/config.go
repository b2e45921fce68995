package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration that must stop the process at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

type Trading struct {
	Mode                   string   `yaml:"mode"` // paper | live
	Symbols                []string `yaml:"symbols"`
	PollingIntervalSeconds int      `yaml:"polling_interval_seconds"`
	InitialBalance         float64  `yaml:"initial_balance"`
	TransactionFee         float64  `yaml:"transaction_fee"` // fraction of notional
	Timezone               string   `yaml:"timezone"`        // trading-day boundary
}

type Risk struct {
	MaxPositionFraction   float64 `yaml:"max_position_fraction"`
	MaxConcentration      float64 `yaml:"max_concentration"`
	StopLossThreshold     float64 `yaml:"stop_loss_threshold"`
	MaxDailyTrades        int     `yaml:"max_daily_trades"`
	MaxDailyLoss          float64 `yaml:"max_daily_loss"`
	DefaultPortfolioValue float64 `yaml:"default_portfolio_value"` // used when the account source fails
	HighVolatility        float64 `yaml:"high_volatility"`
	PriceWindow           int     `yaml:"price_window"`
	DailyLossBlocksSells  bool    `yaml:"daily_loss_blocks_sells"` // default lets losing days still de-risk
}

type Agent struct {
	Kind                 string  `yaml:"kind"`    // q | actor_critic
	Actions              int     `yaml:"actions"` // 3 or 5
	LearningRate         float64 `yaml:"learning_rate"`
	Discount             float64 `yaml:"discount"`
	Epsilon              float64 `yaml:"epsilon"`
	EpsilonDecay         float64 `yaml:"epsilon_decay"`
	EpsilonMin           float64 `yaml:"epsilon_min"`
	BatchSize            int     `yaml:"batch_size"`
	Seed                 int64   `yaml:"seed"`
	RewardNormalization  string  `yaml:"reward_normalization"` // fixed | portfolio
	SizingConfidence     float64 `yaml:"sizing_confidence"`
	PenaltyConcentration float64 `yaml:"penalty_concentration"`
}

type Learning struct {
	OnlineEvery      int `yaml:"online_learning_every"`
	OnlineIterations int `yaml:"online_learning_iterations"`
	PersistEvery     int `yaml:"persist_every"`
	MaxSteps         int `yaml:"max_steps"`
	ReplayCapacity   int `yaml:"replay_capacity"`
	HistoryWindow    int `yaml:"history_window"`
	RecentRewards    int `yaml:"recent_rewards"`
	EvalEpisodes     int `yaml:"eval_episodes"`
	RetrainSteps     int `yaml:"retrain_steps"`
}

type Data struct {
	Source             string `yaml:"source"` // synthetic | replay | live
	TimeoutMs          int    `yaml:"timeout_ms"`
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	ReplayPath         string `yaml:"replay_path"`
}

type Storage struct {
	Kind        string `yaml:"kind"` // file | postgres | memory
	ModelDir    string `yaml:"model_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
	OutboxPath  string `yaml:"outbox_path"`
}

type Server struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type Root struct {
	Trading  Trading  `yaml:"trading"`
	Risk     Risk     `yaml:"risk"`
	Agent    Agent    `yaml:"agent"`
	Learning Learning `yaml:"learning"`
	Data     Data     `yaml:"data"`
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyEnv()
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyEnv() {
	if v := os.Getenv("DATA_SOURCE"); v != "" {
		c.Data.Source = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.Trading.Mode = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
}

// ApplyDefaults fills every optional field left at its zero value.
// Risk limits are not defaulted; Validate rejects them when missing.
func (c *Root) ApplyDefaults() {
	c.Trading.Mode = strings.ToLower(strings.TrimSpace(c.Trading.Mode))
	if c.Trading.Mode == "" {
		c.Trading.Mode = "paper"
	}
	if c.Trading.PollingIntervalSeconds == 0 {
		c.Trading.PollingIntervalSeconds = 30
	}
	if c.Trading.InitialBalance == 0 {
		c.Trading.InitialBalance = 100000
	}
	if c.Trading.Timezone == "" {
		c.Trading.Timezone = "America/New_York"
	}
	for i, s := range c.Trading.Symbols {
		c.Trading.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if c.Risk.DefaultPortfolioValue == 0 {
		c.Risk.DefaultPortfolioValue = 100000
	}
	if c.Risk.HighVolatility == 0 {
		c.Risk.HighVolatility = 0.5
	}
	if c.Risk.PriceWindow == 0 {
		c.Risk.PriceWindow = 20
	}

	if c.Agent.Kind == "" {
		c.Agent.Kind = "q"
	}
	if c.Agent.Actions == 0 {
		c.Agent.Actions = 3
	}
	if c.Agent.LearningRate == 0 {
		c.Agent.LearningRate = 0.1
	}
	if c.Agent.Discount == 0 {
		c.Agent.Discount = 0.95
	}
	if c.Agent.Epsilon == 0 {
		c.Agent.Epsilon = 0.3
	}
	if c.Agent.EpsilonDecay == 0 {
		c.Agent.EpsilonDecay = 0.995
	}
	if c.Agent.EpsilonMin == 0 {
		c.Agent.EpsilonMin = 0.01
	}
	if c.Agent.BatchSize == 0 {
		c.Agent.BatchSize = 64
	}
	if c.Agent.RewardNormalization == "" {
		c.Agent.RewardNormalization = "fixed"
	}
	if c.Agent.SizingConfidence == 0 {
		c.Agent.SizingConfidence = 1.0
	}
	if c.Agent.PenaltyConcentration == 0 {
		c.Agent.PenaltyConcentration = 0.2
	}

	if c.Learning.OnlineEvery == 0 {
		c.Learning.OnlineEvery = 100
	}
	if c.Learning.OnlineIterations == 0 {
		c.Learning.OnlineIterations = 200
	}
	if c.Learning.PersistEvery == 0 {
		c.Learning.PersistEvery = 10
	}
	if c.Learning.MaxSteps == 0 {
		c.Learning.MaxSteps = 1000
	}
	if c.Learning.ReplayCapacity == 0 {
		c.Learning.ReplayCapacity = 1000
	}
	if c.Learning.HistoryWindow == 0 {
		c.Learning.HistoryWindow = 50
	}
	if c.Learning.RecentRewards == 0 {
		c.Learning.RecentRewards = 1000
	}
	if c.Learning.EvalEpisodes == 0 {
		c.Learning.EvalEpisodes = 10
	}
	if c.Learning.RetrainSteps == 0 {
		c.Learning.RetrainSteps = 50000
	}

	if c.Data.Source == "" {
		c.Data.Source = "synthetic"
	}
	if c.Data.TimeoutMs == 0 {
		c.Data.TimeoutMs = 2000
	}
	if c.Data.RateLimitPerMinute == 0 {
		c.Data.RateLimitPerMinute = 60
	}
	if c.Data.APIKeyEnv == "" {
		c.Data.APIKeyEnv = "LIVE_API_KEY"
	}

	if c.Storage.Kind == "" {
		c.Storage.Kind = "file"
	}
	if c.Storage.ModelDir == "" {
		c.Storage.ModelDir = "data/models"
	}
	if c.Storage.OutboxPath == "" {
		c.Storage.OutboxPath = "data/trades.jsonl"
	}

	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
}

func (c Root) Validate() error {
	var problems []string
	r := c.Risk
	if r.MaxPositionFraction <= 0 || r.MaxPositionFraction > 1 {
		problems = append(problems, "risk.max_position_fraction must be in (0,1]")
	}
	if r.MaxConcentration <= 0 || r.MaxConcentration > 1 {
		problems = append(problems, "risk.max_concentration must be in (0,1]")
	}
	if r.StopLossThreshold <= 0 || r.StopLossThreshold >= 1 {
		problems = append(problems, "risk.stop_loss_threshold must be in (0,1)")
	}
	if r.MaxDailyTrades <= 0 {
		problems = append(problems, "risk.max_daily_trades must be positive")
	}
	if r.MaxDailyLoss <= 0 || r.MaxDailyLoss > 1 {
		problems = append(problems, "risk.max_daily_loss must be in (0,1]")
	}

	switch c.Trading.Mode {
	case "paper", "live":
	default:
		problems = append(problems, fmt.Sprintf("trading.mode %q must be paper or live", c.Trading.Mode))
	}
	if c.Trading.InitialBalance <= 0 {
		problems = append(problems, "trading.initial_balance must be positive")
	}
	if c.Trading.TransactionFee < 0 || c.Trading.TransactionFee >= 1 {
		problems = append(problems, "trading.transaction_fee must be in [0,1)")
	}
	switch c.Agent.Kind {
	case "q", "actor_critic":
	default:
		problems = append(problems, fmt.Sprintf("agent.kind %q must be q or actor_critic", c.Agent.Kind))
	}
	if c.Agent.Actions != 3 && c.Agent.Actions != 5 {
		problems = append(problems, "agent.actions must be 3 or 5")
	}
	if c.Agent.EpsilonMin > c.Agent.Epsilon {
		problems = append(problems, "agent.epsilon_min must not exceed agent.epsilon")
	}
	switch c.Agent.RewardNormalization {
	case "fixed", "portfolio":
	default:
		problems = append(problems, "agent.reward_normalization must be fixed or portfolio")
	}
	switch c.Data.Source {
	case "synthetic", "replay", "live":
	default:
		problems = append(problems, fmt.Sprintf("data.source %q must be synthetic, replay or live", c.Data.Source))
	}
	if c.Data.Source == "replay" && c.Data.ReplayPath == "" {
		problems = append(problems, "data.replay_path is required for the replay source")
	}
	switch c.Storage.Kind {
	case "file", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for postgres storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.kind %q must be file, postgres or memory", c.Storage.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
