package agent

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Rajchodisetti/agent-trader/internal/features"
)

const (
	KindQ           = "q"
	KindActorCritic = "actor_critic"

	snapshotVersion = 1
)

var ErrSnapshotMismatch = errors.New("agent snapshot mismatch")

// Transition is one learning sample.
type Transition struct {
	State  features.Observation
	Action Action
	Reward float64
	Next   features.Observation
	Done   bool
}

// Agent selects actions and learns from transitions. Implementations are not safe for
// concurrent use; the owning controller serializes access.
type Agent interface {
	// SelectAction is exploration-aware.
	SelectAction(obs features.Observation) Action
	// Greedy never explores and never changes the agent.
	Greedy(obs features.Observation) Action
	Update(t Transition)
	ExplorationRate() float64
	Actions() int
	Kind() string
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	// Reset forgets everything learned and restores the initial exploration rate.
	Reset()
}

type Config struct {
	Kind         string  `json:"kind"`
	Actions      int     `json:"actions"`
	LearningRate float64 `json:"learning_rate"`
	Discount     float64 `json:"discount"`
	Epsilon      float64 `json:"epsilon"`
	EpsilonDecay float64 `json:"epsilon_decay"`
	EpsilonMin   float64 `json:"epsilon_min"`
	BatchSize    int     `json:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		Kind:         KindQ,
		Actions:      3,
		LearningRate: 0.1,
		Discount:     0.95,
		Epsilon:      0.3,
		EpsilonDecay: 0.995,
		EpsilonMin:   0.01,
		BatchSize:    64,
	}
}

func (c Config) validate() error {
	if c.Actions != 3 && c.Actions != MaxActions {
		return fmt.Errorf("actions must be 3 or %d, got %d", MaxActions, c.Actions)
	}
	if c.LearningRate <= 0 || c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("learning rate %.4f / discount %.4f out of range", c.LearningRate, c.Discount)
	}
	if c.EpsilonMin < 0 || c.EpsilonMin > c.Epsilon || c.Epsilon > 1 {
		return fmt.Errorf("epsilon %.4f / floor %.4f out of range", c.Epsilon, c.EpsilonMin)
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		return fmt.Errorf("epsilon decay %.4f out of range", c.EpsilonDecay)
	}
	return nil
}

// New builds the agent named by cfg.Kind.
func New(cfg Config, rng *rand.Rand) (Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindQ, "":
		return NewQAgent(cfg, rng), nil
	case KindActorCritic:
		return NewActorCritic(cfg, rng), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.Kind)
	}
}

// exploration holds the shared ε schedule.
type exploration struct {
	epsilon float64
	cfg     Config
}

func (e *exploration) decay() {
	next := e.epsilon * e.cfg.EpsilonDecay
	if next < e.cfg.EpsilonMin {
		next = e.cfg.EpsilonMin
	}
	if next < e.epsilon {
		e.epsilon = next
	}
}

func argmax(row []float64) Action {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return Action(best)
}
