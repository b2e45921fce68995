package agent

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/Rajchodisetti/agent-trader/internal/features"
)

// QAgent is tabular ε-greedy Q-learning over the discrete state.
type QAgent struct {
	exploration
	table *QTable
	rng   *rand.Rand
}

func NewQAgent(cfg Config, rng *rand.Rand) *QAgent {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	cfg.Kind = KindQ
	return &QAgent{
		exploration: exploration{epsilon: cfg.Epsilon, cfg: cfg},
		table:       NewQTable(cfg.Actions),
		rng:         rng,
	}
}

func (q *QAgent) Kind() string             { return KindQ }
func (q *QAgent) Actions() int             { return q.cfg.Actions }
func (q *QAgent) ExplorationRate() float64 { return q.epsilon }
func (q *QAgent) Table() *QTable           { return q.table }

func (q *QAgent) SelectAction(obs features.Observation) Action {
	if q.rng.Float64() < q.epsilon {
		return Action(q.rng.Intn(q.cfg.Actions))
	}
	return argmax(q.table.Ensure(stateKey(obs)))
}

// Greedy is read-only: an unseen state reads as a zero row, which prefers Hold.
func (q *QAgent) Greedy(obs features.Observation) Action {
	row, ok := q.table.Lookup(stateKey(obs))
	if !ok {
		return Hold
	}
	return argmax(row)
}

// Update applies Q[s][a] += α(r + γ·max Q[s'] − Q[s][a]) and decays ε.
func (q *QAgent) Update(t Transition) {
	if int(t.Action) < 0 || int(t.Action) >= q.cfg.Actions {
		return
	}
	row := q.table.Ensure(stateKey(t.State))
	next := q.table.Ensure(stateKey(t.Next))

	target := t.Reward + q.cfg.Discount*next[argmax(next)]
	row[t.Action] += q.cfg.LearningRate * (target - row[t.Action])
	q.decay()
}

func (q *QAgent) Reset() {
	q.table = NewQTable(q.cfg.Actions)
	q.epsilon = q.cfg.Epsilon
}

type qSnapshot struct {
	Version int                  `json:"version"`
	Kind    string               `json:"kind"`
	Config  Config               `json:"config"`
	Epsilon float64              `json:"epsilon"`
	Table   map[string][]float64 `json:"table"`
}

func (q *QAgent) Snapshot() ([]byte, error) {
	return json.Marshal(qSnapshot{
		Version: snapshotVersion,
		Kind:    KindQ,
		Config:  q.cfg,
		Epsilon: q.epsilon,
		Table:   q.table.rows,
	})
}

func (q *QAgent) Restore(data []byte) error {
	var s qSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode q snapshot: %w", err)
	}
	if s.Kind != KindQ || s.Version > snapshotVersion {
		return fmt.Errorf("%w: kind %q version %d", ErrSnapshotMismatch, s.Kind, s.Version)
	}
	table := NewQTable(q.cfg.Actions)
	for k, row := range s.Table {
		if len(row) != q.cfg.Actions {
			return fmt.Errorf("%w: row %s has %d actions, want %d", ErrSnapshotMismatch, k, len(row), q.cfg.Actions)
		}
		table.rows[k] = append([]float64(nil), row...)
	}
	q.table = table
	q.epsilon = clamp(s.Epsilon, q.cfg.EpsilonMin, q.cfg.Epsilon)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
