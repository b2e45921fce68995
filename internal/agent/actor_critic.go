package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/Rajchodisetti/agent-trader/internal/features"
)

const (
	inputClip     = 10.0
	advantageClip = 1.0
	width         = features.Dim + 1 // bias term
)

// ActorCritic is a linear softmax policy with a linear state-value baseline.
// Transitions are buffered and applied as one advantage-weighted gradient step per batch.
type ActorCritic struct {
	exploration
	actor  [][]float64 // [action][width]
	critic []float64
	buffer []Transition
	rng    *rand.Rand
}

func NewActorCritic(cfg Config, rng *rand.Rand) *ActorCritic {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	cfg.Kind = KindActorCritic
	ac := &ActorCritic{
		exploration: exploration{epsilon: cfg.Epsilon, cfg: cfg},
		rng:         rng,
	}
	ac.Reset()
	return ac
}

func (ac *ActorCritic) Kind() string             { return KindActorCritic }
func (ac *ActorCritic) Actions() int             { return ac.cfg.Actions }
func (ac *ActorCritic) ExplorationRate() float64 { return ac.epsilon }

func (ac *ActorCritic) Reset() {
	ac.actor = make([][]float64, ac.cfg.Actions)
	for i := range ac.actor {
		ac.actor[i] = make([]float64, width)
	}
	ac.critic = make([]float64, width)
	ac.buffer = nil
	ac.epsilon = ac.cfg.Epsilon
}

func inputs(obs features.Observation) [width]float64 {
	var x [width]float64
	for i, v := range obs.Vector {
		if math.IsNaN(v) {
			v = 0
		}
		x[i] = math.Max(-inputClip, math.Min(inputClip, v))
	}
	x[features.Dim] = 1
	return x
}

func dot(w []float64, x [width]float64) float64 {
	var s float64
	for i := range w {
		s += w[i] * x[i]
	}
	return s
}

// Policy returns the softmax action distribution for obs.
func (ac *ActorCritic) Policy(obs features.Observation) []float64 {
	x := inputs(obs)
	logits := make([]float64, len(ac.actor))
	maxLogit := math.Inf(-1)
	for a, w := range ac.actor {
		logits[a] = dot(w, x)
		maxLogit = math.Max(maxLogit, logits[a])
	}
	var sum float64
	for a := range logits {
		logits[a] = math.Exp(logits[a] - maxLogit)
		sum += logits[a]
	}
	for a := range logits {
		logits[a] /= sum
	}
	return logits
}

// Value is the critic's estimate for obs.
func (ac *ActorCritic) Value(obs features.Observation) float64 {
	return dot(ac.critic, inputs(obs))
}

func (ac *ActorCritic) SelectAction(obs features.Observation) Action {
	if ac.rng.Float64() < ac.epsilon {
		return Action(ac.rng.Intn(ac.cfg.Actions))
	}
	p := ac.Policy(obs)
	u := ac.rng.Float64()
	var acc float64
	for a, pa := range p {
		acc += pa
		if u < acc {
			return Action(a)
		}
	}
	return Action(len(p) - 1)
}

func (ac *ActorCritic) Greedy(obs features.Observation) Action {
	return argmax(ac.Policy(obs))
}

func (ac *ActorCritic) Update(t Transition) {
	if int(t.Action) < 0 || int(t.Action) >= ac.cfg.Actions {
		return
	}
	ac.buffer = append(ac.buffer, t)
	ac.decay()
	if len(ac.buffer) >= ac.cfg.BatchSize {
		ac.train(ac.buffer)
		ac.buffer = ac.buffer[:0]
	}
}

// Pending reports buffered transitions not yet trained on.
func (ac *ActorCritic) Pending() int { return len(ac.buffer) }

func (ac *ActorCritic) train(batch []Transition) {
	n := float64(len(batch))
	criticGrad := make([]float64, width)
	actorGrad := make([][]float64, len(ac.actor))
	for a := range actorGrad {
		actorGrad[a] = make([]float64, width)
	}

	for _, t := range batch {
		x := inputs(t.State)
		next := 0.0
		if !t.Done {
			next = ac.Value(t.Next)
		}
		adv := t.Reward + ac.cfg.Discount*next - dot(ac.critic, x)
		adv = math.Max(-advantageClip, math.Min(advantageClip, adv))

		p := ac.Policy(t.State)
		for i := range x {
			criticGrad[i] += adv * x[i]
		}
		for a := range ac.actor {
			ind := 0.0
			if Action(a) == t.Action {
				ind = 1
			}
			for i := range x {
				actorGrad[a][i] += (ind - p[a]) * adv * x[i]
			}
		}
	}

	lr := ac.cfg.LearningRate
	for i := range ac.critic {
		ac.critic[i] += lr * criticGrad[i] / n
	}
	for a := range ac.actor {
		for i := range ac.actor[a] {
			ac.actor[a][i] += lr * actorGrad[a][i] / n
		}
	}
}

type acSnapshot struct {
	Version int         `json:"version"`
	Kind    string      `json:"kind"`
	Config  Config      `json:"config"`
	Epsilon float64     `json:"epsilon"`
	Actor   [][]float64 `json:"actor"`
	Critic  []float64   `json:"critic"`
}

func (ac *ActorCritic) Snapshot() ([]byte, error) {
	return json.Marshal(acSnapshot{
		Version: snapshotVersion,
		Kind:    KindActorCritic,
		Config:  ac.cfg,
		Epsilon: ac.epsilon,
		Actor:   ac.actor,
		Critic:  ac.critic,
	})
}

func (ac *ActorCritic) Restore(data []byte) error {
	var s acSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode actor-critic snapshot: %w", err)
	}
	if s.Kind != KindActorCritic || s.Version > snapshotVersion {
		return fmt.Errorf("%w: kind %q version %d", ErrSnapshotMismatch, s.Kind, s.Version)
	}
	if len(s.Actor) != ac.cfg.Actions || len(s.Critic) != width {
		return fmt.Errorf("%w: shape %dx? critic %d", ErrSnapshotMismatch, len(s.Actor), len(s.Critic))
	}
	for a, w := range s.Actor {
		if len(w) != width {
			return fmt.Errorf("%w: actor row %d has width %d", ErrSnapshotMismatch, a, len(w))
		}
	}
	ac.actor = s.Actor
	ac.critic = s.Critic
	ac.buffer = nil
	ac.epsilon = clamp(s.Epsilon, ac.cfg.EpsilonMin, ac.cfg.Epsilon)
	return nil
}
