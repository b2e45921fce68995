package controller

import (
	"math/rand"

	"github.com/Rajchodisetti/agent-trader/internal/agent"
	"github.com/Rajchodisetti/agent-trader/internal/features"
)

// progressWindow is the sample count compared for the improvement figure.
const progressWindow = 100

// LearningStats accumulates across episodes and is persisted with the agent.
type LearningStats struct {
	Episodes        int          `json:"episodes"`
	RewardSamples   int          `json:"reward_samples"`
	RecentRewards   []float64    `json:"recent_rewards"`
	FirstRewards    []float64    `json:"first_rewards"` // the first progressWindow samples, never evicted
	LearningCycles  int          `json:"learning_cycles"`
	ExplorationRate float64      `json:"exploration_rate"`
	LastPerformance *Performance `json:"last_performance,omitempty"`

	capacity int
}

func newLearningStats(capacity int) *LearningStats {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LearningStats{capacity: capacity}
}

func (s *LearningStats) addReward(r float64) {
	s.RewardSamples++
	if s.RewardSamples <= progressWindow {
		s.FirstRewards = append(s.FirstRewards, r)
	}
	s.RecentRewards = append(s.RecentRewards, r)
	if over := len(s.RecentRewards) - s.capacity; over > 0 {
		s.RecentRewards = append([]float64(nil), s.RecentRewards[over:]...)
	}
}

// Progress summarizes the reward window.
type Progress struct {
	AverageReward float64 `json:"average_reward"`
	Improvement   float64 `json:"improvement"`
	Samples       int     `json:"samples"`
}

// restoreBaseline rebuilds FirstRewards for records saved without it, which is only
// possible while the window has never evicted a sample.
func (s *LearningStats) restoreBaseline() {
	if len(s.FirstRewards) > 0 || s.RewardSamples != len(s.RecentRewards) {
		return
	}
	n := min(progressWindow, len(s.RecentRewards))
	s.FirstRewards = append([]float64(nil), s.RecentRewards[:n]...)
}

// Progress compares the newest progressWindow rewards with the first ever recorded;
// improvement is 0 until twice that many samples have been seen.
func (s *LearningStats) Progress() Progress {
	n := len(s.RecentRewards)
	p := Progress{Samples: n}
	if n == 0 {
		return p
	}
	tail := s.RecentRewards
	if n > progressWindow {
		tail = s.RecentRewards[n-progressWindow:]
	}
	p.AverageReward = features.Mean(tail)
	if s.RewardSamples >= 2*progressWindow && len(s.FirstRewards) == progressWindow {
		p.Improvement = p.AverageReward - features.Mean(s.FirstRewards)
	}
	return p
}

func (s *LearningStats) clone() LearningStats {
	out := *s
	out.RecentRewards = append([]float64(nil), s.RecentRewards...)
	out.FirstRewards = append([]float64(nil), s.FirstRewards...)
	if s.LastPerformance != nil {
		p := *s.LastPerformance
		out.LastPerformance = &p
	}
	return out
}

// replayBuffer is a bounded FIFO of recent transitions for online learning.
type replayBuffer struct {
	buf  []agent.Transition
	next int
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &replayBuffer{buf: make([]agent.Transition, capacity)}
}

func (b *replayBuffer) add(t agent.Transition) {
	b.buf[b.next] = t
	b.next = (b.next + 1) % len(b.buf)
	if b.next == 0 {
		b.full = true
	}
}

func (b *replayBuffer) len() int {
	if b.full {
		return len(b.buf)
	}
	return b.next
}

func (b *replayBuffer) sample(rng *rand.Rand) agent.Transition {
	return b.buf[rng.Intn(b.len())]
}

func (b *replayBuffer) reset() {
	b.next, b.full = 0, false
}
