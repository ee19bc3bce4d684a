// Package learning provides the default Policy and Supervisor: an
// epsilon-greedy bandit over generation strategies and a failure-pattern
// miner.
package learning

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/pkg/simloop/v1/collab"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"
)

// BanditConfig tunes the epsilon-greedy policy.
type BanditConfig struct {
	// Epsilon is the probability of exploring a uniformly random strategy.
	Epsilon float64
	// LearningRate weights a single reward in UpdateWeights.
	LearningRate float64
	// BatchLearningRate weights each experience in BatchUpdate.
	BatchLearningRate float64
	// ContextBonus is added to a strategy whose cue matches the prompt
	// features during exploitation.
	ContextBonus float64
	// Seed fixes the exploration source. Zero uses the current time.
	Seed int64
}

// DefaultBanditConfig returns the stock settings.
func DefaultBanditConfig() BanditConfig {
	return BanditConfig{
		Epsilon:           0.1,
		LearningRate:      0.1,
		BatchLearningRate: 0.02,
		ContextBonus:      0.05,
	}
}

// BanditPolicy keeps one running reward estimate per strategy.
type BanditPolicy struct {
	mu      sync.Mutex
	cfg     BanditConfig
	weights map[trial.Strategy]float64
	rng     *rand.Rand
	log     simlog.Logger
}

var _ collab.Policy = (*BanditPolicy)(nil)

// NewBanditPolicy returns a policy with every built-in strategy at weight 0.
func NewBanditPolicy(cfg BanditConfig, log simlog.Logger) *BanditPolicy {
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		cfg.Epsilon = DefaultBanditConfig().Epsilon
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = DefaultBanditConfig().LearningRate
	}
	if cfg.BatchLearningRate <= 0 || cfg.BatchLearningRate > 1 {
		cfg.BatchLearningRate = DefaultBanditConfig().BatchLearningRate
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &BanditPolicy{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
		log: log,
	}
	p.weights = initialWeights()
	return p
}

func initialWeights() map[trial.Strategy]float64 {
	w := make(map[trial.Strategy]float64, len(trial.AllStrategies()))
	for _, s := range trial.AllStrategies() {
		w[s] = 0
	}
	return w
}

// SelectStrategy explores with probability Epsilon, otherwise picks the
// strategy with the highest weight plus context bonus. Ties resolve in
// AllStrategies order.
func (p *BanditPolicy) SelectStrategy(state trial.LearningState) trial.Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.orderedLocked()
	if p.rng.Float64() < p.cfg.Epsilon {
		return candidates[p.rng.Intn(len(candidates))]
	}

	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, s := range candidates {
		score := p.weights[s] + p.contextBonus(s, state.Features)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

// orderedLocked lists the built-in strategies followed by any imported ones.
func (p *BanditPolicy) orderedLocked() []trial.Strategy {
	out := trial.AllStrategies()
	known := make(map[trial.Strategy]bool, len(out))
	for _, s := range out {
		known[s] = true
	}
	var extra []trial.Strategy
	for s := range p.weights {
		if !known[s] {
			extra = append(extra, s)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func (p *BanditPolicy) contextBonus(s trial.Strategy, f trial.PromptFeatures) float64 {
	switch {
	case s == trial.StrategyRetrievalAugmented && f.RequiresRetrieval,
		s == trial.StrategyDecompose && f.HasMultiStep,
		s == trial.StrategyChainOfThought && (f.HasConditional || f.Complexity > 0.6),
		s == trial.StrategyDirect && f.Complexity < 0.3 && f.IntentClarity > 0.7:
		return p.cfg.ContextBonus
	}
	return 0
}

// UpdateWeights moves the strategy's estimate toward reward.
func (p *BanditPolicy) UpdateWeights(strategy trial.Strategy, reward float64, success bool) {
	if strategy == "" || math.IsNaN(reward) || math.IsInf(reward, 0) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.weights[strategy]
	p.weights[strategy] = w + p.cfg.LearningRate*(reward-w)
	p.log.Debugf("Policy update strategy=%s reward=%.3f success=%t weight=%.3f->%.3f",
		strategy, reward, success, w, p.weights[strategy])
}

// BatchUpdate replays a window of experiences with the smaller batch rate.
func (p *BanditPolicy) BatchUpdate(batch []trial.Experience) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range batch {
		if e.Strategy == "" || math.IsNaN(e.Reward) || math.IsInf(e.Reward, 0) {
			continue
		}
		w := p.weights[e.Strategy]
		p.weights[e.Strategy] = w + p.cfg.BatchLearningRate*(e.Reward-w)
	}
}

// GetWeights returns a copy of the current estimates.
func (p *BanditPolicy) GetWeights() map[trial.Strategy]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[trial.Strategy]float64, len(p.weights))
	for k, v := range p.weights {
		out[k] = v
	}
	return out
}

// Import overwrites the estimates for the strategies named in weights.
// Strategies absent from weights keep their current value.
func (p *BanditPolicy) Import(weights map[trial.Strategy]float64) error {
	for s, w := range weights {
		if s == "" {
			return fmt.Errorf("policy import: empty strategy name")
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("policy import: weight for %s is not finite", s)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for s, w := range weights {
		p.weights[s] = w
	}
	return nil
}

// Reset returns every estimate to zero and drops imported strategies.
func (p *BanditPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights = initialWeights()
}
