package rollout

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler draws token ids from logits vectors.  A zero or negative
// temperature selects greedy decoding.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. Greedy mode returns the argmax.
//  2. Otherwise logits are scaled by the inverse temperature and the top k
//     indices are shortlisted.
//  3. A softmax over the shortlist is computed with max subtraction for
//     numerical stability.
//  4. If TopP < 1 the shortlist is truncated once cumulative probability
//     reaches TopP, then a uniform draw selects from what remains.
//
// The logits slice is not modified.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	idx = idx[:k]

	invTemp := float64(1.0 / s.cfg.Temperature)
	maxv := float64(logits[idx[0]]) * invTemp
	probs := make([]float64, k)
	var sum float64
	for i, id := range idx {
		p := math.Exp(float64(logits[id])*invTemp - maxv)
		probs[i] = p
		sum += p
	}

	cut := k
	if s.cfg.TopP < 1 {
		var cum float64
		for i, p := range probs {
			cum += p / sum
			if cum >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
		var trimmed float64
		for _, p := range probs[:cut] {
			trimmed += p
		}
		sum = trimmed
	}

	r := s.rng.Float64() * sum
	var cum float64
	for i := 0; i < cut; i++ {
		cum += probs[i]
		if r < cum {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
