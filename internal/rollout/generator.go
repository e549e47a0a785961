// Package rollout produces policy responses for prompt batches.  The
// decoding procedure is a collaborator to the PPO core: the collector only
// relies on the Generator contract and its hard token budget.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

// Generator produces one response per prompt.  Prompts arrive left-padded
// with the pad token; responses are returned right-padded to the batch
// maximum.  Every response length lies in [MinNewTokens, MaxNewTokens] —
// the budget is a hard cap, not a hint.
type Generator interface {
	Generate(ctx context.Context, prompts [][]int) ([][]int, error)
}

// GenConfig bounds and shapes generation.
type GenConfig struct {
	MinNewTokens int
	MaxNewTokens int
	PadID        int
	EOSID        int
	Sampler      SamplerConfig
}

// PolicyGenerator decodes with the policy role of a shared-backbone
// switcher, one token at a time with a full-prefix forward.  It is the
// default Generator wiring; anything satisfying the interface can replace
// it.
type PolicyGenerator struct {
	switcher *adapter.Switcher
	sampler  *Sampler
	cfg      GenConfig
}

// NewPolicyGenerator validates the token budget and builds the generator.
func NewPolicyGenerator(s *adapter.Switcher, cfg GenConfig) (*PolicyGenerator, error) {
	if cfg.MaxNewTokens <= 0 {
		return nil, errors.New("rollout: max new tokens must be positive")
	}
	if cfg.MinNewTokens < 0 || cfg.MinNewTokens > cfg.MaxNewTokens {
		return nil, fmt.Errorf("rollout: min new tokens %d outside [0, %d]", cfg.MinNewTokens, cfg.MaxNewTokens)
	}
	return &PolicyGenerator{
		switcher: s,
		sampler:  NewSampler(cfg.Sampler),
		cfg:      cfg,
	}, nil
}

// Generate decodes a response for every prompt in the batch.
func (g *PolicyGenerator) Generate(ctx context.Context, prompts [][]int) ([][]int, error) {
	responses := make([][]int, len(prompts))
	for i, prompt := range prompts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := g.generateOne(ctx, stripLeftPad(prompt, g.cfg.PadID))
		if err != nil {
			return nil, fmt.Errorf("rollout: prompt %d: %w", i, err)
		}
		responses[i] = resp
	}

	// Right-pad to the batch maximum so the batch keeps a rectangular shape.
	maxLen := 0
	for _, r := range responses {
		maxLen = max(maxLen, len(r))
	}
	for i, r := range responses {
		for len(r) < maxLen {
			r = append(r, g.cfg.PadID)
		}
		responses[i] = r
	}
	return responses, nil
}

func (g *PolicyGenerator) generateOne(ctx context.Context, prompt []int) ([]int, error) {
	if len(prompt) == 0 {
		return nil, errors.New("empty prompt")
	}
	seq := append([]int(nil), prompt...)
	var resp []int

	for len(resp) < g.cfg.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := g.lastLogits(seq)
		if err != nil {
			return nil, err
		}
		// The EOS token is suppressed until the minimum response length is
		// reached, mirroring a min-new-tokens logits processor.
		if len(resp) < g.cfg.MinNewTokens && g.cfg.EOSID >= 0 && g.cfg.EOSID < len(logits) {
			logits[g.cfg.EOSID] = float32(math.Inf(-1))
		}
		next := g.sampler.Sample(logits)
		if next == g.cfg.EOSID && len(resp) >= g.cfg.MinNewTokens {
			break
		}
		resp = append(resp, next)
		seq = append(seq, next)
	}
	return resp, nil
}

// lastLogits runs a policy forward over the prefix and returns a copy of
// the final position's logits.
func (g *PolicyGenerator) lastLogits(seq []int) ([]float32, error) {
	mask := tensor.NewMat(1, len(seq))
	for j := range mask.Data {
		mask.Data[j] = 1
	}
	batch := model.Batch{IDs: [][]int{seq}, Mask: mask}

	var logits []float32
	err := g.switcher.WithRole(adapter.RolePolicy, func(v adapter.View) error {
		out, err := v.Forward(batch)
		if err != nil {
			return err
		}
		last := out.Logits[0].Row(len(seq) - 1)
		logits = append([]float32(nil), last...)
		return nil
	})
	return logits, err
}

func stripLeftPad(prompt []int, padID int) []int {
	i := 0
	for i < len(prompt) && prompt[i] == padID {
		i++
	}
	return prompt[i:]
}
