package ppo

import (
	"context"
	"fmt"
	"math"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/dist"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/rollout"
	"github.com/kilnml/kiln/internal/tensor"
)

// Experience is one fully-annotated rollout batch, frozen at collection
// time.  All [B x T-1] tensors are aligned to next-token positions: column t
// scores the transition from position t to token t+1.
type Experience struct {
	Prompts   [][]int
	Responses [][]int

	// Batch is the packed prompt+response batch with its attention mask.
	Batch model.Batch
	// RespMask marks response positions in the unshifted [B x T] layout.
	RespMask tensor.Mat
	// Mask is RespMask shifted one position left, [B x T-1].  Every
	// token-level tensor below is valid exactly where Mask is one.
	Mask tensor.Mat

	ActorLogProbs tensor.Mat
	RefLogProbs   tensor.Mat
	// KLPenalty is the per-token penalty term alone; Rewards adds the
	// terminal score on top of it.
	KLPenalty  tensor.Mat
	Rewards    tensor.Mat
	Values     tensor.Mat
	Advantages tensor.Mat
	Returns    tensor.Mat

	// RewardScore holds the clipped terminal score per example.
	RewardScore []float32
	// ActorCE and RefCE are per-example masked cross-entropies over the
	// response, kept for perplexity reporting.
	ActorCE []float32
	RefCE   []float32

	// KLMean is the masked mean of the raw actor-reference log-prob gap,
	// recorded before the penalty transform.
	KLMean float32
}

// Collector runs the four-role forward sweep that turns raw prompts into
// Experience: generate under the policy, repack, score under the frozen
// reward and reference roles, estimate values under the critic, then shape
// rewards and advantages.  No parameters change during collection.
type Collector struct {
	cfg  Config
	sw   *adapter.Switcher
	gen  rollout.Generator
	comm dist.Communicator
	seq  *SequenceProcessor
	log  logger.Logger
}

// NewCollector wires a collector over an assembled role switcher.
func NewCollector(cfg Config, sw *adapter.Switcher, gen rollout.Generator, comm dist.Communicator, log logger.Logger) *Collector {
	return &Collector{
		cfg:  cfg,
		sw:   sw,
		gen:  gen,
		comm: comm,
		seq:  &SequenceProcessor{PadID: cfg.PadID},
		log:  log,
	}
}

// Collect produces one Experience batch from the given padded prompts.
func (c *Collector) Collect(ctx context.Context, prompts [][]int) (*Experience, error) {
	responses, err := c.gen.Generate(ctx, prompts)
	if err != nil {
		return nil, fmt.Errorf("generate responses: %w", err)
	}

	packed, err := c.seq.Pack(prompts, responses)
	if err != nil {
		return nil, err
	}

	// Every process pads to the global maximum so the collective forward
	// passes see one shape.
	width, err := c.comm.AllReduceMaxInt(ctx, packed.Batch.SeqLen())
	if err != nil {
		return nil, fmt.Errorf("agree on sequence length: %w", err)
	}
	batch, err := c.seq.PadTo(packed.Batch, width)
	if err != nil {
		return nil, err
	}

	respMask := c.seq.ResponsesMask(batch, packed.Prompts)
	mask := shiftMaskLeft(&respMask)
	if degenerate(&mask) {
		return nil, ErrDegenerateSequence
	}

	var policyOut, refOut, rewardOut adapter.Output
	if err := c.sw.WithRole(adapter.RolePolicy, func(v adapter.View) error {
		policyOut, err = v.Forward(batch)
		return err
	}); err != nil {
		return nil, fmt.Errorf("policy forward: %w", err)
	}
	criticValues := policyOut.Values
	if c.sw.MultiAdapter() {
		if err := c.sw.WithRole(adapter.RoleCritic, func(v adapter.View) error {
			out, ferr := v.Forward(batch)
			criticValues = out.Values
			return ferr
		}); err != nil {
			return nil, fmt.Errorf("critic forward: %w", err)
		}
	}
	if err := c.sw.WithRole(adapter.RoleReference, func(v adapter.View) error {
		refOut, err = v.Forward(batch)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reference forward: %w", err)
	}
	if err := c.sw.WithRole(adapter.RoleReward, func(v adapter.View) error {
		rewardOut, err = v.Forward(batch)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reward forward: %w", err)
	}

	exp := &Experience{
		Prompts:   packed.Prompts,
		Responses: packed.Responses,
		Batch:     batch,
		RespMask:  respMask,
		Mask:      mask,
	}

	exp.ActorLogProbs = nextTokenLogProbs(policyOut.Logits, batch.IDs)
	exp.RefLogProbs = nextTokenLogProbs(refOut.Logits, batch.IDs)
	exp.ActorCE = crossEntropy(&exp.ActorLogProbs, &mask)
	exp.RefCE = crossEntropy(&exp.RefLogProbs, &mask)

	exp.RewardScore = c.rewardScores(&rewardOut.Values, &respMask)
	exp.Rewards, exp.KLPenalty, exp.KLMean = c.shapeRewards(&exp.ActorLogProbs, &exp.RefLogProbs, &mask, exp.RewardScore)

	exp.Values = maskedNextToken(&criticValues, &mask)
	exp.Advantages, exp.Returns = GAE(&exp.Rewards, &exp.Values, &mask, c.cfg.Gamma, c.cfg.Lam)
	if c.cfg.UseAdvantageNorm {
		tensor.MaskedWhiten(&exp.Advantages, &mask, true)
		maskInPlace(&exp.Advantages, &mask)
	}

	c.log.Debug("collected experience",
		"examples", batch.Len(),
		"seq_len", batch.SeqLen(),
		"kl_mean", exp.KLMean,
	)
	return exp, nil
}

// rewardScores reads the frozen reward head's value at the last response
// position of each example and applies the optional symmetric clip.
func (c *Collector) rewardScores(values, respMask *tensor.Mat) []float32 {
	scores := make([]float32, values.R)
	for i := 0; i < values.R; i++ {
		last := lastNonzero(respMask.Row(i))
		if last < 0 {
			continue
		}
		s := values.At(i, last)
		if clip := c.cfg.RewardScoreClip; clip != nil {
			s = tensor.Clamp(s, -*clip, *clip)
		}
		scores[i] = s
	}
	return scores
}

// shapeRewards builds the dense token-level reward: a KL penalty against the
// reference at every response position, plus the terminal score at the last
// one.
func (c *Collector) shapeRewards(actorLP, refLP, mask *tensor.Mat, scores []float32) (tensor.Mat, tensor.Mat, float32) {
	rewards := tensor.NewMat(actorLP.R, actorLP.C)
	penalty := tensor.NewMat(actorLP.R, actorLP.C)
	var klSum, n float64
	for i := 0; i < actorLP.R; i++ {
		ar, rr, mr := actorLP.Row(i), refLP.Row(i), mask.Row(i)
		pr, out := penalty.Row(i), rewards.Row(i)
		for t := range out {
			if mr[t] == 0 {
				continue
			}
			kl := ar[t] - rr[t]
			klSum += float64(kl)
			n++
			pr[t] = -c.cfg.KLPenaltyBeta * penalize(kl, c.cfg.KLPenaltyMethod)
			out[t] = pr[t]
		}
		if last := lastNonzero(mr); last >= 0 {
			out[last] += scores[i]
		}
	}
	return rewards, penalty, float32(klSum / (n + 1e-8))
}

func penalize(kl float32, method string) float32 {
	switch method {
	case KLAbs:
		return float32(math.Abs(float64(kl)))
	case KLMSE:
		return 0.5 * kl * kl
	default:
		return kl
	}
}

// Stats reports the collection-time diagnostics keyed for the metrics
// recorder, every distribution as a mean/var pair.
func (e *Experience) Stats() map[string]float64 {
	scoreMean, scoreVar := meanVar(e.RewardScore)
	actorCEMean, _ := meanVar(e.ActorCE)
	refCEMean, _ := meanVar(e.RefCE)

	promptLens := make([]float32, len(e.Prompts))
	respLens := make([]float32, len(e.Responses))
	for i := range e.Prompts {
		promptLens[i] = float32(len(e.Prompts[i]))
		respLens[i] = float32(len(e.Responses[i]))
	}
	promptMean, promptVar := meanVar(promptLens)
	respMean, respVar := meanVar(respLens)

	return map[string]float64{
		"exp_data/reward_score_mean":            scoreMean,
		"exp_data/reward_score_var":             scoreVar,
		"exp_data/kl":                           float64(e.KLMean),
		"exp_data/kl_penalty_mean":              float64(tensor.MaskedMean(&e.KLPenalty, &e.Mask)),
		"exp_data/kl_penalty_var":               float64(tensor.MaskedVar(&e.KLPenalty, &e.Mask)),
		"exp_data/rewards_with_kl_penalty_mean": float64(tensor.MaskedMean(&e.Rewards, &e.Mask)),
		"exp_data/rewards_with_kl_penalty_var":  float64(tensor.MaskedVar(&e.Rewards, &e.Mask)),
		"exp_data/actor_perplexity":             math.Exp(actorCEMean),
		"exp_data/ref_perplexity":               math.Exp(refCEMean),
		"actor/advantages_mean":                 float64(tensor.MaskedMean(&e.Advantages, &e.Mask)),
		"actor/advantages_var":                  float64(tensor.MaskedVar(&e.Advantages, &e.Mask)),
		"critic/returns_mean":                   float64(tensor.MaskedMean(&e.Returns, &e.Mask)),
		"critic/returns_var":                    float64(tensor.MaskedVar(&e.Returns, &e.Mask)),
		"critic/values_mean":                    float64(tensor.MaskedMean(&e.Values, &e.Mask)),
		"critic/values_var":                     float64(tensor.MaskedVar(&e.Values, &e.Mask)),
		"length/prompts_length_mean":            promptMean,
		"length/prompts_length_var":             promptVar,
		"length/responses_length_mean":          respMean,
		"length/responses_length_var":           respVar,
	}
}

// meanVar returns the mean and population variance of a scalar series.
func meanVar(xs []float32) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	n := float64(len(xs))
	for _, v := range xs {
		mean += float64(v)
	}
	mean /= n
	for _, v := range xs {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	return mean, variance
}

// nextTokenLogProbs aligns logits to the realized next tokens: row t of the
// result is the log-probability of ids[t+1] under the logits at position t.
func nextTokenLogProbs(logits []tensor.Mat, ids [][]int) tensor.Mat {
	b := len(logits)
	n := logits[0].R - 1
	out := tensor.NewMat(b, n)
	for i := range logits {
		head := logits[i].SliceRows(0, n)
		copy(out.Row(i), tensor.GatherLogProbs(&head, ids[i][1:]))
	}
	return out
}

// crossEntropy returns per-example masked mean negative log-likelihood.
func crossEntropy(logProbs, mask *tensor.Mat) []float32 {
	out := make([]float32, logProbs.R)
	for i := 0; i < logProbs.R; i++ {
		lr, mr := logProbs.Row(i), mask.Row(i)
		var sum, n float64
		for t := range lr {
			sum -= float64(lr[t] * mr[t])
			n += float64(mr[t])
		}
		out[i] = float32(sum / (n + 1e-8))
	}
	return out
}

// maskedNextToken drops the final column of a [B x T] tensor and masks the
// remainder.
func maskedNextToken(vals, mask *tensor.Mat) tensor.Mat {
	out := tensor.NewMat(vals.R, vals.C-1)
	for i := 0; i < vals.R; i++ {
		vr, mr, or := vals.Row(i), mask.Row(i), out.Row(i)
		for t := range or {
			or[t] = vr[t] * mr[t]
		}
	}
	return out
}

// shiftMaskLeft drops the first column: position t of the result marks
// whether token t+1 is a response token, the alignment every next-token
// tensor uses.
func shiftMaskLeft(mask *tensor.Mat) tensor.Mat {
	out := tensor.NewMat(mask.R, mask.C-1)
	for i := 0; i < mask.R; i++ {
		copy(out.Row(i), mask.Row(i)[1:])
	}
	return out
}

func maskInPlace(data, mask *tensor.Mat) {
	for i := 0; i < data.R; i++ {
		dr, mr := data.Row(i), mask.Row(i)
		for t := range dr {
			dr[t] *= mr[t]
		}
	}
}

func lastNonzero(row []float32) int {
	for t := len(row) - 1; t >= 0; t-- {
		if row[t] != 0 {
			return t
		}
	}
	return -1
}

func degenerate(mask *tensor.Mat) bool {
	for i := 0; i < mask.R; i++ {
		if lastNonzero(mask.Row(i)) < 0 {
			return true
		}
	}
	return false
}
