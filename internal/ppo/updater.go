package ppo

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/kilnml/kiln/internal/adapter"
	"github.com/kilnml/kiln/internal/logger"
	"github.com/kilnml/kiln/internal/optim"
	"github.com/kilnml/kiln/internal/tensor"
)

// Updater owns the optimization phase: it replays drained minibatches for a
// fixed number of inner epochs, accumulates analytic gradients through the
// role switcher, and steps one optimizer holding separate actor and critic
// parameter groups.
type Updater struct {
	cfg   Config
	sw    *adapter.Switcher
	opt   optim.Optimizer
	sched optim.Scheduler
	log   logger.Logger
	rng   *rand.Rand

	// extraWeight drifts upward after its warmup, so the auxiliary anchor
	// tightens as the policy wanders further from the SFT distribution.
	extraWeight      float32
	extraWarmupSteps int

	micro int
}

// NewUpdater wires the optimizer over the switcher's trainable parameters.
// The actor group holds the policy adapter; the critic group holds the value
// head plus the critic adapter when one exists.  totalSteps counts outer
// update phases; the schedule horizon is converted to optimizer steps, since
// every drained buffer is replayed PPOEpochs times in minibatch slices.
func NewUpdater(cfg Config, sw *adapter.Switcher, log logger.Logger, totalSteps int) *Updater {
	actor := &optim.Group{
		Params:      sw.PolicyAdapter().Params(),
		LR:          cfg.ActorLR,
		WeightDecay: cfg.ActorWeightDecay,
	}
	critic := &optim.Group{
		Params:      sw.CriticHead().Params(),
		LR:          cfg.CriticLR,
		WeightDecay: cfg.CriticWeightDecay,
	}
	if sw.MultiAdapter() {
		critic.Params = append(critic.Params, sw.CriticAdapter().Params()...)
	}

	perDrain := cfg.MiniDataBufferNums * (cfg.PerDeviceTrainBatchSize / cfg.PerDeviceMiniTrainBatchSize)
	optimSteps := totalSteps * cfg.PPOEpochs * perDrain / cfg.GradAccumSteps
	if optimSteps < 1 {
		optimSteps = 1
	}

	opt := optim.NewAdamW([]*optim.Group{actor, critic})
	u := &Updater{
		cfg:         cfg,
		sw:          sw,
		opt:         opt,
		sched:       optim.NewLinearWarmup(opt.Groups(), cfg.WarmupSteps, optimSteps),
		log:         log,
		rng:         rand.New(rand.NewSource(cfg.Seed + 1)),
		extraWeight: cfg.ExtraLossWeight,
	}
	if r := cfg.ExtraWarmupStepsRatio; r != nil {
		u.extraWarmupSteps = int(float32(totalSteps) * *r)
	}
	return u
}

// Update runs the full optimization phase over one drained buffer and
// returns the mean training statistics across all processed minibatches.
func (u *Updater) Update(ctx context.Context, batches []MiniBatch, globalStep int) (map[string]float64, error) {
	auxWeight := u.nextExtraWeight(globalStep)

	sums := map[string]float64{}
	var processed, skipped float64

	for epoch := 0; epoch < u.cfg.PPOEpochs; epoch++ {
		if epoch > 0 {
			Reshuffle(u.rng, batches)
		}
		for _, mb := range batches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			stats, err := u.trainMiniBatch(mb, auxWeight)
			if err != nil {
				return nil, err
			}
			if stats == nil {
				skipped++
				continue
			}
			processed++
			for k, v := range stats {
				sums[k] += v
			}
		}
	}

	if processed == 0 {
		return nil, fmt.Errorf("update step %d: every minibatch skipped as non-finite", globalStep)
	}
	out := make(map[string]float64, len(sums)+3)
	for k, v := range sums {
		out[k] = v / processed
	}
	out["loss/extra_weight"] = float64(auxWeight)
	out["skipped_minibatches"] = skipped
	out["lr"] = u.sched.LR()
	return out, nil
}

// trainMiniBatch accumulates one micro-step of gradients.  A nil stats map
// with nil error means the minibatch was skipped for non-finite losses.
func (u *Updater) trainMiniBatch(mb MiniBatch, auxWeight float32) (map[string]float64, error) {
	batch := mb.Batch()
	mask := mb.Mask()

	var policyOut adapter.Output
	err := u.sw.WithRole(adapter.RolePolicy, func(v adapter.View) error {
		var ferr error
		policyOut, ferr = v.Forward(batch)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("policy forward: %w", err)
	}

	newLP := nextTokenLogProbs(policyOut.Logits, batch.IDs)
	if tensor.HasNaN(newLP.Data) {
		u.log.Warn("skipping minibatch: non-finite policy log-probs")
		u.dropAccumulated()
		return nil, nil
	}

	oldLP := mb.OldLogProbs()
	adv := mb.Advantages()
	actorLoss, ratio, dNewLP := ActorLoss(&newLP, &oldLP, &adv, &mask, u.cfg.RatioClip)

	// Critic values: shared mode reads them off the policy pass, multi mode
	// runs its own forward so the gradient lands on the critic adapter.
	criticValues := policyOut.Values
	var criticOut adapter.Output
	if u.sw.MultiAdapter() {
		err := u.sw.WithRole(adapter.RoleCritic, func(v adapter.View) error {
			var ferr error
			criticOut, ferr = v.Forward(batch)
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("critic forward: %w", err)
		}
		criticValues = criticOut.Values
	}
	values := maskedNextToken(&criticValues, &mask)
	oldValues := mb.OldValues()
	returns := mb.Returns()
	criticLoss, sqErr, dValues := CriticLoss(&values, &oldValues, &returns, &mask, u.cfg.ValueClip)

	if !finite(actorLoss) || !finite(criticLoss) {
		u.log.Warn("skipping minibatch: non-finite loss",
			"actor_loss", actorLoss, "critic_loss", criticLoss)
		u.dropAccumulated()
		return nil, nil
	}

	dLogits := make([]tensor.Mat, len(policyOut.Logits))
	for i := range dLogits {
		dLogits[i] = tensor.NewMat(policyOut.Logits[i].R, policyOut.Logits[i].C)
	}
	scaleMat(&dNewLP, u.cfg.ActorLossWeight)
	LogProbGrad(&dNewLP, policyOut.Logits, batch.IDs, dLogits)
	entropy := EntropyBonus(policyOut.Logits, &mask, u.cfg.EntropyBeta, dLogits)

	scaleMat(&dValues, u.cfg.CriticLossWeight)
	dValuesFull := expandNextToken(&dValues)

	if u.sw.MultiAdapter() {
		policyOut.Backward(dLogits, nil)
		criticOut.Backward(nil, &dValuesFull)
	} else {
		policyOut.Backward(dLogits, &dValuesFull)
	}

	var auxLoss float32
	if mb.Aux != nil && auxWeight > 0 {
		auxLoss, err = u.trainAux(mb.Aux, auxWeight)
		if err != nil {
			return nil, err
		}
	}

	stats := map[string]float64{
		"loss/actor":               float64(actorLoss),
		"loss/critic":              float64(criticLoss),
		"loss/entropy":             float64(entropy),
		"loss/extra":               float64(auxLoss),
		"actor/ratio_mean":         float64(tensor.MaskedMean(&ratio, &mask)),
		"actor/ratio_var":          float64(tensor.MaskedVar(&ratio, &mask)),
		"critic/values_error_mean": float64(tensor.MaskedMean(&sqErr, &mask)),
		"critic/values_error_var":  float64(tensor.MaskedVar(&sqErr, &mask)),
	}

	u.micro++
	if u.micro%u.cfg.GradAccumSteps == 0 {
		stats["grad_norm"] = u.applyStep()
	}
	return stats, nil
}

// trainAux runs the weighted supervised loss on the auxiliary batch under
// the policy role and accumulates its gradient.
func (u *Updater) trainAux(aux *AuxBatch, weight float32) (float32, error) {
	var out adapter.Output
	err := u.sw.WithRole(adapter.RolePolicy, func(v adapter.View) error {
		var ferr error
		out, ferr = v.Forward(aux.Batch)
		return ferr
	})
	if err != nil {
		return 0, fmt.Errorf("auxiliary forward: %w", err)
	}
	dLogits := make([]tensor.Mat, len(out.Logits))
	for i := range dLogits {
		dLogits[i] = tensor.NewMat(out.Logits[i].R, out.Logits[i].C)
	}
	loss := AuxLoss(out.Logits, aux.Batch.IDs, &aux.Batch.Mask, weight, dLogits)
	if !finite(loss) {
		u.log.Warn("dropping auxiliary gradient: non-finite loss", "loss", loss)
		return 0, nil
	}
	out.Backward(dLogits, nil)
	return loss, nil
}

// applyStep clips, steps the optimizer and the schedule, and clears the
// accumulators.  Returns the pre-clip gradient norm.
func (u *Updater) applyStep() float64 {
	var norm float64
	if u.cfg.MaxGradNorm != nil {
		norm = optim.ClipGradNorm(u.opt.Groups(), *u.cfg.MaxGradNorm)
	} else {
		norm = optim.GlobalNorm(u.opt.Groups())
	}
	u.opt.Step()
	u.sched.Step()
	u.opt.ZeroGrad()
	return norm
}

// Flush applies any gradient left in the accumulators at the end of an
// update phase, so a trailing partial accumulation window is not lost.
func (u *Updater) Flush() {
	if u.micro%u.cfg.GradAccumSteps != 0 {
		u.applyStep()
		u.micro = 0
	}
}

// dropAccumulated discards the partial accumulation window along with the
// skipped minibatch.
func (u *Updater) dropAccumulated() {
	u.opt.ZeroGrad()
	u.micro = 0
}

// nextExtraWeight returns the auxiliary loss weight for this step: a linear
// ramp over the warmup window, then the base weight compounding slowly
// upward.
func (u *Updater) nextExtraWeight(globalStep int) float32 {
	if u.cfg.ExtraLossWeight <= 0 {
		return 0
	}
	if u.extraWarmupSteps > 0 && globalStep < u.extraWarmupSteps {
		return u.cfg.ExtraLossWeight * float32(globalStep) / float32(u.extraWarmupSteps)
	}
	w := u.extraWeight
	u.extraWeight = float32(math.Pow(float64(u.extraWeight), 1.001))
	return w
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func scaleMat(m *tensor.Mat, s float32) {
	if s == 1 {
		return
	}
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] *= s
		}
	}
}

// expandNextToken widens a [B x T-1] gradient back to the [B x T] value
// layout the switcher's backward expects, zero at the final position.
func expandNextToken(m *tensor.Mat) tensor.Mat {
	out := tensor.NewMat(m.R, m.C+1)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}
