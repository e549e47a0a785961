package ppo

import (
	"math"

	"github.com/kilnml/kiln/internal/tensor"
)

const lossEps = 1e-8

// maskedDenom is the shared normalizer for every masked mean in one
// minibatch's losses and gradients.
func maskedDenom(mask *tensor.Mat) float32 {
	var n float64
	for i := 0; i < mask.R; i++ {
		for _, m := range mask.Row(i) {
			n += float64(m)
		}
	}
	return float32(n + lossEps)
}

// ActorLoss computes the clipped surrogate objective over one minibatch,
// its gradient with respect to the new log-probs, and the raw probability
// ratios for reporting.  The pessimistic max over the clipped and unclipped
// branches means the gradient vanishes exactly where the clipped branch wins
// strictly, which is what bounds the policy step.
func ActorLoss(newLP, oldLP, adv, mask *tensor.Mat, ratioClip float32) (loss float32, ratio, dNewLP tensor.Mat) {
	d := maskedDenom(mask)
	ratio = tensor.NewMat(newLP.R, newLP.C)
	dNewLP = tensor.NewMat(newLP.R, newLP.C)

	var sum float64
	for i := 0; i < newLP.R; i++ {
		nr, or, ar, mr := newLP.Row(i), oldLP.Row(i), adv.Row(i), mask.Row(i)
		rr, gr := ratio.Row(i), dNewLP.Row(i)
		for t := range nr {
			if mr[t] == 0 {
				continue
			}
			r := float32(math.Exp(float64(nr[t] - or[t])))
			rr[t] = r
			clipped := tensor.Clamp(r, 1-ratioClip, 1+ratioClip)
			l1 := -ar[t] * r
			l2 := -ar[t] * clipped
			if l1 >= l2 {
				sum += float64(mr[t] * l1)
				gr[t] = mr[t] / d * (-ar[t] * r)
			} else {
				sum += float64(mr[t] * l2)
			}
		}
	}
	return float32(sum) / d, ratio, dNewLP
}

// CriticLoss computes the clipped value loss, its gradient with respect to
// the predicted values, and the per-position squared error for reporting.
// Clipping is per element: each value moves at most valueClip from its
// collection-time prediction before the loss stops rewarding further
// movement.
func CriticLoss(values, oldValues, returns, mask *tensor.Mat, valueClip float32) (loss float32, sqErr, dValues tensor.Mat) {
	d := maskedDenom(mask)
	sqErr = tensor.NewMat(values.R, values.C)
	dValues = tensor.NewMat(values.R, values.C)

	var sum float64
	for i := 0; i < values.R; i++ {
		vr, ovr, rr, mr := values.Row(i), oldValues.Row(i), returns.Row(i), mask.Row(i)
		er, gr := sqErr.Row(i), dValues.Row(i)
		for t := range vr {
			if mr[t] == 0 {
				continue
			}
			clipped := ovr[t] + tensor.Clamp(vr[t]-ovr[t], -valueClip, valueClip)
			e1 := vr[t] - rr[t]
			e2 := clipped - rr[t]
			er[t] = e1 * e1
			l1, l2 := e1*e1, e2*e2
			if l1 >= l2 {
				sum += float64(mr[t] * l1)
				gr[t] = mr[t] / d * e1
			} else {
				sum += float64(mr[t] * l2)
			}
		}
	}
	return 0.5 * float32(sum) / d, sqErr, dValues
}

// EntropyBonus computes the masked mean entropy of the policy distribution
// and, when beta is nonzero, accumulates the gradient of -beta*entropy into
// dLogits.  The per-logit derivative of the row entropy is -p*(logp + H).
func EntropyBonus(logits []tensor.Mat, mask *tensor.Mat, beta float32, dLogits []tensor.Mat) float32 {
	d := maskedDenom(mask)
	var sum float64
	buf := make([]float32, logits[0].C)
	for i := range logits {
		mr := mask.Row(i)
		for t := range mr {
			if mr[t] == 0 {
				continue
			}
			row := logits[i].Row(t)
			tensor.LogSoftmax(buf, row)
			var h float64
			for _, lp := range buf {
				h -= math.Exp(float64(lp)) * float64(lp)
			}
			sum += float64(mr[t]) * h

			if beta != 0 && dLogits != nil {
				gr := dLogits[i].Row(t)
				scale := beta * mr[t] / d
				for j, lp := range buf {
					p := float32(math.Exp(float64(lp)))
					gr[j] += scale * p * (lp + float32(h))
				}
			}
		}
	}
	return float32(sum) / d
}

// AuxLoss computes the supervised next-token cross-entropy on the auxiliary
// batch and, when dLogits is non-nil, accumulates its gradient with respect
// to the policy logits.  Both are scaled by weight.  A position counts when
// the token it predicts is unpadded.
func AuxLoss(logits []tensor.Mat, ids [][]int, mask *tensor.Mat, weight float32, dLogits []tensor.Mat) float32 {
	var d float64
	for i := 0; i < mask.R; i++ {
		for _, m := range mask.Row(i)[1:] {
			d += float64(m)
		}
	}
	denom := float32(d + lossEps)

	var sum float64
	buf := make([]float32, logits[0].C)
	for i := range logits {
		mr := mask.Row(i)
		n := logits[i].R - 1
		for t := 0; t < n; t++ {
			m := mr[t+1]
			if m == 0 {
				continue
			}
			tensor.LogSoftmax(buf, logits[i].Row(t))
			label := ids[i][t+1]
			sum -= float64(m * buf[label])

			if dLogits != nil {
				gr := dLogits[i].Row(t)
				scale := weight * m / denom
				for j, lp := range buf {
					p := float32(math.Exp(float64(lp)))
					if j == label {
						gr[j] += scale * (p - 1)
					} else {
						gr[j] += scale * p
					}
				}
			}
		}
	}
	return weight * float32(sum) / denom
}

// LogProbGrad scatters the gradient with respect to gathered log-probs back
// to logits: d logp(label)/d z = onehot(label) - softmax(z).  The result is
// accumulated into dLogits, which must already be allocated at full logits
// shape.
func LogProbGrad(dNewLP *tensor.Mat, logits []tensor.Mat, ids [][]int, dLogits []tensor.Mat) {
	buf := make([]float32, logits[0].C)
	for i := range logits {
		gr := dNewLP.Row(i)
		for t := range gr {
			g := gr[t]
			if g == 0 {
				continue
			}
			tensor.Softmax(buf, logits[i].Row(t))
			out := dLogits[i].Row(t)
			for j, p := range buf {
				out[j] -= g * p
			}
			out[ids[i][t+1]] += g
		}
	}
}
