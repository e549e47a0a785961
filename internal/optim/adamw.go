package optim

import "math"

// AdamW is a decoupled weight decay Adam.  Betas follow the upstream
// fine-tuning recipe (0.9, 0.95).
type AdamW struct {
	groups []*Group
	beta1  float64
	beta2  float64
	eps    float64

	step int
	m    [][]float32
	v    [][]float32
}

// NewAdamW builds the optimizer over the given parameter groups.  Moment
// buffers are allocated up front so Step never allocates.
func NewAdamW(groups []*Group) *AdamW {
	o := &AdamW{
		groups: groups,
		beta1:  0.9,
		beta2:  0.95,
		eps:    1e-8,
	}
	for _, g := range groups {
		for _, p := range g.Params {
			o.m = append(o.m, make([]float32, len(p.Data)))
			o.v = append(o.v, make([]float32, len(p.Data)))
		}
	}
	return o
}

func (o *AdamW) Groups() []*Group { return o.groups }

// Step applies one AdamW update to every parameter from its accumulated
// gradient.  Gradients are left in place; call ZeroGrad afterwards.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	idx := 0
	for _, g := range o.groups {
		lr := g.LR
		wd := g.WeightDecay
		for _, p := range g.Params {
			m, v := o.m[idx], o.v[idx]
			idx++
			for i, grad := range p.Grad {
				gf := float64(grad)
				mf := o.beta1*float64(m[i]) + (1-o.beta1)*gf
				vf := o.beta2*float64(v[i]) + (1-o.beta2)*gf*gf
				m[i] = float32(mf)
				v[i] = float32(vf)

				update := (mf / bc1) / (math.Sqrt(vf/bc2) + o.eps)
				p.Data[i] -= float32(lr * (update + wd*float64(p.Data[i])))
			}
		}
	}
}

// ZeroGrad clears every gradient accumulator.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}
