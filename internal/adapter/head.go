package adapter

import "github.com/kilnml/kiln/internal/optim"

// ValueHead is a linear projection from a hidden state to a scalar.  The
// critic trains one; the reward model's is loaded frozen.  Both are owned by
// the Switcher and selected by role rather than copied in and out of the
// critic, so a switch can never corrupt either weight set.
//
// The bias is kept as a one-element array so the optimizer can hold a flat
// slice view over it like any other parameter.
type ValueHead struct {
	Name   string
	Weight []float32 // [Hidden]

	bias     [1]float32
	gradBias [1]float32

	GradWeight []float32

	frozen bool
}

// NewValueHead allocates a trainable head of the given hidden size.
func NewValueHead(name string, hidden int) *ValueHead {
	return &ValueHead{
		Name:       name,
		Weight:     make([]float32, hidden),
		GradWeight: make([]float32, hidden),
	}
}

// NewFrozenValueHead wraps pretrained head weights that must never change,
// such as the reward model head.
func NewFrozenValueHead(name string, weight []float32, bias float32) *ValueHead {
	v := &ValueHead{
		Name:   name,
		Weight: append([]float32(nil), weight...),
		frozen: true,
	}
	v.bias[0] = bias
	return v
}

// Frozen reports whether the head accepts gradients.
func (v *ValueHead) Frozen() bool { return v.frozen }

// Bias returns the scalar bias.
func (v *ValueHead) Bias() float32 { return v.bias[0] }

// SetBias assigns the scalar bias, used when loading pretrained weights.
func (v *ValueHead) SetBias(b float32) { v.bias[0] = b }

// Value projects one hidden state to a scalar.
func (v *ValueHead) Value(h []float32) float32 {
	sum := v.bias[0]
	for i, w := range v.Weight {
		sum += w * h[i]
	}
	return sum
}

// Accumulate adds the gradient of one position: dL/dvalue times the hidden
// state it was computed from.  Panics if the head is frozen; frozen heads
// must never appear on a gradient path.
func (v *ValueHead) Accumulate(h []float32, dValue float32) {
	if v.frozen {
		panic("gradient accumulated into frozen value head " + v.Name)
	}
	for i, hv := range h {
		v.GradWeight[i] += dValue * hv
	}
	v.gradBias[0] += dValue
}

// Params exposes the trainable tensors to the optimizer.  Frozen heads have
// no parameters to train.
func (v *ValueHead) Params() []optim.Param {
	if v.frozen {
		return nil
	}
	return []optim.Param{
		{Name: v.Name + ".summary.weight", Data: v.Weight, Grad: v.GradWeight},
		{Name: v.Name + ".summary.bias", Data: v.bias[:], Grad: v.gradBias[:]},
	}
}
