// Package optim holds the optimizer surface the trainer drives.  The trainer
// only sees the Optimizer and Scheduler interfaces; AdamW below is the default
// implementation wired by the CLI.
package optim

import "math"

// Param is a flat view over one trainable tensor and its gradient
// accumulator.  Data and Grad alias the owning module's storage.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

// Group is a set of parameters sharing a learning rate and weight decay.
// The actor and critic train under separate groups so each role can carry
// its own rate.
type Group struct {
	Params      []Param
	LR          float64
	WeightDecay float64
}

// Optimizer applies one update from the accumulated gradients.
type Optimizer interface {
	Step()
	ZeroGrad()
	Groups() []*Group
}

// Scheduler advances the learning rate once per optimizer step.
type Scheduler interface {
	Step()
	LR() float64
}

// GlobalNorm returns the L2 norm over every gradient in every group.
func GlobalNorm(groups []*Group) float64 {
	var sum float64
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad {
				sum += float64(v) * float64(v)
			}
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm.  Returns the pre-clip norm.
func ClipGradNorm(groups []*Group, maxNorm float64) float64 {
	norm := GlobalNorm(groups)
	if norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}
