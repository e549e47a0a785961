package adapter

import (
	"github.com/kilnml/kiln/internal/optim"
	"github.com/kilnml/kiln/internal/tensor"
)

// Adapter is a named low-rank delta over the backbone hidden states:
//
//	h' = h + (alpha/rank) * (h * Down) * Up
//
// Down is [Hidden x Rank], Up is [Rank x Hidden].  The factorization itself
// is opaque to the rest of the engine; training code only sees the adapted
// hidden states and the parameter/gradient views.
type Adapter struct {
	Name  string
	Rank  int
	Alpha float32

	Down tensor.Mat
	Up   tensor.Mat

	GradDown tensor.Mat
	GradUp   tensor.Mat
}

// NewAdapter allocates an adapter for the given hidden size.  Down is seeded
// with small random values and Up starts at zero, so a fresh adapter is an
// exact no-op delta.
func NewAdapter(name string, hidden, rank int, alpha float32, seed int64) *Adapter {
	a := &Adapter{
		Name:     name,
		Rank:     rank,
		Alpha:    alpha,
		Down:     tensor.NewMat(hidden, rank),
		Up:       tensor.NewMat(rank, hidden),
		GradDown: tensor.NewMat(hidden, rank),
		GradUp:   tensor.NewMat(rank, hidden),
	}
	tensor.FillRand(&a.Down, seed)
	return a
}

// Scale returns the alpha/rank multiplier applied to the delta.
func (a *Adapter) Scale() float32 {
	return a.Alpha / float32(a.Rank)
}

// Apply computes the adapted hidden states h' for one example and returns
// them together with the intermediate projection u = h*Down needed by the
// backward pass.  h is left untouched.
func (a *Adapter) Apply(h *tensor.Mat) (adapted, u tensor.Mat) {
	u = tensor.NewMat(h.R, a.Rank)
	tensor.MatMul(&u, h, &a.Down)

	delta := tensor.NewMat(h.R, h.C)
	tensor.MatMul(&delta, &u, &a.Up)

	adapted = h.Clone()
	s := a.Scale()
	for i := range adapted.Data {
		adapted.Data[i] += s * delta.Data[i]
	}
	return adapted, u
}

// Accumulate adds the gradient contribution of one example given the
// upstream hidden-state gradient dH for the adapted output.
func (a *Adapter) Accumulate(h, u, dH *tensor.Mat) {
	s := a.Scale()

	// dUp += s * u^T * dH
	for t := 0; t < u.R; t++ {
		ur, dr := u.Row(t), dH.Row(t)
		for k, uv := range ur {
			if uv == 0 {
				continue
			}
			gr := a.GradUp.Row(k)
			for j, dv := range dr {
				gr[j] += s * uv * dv
			}
		}
	}

	// dDown += s * h^T * (dH * Up^T)
	proj := tensor.NewMat(dH.R, a.Rank) // dH * Up^T
	for t := 0; t < dH.R; t++ {
		dr, pr := dH.Row(t), proj.Row(t)
		for k := 0; k < a.Rank; k++ {
			upRow := a.Up.Row(k)
			var sum float32
			for j, dv := range dr {
				sum += dv * upRow[j]
			}
			pr[k] = sum
		}
	}
	for t := 0; t < h.R; t++ {
		hr, pr := h.Row(t), proj.Row(t)
		for i, hv := range hr {
			if hv == 0 {
				continue
			}
			gr := a.GradDown.Row(i)
			for k, pv := range pr {
				gr[k] += s * hv * pv
			}
		}
	}
}

// Params exposes the trainable tensors to the optimizer.
func (a *Adapter) Params() []optim.Param {
	return []optim.Param{
		{Name: a.Name + ".lora_down", Data: a.Down.Data, Grad: a.GradDown.Data},
		{Name: a.Name + ".lora_up", Data: a.Up.Data, Grad: a.GradUp.Data},
	}
}

// Snapshot returns a deep copy of the adapter weights, used to verify
// switch round-trips and to serialize checkpoints.
func (a *Adapter) Snapshot() (down, up tensor.Mat) {
	return a.Down.Clone(), a.Up.Clone()
}
