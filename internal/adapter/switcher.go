package adapter

import (
	"errors"
	"fmt"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

var (
	// ErrNilBackbone is returned when the switcher is built without a base model.
	ErrNilBackbone = errors.New("adapter: nil backbone")
	// ErrMissingHead is returned when a critic or reward head is absent.
	ErrMissingHead = errors.New("adapter: missing value head")
)

// Switcher emulates four logical models over one shared backbone.  Two
// independent axes select the active role: which adapter delta applies to
// the hidden states (policy, critic, or none for the frozen roles) and
// which value head projects them to scalars (trainable critic head or the
// frozen reward head).  Switching costs O(adapter) bookkeeping; backbone
// weights are never touched or copied.
//
// Switcher is not safe for concurrent use.  Forward passes on one device
// must be serialized by the caller.
type Switcher struct {
	base model.Backbone
	proj tensor.Mat // frozen output projection [Hidden x Vocab]
	bias []float32  // frozen [Vocab]

	policy *Adapter
	critic *Adapter // nil when the critic shares the policy adapter

	criticHead *ValueHead
	rewardHead *ValueHead

	active Role
}

// Output is the result of one forward pass under a role.
type Output struct {
	// Logits holds one [T x Vocab] matrix per example.
	Logits []tensor.Mat
	// Values is [B x T], one scalar per position from the role's head.
	Values tensor.Mat
	// Backward accumulates gradients into the role's adapter and head given
	// upstream gradients.  Either argument may be nil.  It is nil for the
	// frozen reference and reward roles.
	Backward func(dLogits []tensor.Mat, dValues *tensor.Mat)
}

// View is the capability handed to the function passed to WithRole.  It is
// only valid inside that call.
type View struct {
	s    *Switcher
	role Role
}

// NewSwitcher validates shapes and assembles the role switcher.  critic may
// be nil, in which case the critic role reuses the policy adapter (the
// shared-backbone single-adapter mode).
func NewSwitcher(base model.Backbone, proj tensor.Mat, bias []float32, policy, critic *Adapter, criticHead, rewardHead *ValueHead) (*Switcher, error) {
	if base == nil {
		return nil, ErrNilBackbone
	}
	h, v := base.HiddenSize(), base.VocabSize()
	if proj.R != h || proj.C != v {
		return nil, fmt.Errorf("adapter: projection is %dx%d, want %dx%d", proj.R, proj.C, h, v)
	}
	if len(bias) != v {
		return nil, fmt.Errorf("adapter: bias length %d, want %d", len(bias), v)
	}
	if policy == nil {
		return nil, errors.New("adapter: nil policy adapter")
	}
	if criticHead == nil || rewardHead == nil {
		return nil, ErrMissingHead
	}
	if criticHead.Frozen() {
		return nil, errors.New("adapter: critic head must be trainable")
	}
	if !rewardHead.Frozen() {
		return nil, errors.New("adapter: reward head must be frozen")
	}
	for _, vh := range []*ValueHead{criticHead, rewardHead} {
		if len(vh.Weight) != h {
			return nil, fmt.Errorf("adapter: head %s has %d weights, want %d", vh.Name, len(vh.Weight), h)
		}
	}
	return &Switcher{
		base:       base,
		proj:       proj,
		bias:       bias,
		policy:     policy,
		critic:     critic,
		criticHead: criticHead,
		rewardHead: rewardHead,
		active:     RolePolicy,
	}, nil
}

// PolicyAdapter returns the trainable policy adapter.
func (s *Switcher) PolicyAdapter() *Adapter { return s.policy }

// CriticAdapter returns the adapter the critic role runs under.  This is the
// policy adapter when no separate critic adapter is configured.
func (s *Switcher) CriticAdapter() *Adapter {
	if s.critic != nil {
		return s.critic
	}
	return s.policy
}

// MultiAdapter reports whether the critic carries its own adapter.
func (s *Switcher) MultiAdapter() bool { return s.critic != nil }

// CriticHead returns the trainable value head.
func (s *Switcher) CriticHead() *ValueHead { return s.criticHead }

// HiddenSize returns the backbone hidden size.
func (s *Switcher) HiddenSize() int { return s.base.HiddenSize() }

// VocabSize returns the backbone vocabulary size.
func (s *Switcher) VocabSize() int { return s.base.VocabSize() }

// WithRole runs fn with the requested role attached.  The previous role is
// restored on every exit path, including a panic inside fn, so a forward
// pass under a temporarily swapped role can never leak its adapter or head
// selection into later calls.
func (s *Switcher) WithRole(role Role, fn func(View) error) error {
	prev := s.active
	s.active = role
	defer func() { s.active = prev }()
	return fn(View{s: s, role: role})
}

// Active returns the currently attached role.
func (s *Switcher) Active() Role { return s.active }

func (s *Switcher) adapterFor(role Role) *Adapter {
	switch role {
	case RolePolicy:
		return s.policy
	case RoleCritic:
		return s.CriticAdapter()
	default:
		// Reference and reward run with the adapter disabled: the bare
		// backbone is the frozen SFT model.
		return nil
	}
}

func (s *Switcher) headFor(role Role) *ValueHead {
	if role == RoleReward {
		return s.rewardHead
	}
	return s.criticHead
}

// Forward runs the batch through the backbone under the view's role and
// returns per-position logits and values.  For trainable roles the Output
// carries a Backward closure over this pass's activations.
func (v View) Forward(batch model.Batch) (Output, error) {
	s, role := v.s, v.role
	if s.active != role {
		return Output{}, fmt.Errorf("adapter: view for role %s used while %s is attached", role, s.active)
	}
	b := batch.Len()
	if b == 0 {
		return Output{}, errors.New("adapter: empty batch")
	}
	seqLen := batch.SeqLen()

	ad := s.adapterFor(role)
	head := s.headFor(role)

	out := Output{
		Logits: make([]tensor.Mat, b),
		Values: tensor.NewMat(b, seqLen),
	}

	// Per-example activations retained for the backward pass.
	var (
		hiddens  []tensor.Mat
		adapteds []tensor.Mat
		projs    []tensor.Mat
	)
	trainable := role.Trainable()
	if trainable {
		hiddens = make([]tensor.Mat, b)
		adapteds = make([]tensor.Mat, b)
		projs = make([]tensor.Mat, b)
	}

	for i := 0; i < b; i++ {
		ids := batch.IDs[i]
		if len(ids) != seqLen {
			return Output{}, fmt.Errorf("adapter: example %d has length %d, batch is padded to %d", i, len(ids), seqLen)
		}
		h := s.base.Hidden(ids)

		adapted := h
		var u tensor.Mat
		if ad != nil {
			adapted, u = ad.Apply(&h)
		}

		logits := tensor.NewMat(seqLen, s.base.VocabSize())
		tensor.MatMul(&logits, &adapted, &s.proj)
		for t := 0; t < seqLen; t++ {
			row := logits.Row(t)
			for j, bv := range s.bias {
				row[j] += bv
			}
			out.Values.Set(i, t, head.Value(adapted.Row(t)))
		}
		out.Logits[i] = logits

		if trainable {
			hiddens[i] = h
			adapteds[i] = adapted
			projs[i] = u
		}
	}

	if trainable {
		out.Backward = func(dLogits []tensor.Mat, dValues *tensor.Mat) {
			s.backward(ad, head, batch, hiddens, adapteds, projs, dLogits, dValues)
		}
	}
	return out, nil
}

// backward accumulates parameter gradients for one trainable forward pass.
// The backbone is frozen, so gradient flow stops at the adapter delta and
// the value head.
func (s *Switcher) backward(ad *Adapter, head *ValueHead, batch model.Batch, hiddens, adapteds, projs []tensor.Mat, dLogits []tensor.Mat, dValues *tensor.Mat) {
	hs := s.base.HiddenSize()
	for i := range batch.IDs {
		seqLen := len(batch.IDs[i])
		// dAdapted = dLogits * proj^T + dValue ⊗ headWeight
		dAdapted := tensor.NewMat(seqLen, hs)
		if dLogits != nil {
			dl := dLogits[i]
			for t := 0; t < seqLen; t++ {
				dr, out := dl.Row(t), dAdapted.Row(t)
				for j := 0; j < hs; j++ {
					pr := s.proj.Row(j)
					var sum float32
					for k, dv := range dr {
						sum += dv * pr[k]
					}
					out[j] = sum
				}
			}
		}
		if dValues != nil {
			for t := 0; t < seqLen; t++ {
				dv := dValues.At(i, t)
				if dv == 0 {
					continue
				}
				head.Accumulate(adapteds[i].Row(t), dv)
				out := dAdapted.Row(t)
				for j, w := range head.Weight {
					out[j] += dv * w
				}
			}
		}
		if ad != nil {
			ad.Accumulate(&hiddens[i], &projs[i], &dAdapted)
		}
	}
}
