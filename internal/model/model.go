// Package model defines the frozen base model contract the training roles
// share.  The backbone produces hidden states only; output projections and
// value heads live with the adapter switcher so one backbone can serve
// several logical models.
package model

import "github.com/kilnml/kiln/internal/tensor"

// Batch is a dense padded batch of token sequences.  IDs is [B][T] with a
// common T; Mask is [B x T] with 1 for real tokens and 0 for padding.
type Batch struct {
	IDs  [][]int
	Mask tensor.Mat
}

// Len returns the number of examples in the batch.
func (b *Batch) Len() int { return len(b.IDs) }

// SeqLen returns the common padded sequence length, 0 for an empty batch.
func (b *Batch) SeqLen() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// Backbone produces hidden states for one token sequence.  Implementations
// are frozen: no gradient ever flows into the backbone, which is what lets
// four logical roles share one copy of its weights.
type Backbone interface {
	// Hidden returns a [len(ids) x HiddenSize] matrix of hidden states.
	Hidden(ids []int) tensor.Mat
	HiddenSize() int
	VocabSize() int
}
