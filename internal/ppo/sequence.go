package ppo

import (
	"fmt"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

// SequenceProcessor strips padding from generated (prompt, response) pairs
// and repacks them into dense right-padded batches:
//
//	[pad pad prompt] + [response pad] -> [prompt response pad]
//
// Example order is preserved.  An all-padding response is a degenerate
// sequence and fails the whole batch; clamping it to length one would plant
// a terminal reward on a token the policy never produced, so the processor
// raises instead.
type SequenceProcessor struct {
	PadID int
}

// Packed is the result of repacking one rollout batch.
type Packed struct {
	// Prompts hold each prompt with its left padding removed.
	Prompts [][]int
	// Responses hold each response with trailing padding removed.
	Responses [][]int
	// Batch is the packed prompt+response batch, right-padded to a common
	// length, with its attention mask (token != pad).
	Batch model.Batch
}

// Pack processes one batch of padded prompts and padded responses.
func (p *SequenceProcessor) Pack(prompts, responses [][]int) (Packed, error) {
	if len(prompts) != len(responses) {
		return Packed{}, &ShapeError{
			Op:   "pack sequences",
			Want: fmt.Sprintf("%d responses", len(prompts)),
			Got:  fmt.Sprintf("%d responses", len(responses)),
		}
	}

	out := Packed{
		Prompts:   make([][]int, len(prompts)),
		Responses: make([][]int, len(prompts)),
	}
	maxLen := 0
	for i := range prompts {
		prompt := stripLeft(prompts[i], p.PadID)
		response := stripRight(responses[i], p.PadID)
		if len(response) == 0 {
			return Packed{}, fmt.Errorf("example %d: %w", i, ErrDegenerateSequence)
		}
		out.Prompts[i] = prompt
		out.Responses[i] = response
		maxLen = max(maxLen, len(prompt)+len(response))
	}

	ids := make([][]int, len(prompts))
	mask := tensor.NewMat(len(prompts), maxLen)
	for i := range prompts {
		seq := make([]int, 0, maxLen)
		seq = append(seq, out.Prompts[i]...)
		seq = append(seq, out.Responses[i]...)
		for len(seq) < maxLen {
			seq = append(seq, p.PadID)
		}
		ids[i] = seq
		for t, id := range seq {
			if id != p.PadID {
				mask.Set(i, t, 1)
			}
		}
	}
	out.Batch = model.Batch{IDs: ids, Mask: mask}
	return out, nil
}

// ResponsesMask builds the response mask for a packed batch: zero over the
// prompt segment, equal to the attention mask over the response segment.
func (p *SequenceProcessor) ResponsesMask(batch model.Batch, prompts [][]int) tensor.Mat {
	mask := tensor.NewMat(batch.Len(), batch.SeqLen())
	for i := 0; i < batch.Len(); i++ {
		from := len(prompts[i])
		for t := from; t < batch.SeqLen(); t++ {
			mask.Set(i, t, batch.Mask.At(i, t))
		}
	}
	return mask
}

// PadTo right-pads the batch to the target length with the pad token.  Used
// to agree on a common shape across data-parallel processes before a
// collective forward pass.  Shrinking is a shape error.
func (p *SequenceProcessor) PadTo(batch model.Batch, length int) (model.Batch, error) {
	cur := batch.SeqLen()
	if length < cur {
		return model.Batch{}, &ShapeError{
			Op:   "pad across processes",
			Want: fmt.Sprintf("length >= %d", cur),
			Got:  fmt.Sprintf("length %d", length),
		}
	}
	if length == cur {
		return batch, nil
	}
	ids := make([][]int, batch.Len())
	mask := tensor.NewMat(batch.Len(), length)
	for i := range ids {
		seq := append([]int(nil), batch.IDs[i]...)
		for len(seq) < length {
			seq = append(seq, p.PadID)
		}
		ids[i] = seq
		copy(mask.Row(i), batch.Mask.Row(i))
	}
	return model.Batch{IDs: ids, Mask: mask}, nil
}

func stripLeft(seq []int, padID int) []int {
	i := 0
	for i < len(seq) && seq[i] == padID {
		i++
	}
	return append([]int(nil), seq[i:]...)
}

func stripRight(seq []int, padID int) []int {
	// Count real tokens; trailing pads are everything after them.  A pad id
	// appearing before the tail would be truncated the same way, matching
	// the generation convention that padding only follows the response.
	n := 0
	for _, id := range seq {
		if id != padID {
			n++
		}
	}
	return append([]int(nil), seq[:n]...)
}
