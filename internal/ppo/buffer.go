package ppo

import (
	"math/rand"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

// AuxBatch is a batch of supervised language-modeling data mixed into the
// update as the auxiliary loss, guarding the policy against drifting off the
// pretraining distribution.
type AuxBatch struct {
	Batch model.Batch
}

// MiniBatch is one shuffled slice of an Experience record plus its optional
// auxiliary batch.  The accessors return row views into the parent tensors;
// nothing is copied.
type MiniBatch struct {
	Exp    *Experience
	Lo, Hi int
	Aux    *AuxBatch
}

// IDs returns the token ids of the slice.
func (m MiniBatch) IDs() [][]int { return m.Exp.Batch.IDs[m.Lo:m.Hi] }

// Batch returns the packed batch restricted to the slice.
func (m MiniBatch) Batch() model.Batch {
	return model.Batch{
		IDs:  m.Exp.Batch.IDs[m.Lo:m.Hi],
		Mask: m.Exp.Batch.Mask.SliceRows(m.Lo, m.Hi),
	}
}

func (m MiniBatch) Mask() tensor.Mat        { return m.Exp.Mask.SliceRows(m.Lo, m.Hi) }
func (m MiniBatch) OldLogProbs() tensor.Mat { return m.Exp.ActorLogProbs.SliceRows(m.Lo, m.Hi) }
func (m MiniBatch) OldValues() tensor.Mat   { return m.Exp.Values.SliceRows(m.Lo, m.Hi) }
func (m MiniBatch) Advantages() tensor.Mat  { return m.Exp.Advantages.SliceRows(m.Lo, m.Hi) }
func (m MiniBatch) Returns() tensor.Mat     { return m.Exp.Returns.SliceRows(m.Lo, m.Hi) }

// ReplayBuffer accumulates Experience records until it holds a configured
// number, then drains them as shuffled fixed-size minibatches.  Records with
// a partial tail smaller than the minibatch size drop the tail rather than
// emit a ragged minibatch.
type ReplayBuffer struct {
	depth    int
	miniSize int
	records  []*Experience
	aux      []*AuxBatch
	rng      *rand.Rand
}

// NewReplayBuffer sizes the buffer from the batching configuration.
func NewReplayBuffer(cfg Config) *ReplayBuffer {
	return &ReplayBuffer{
		depth:    cfg.MiniDataBufferNums,
		miniSize: cfg.PerDeviceMiniTrainBatchSize,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Push appends one collected record and its auxiliary batch (which may be
// nil).
func (b *ReplayBuffer) Push(exp *Experience, aux *AuxBatch) {
	b.records = append(b.records, exp)
	b.aux = append(b.aux, aux)
}

// IsFull reports whether enough records are buffered to start an update
// phase.
func (b *ReplayBuffer) IsFull() bool { return len(b.records) >= b.depth }

// Len returns the number of buffered records.
func (b *ReplayBuffer) Len() int { return len(b.records) }

// Drain flattens every buffered record into minibatches, shuffles them, and
// empties the buffer.  The returned slice owns views into the drained
// records, which stay alive until the update phase drops it.
func (b *ReplayBuffer) Drain() []MiniBatch {
	var out []MiniBatch
	for r, exp := range b.records {
		n := exp.Batch.Len()
		for lo := 0; lo+b.miniSize <= n; lo += b.miniSize {
			out = append(out, MiniBatch{Exp: exp, Lo: lo, Hi: lo + b.miniSize, Aux: b.aux[r]})
		}
	}
	b.records = b.records[:0]
	b.aux = b.aux[:0]
	Reshuffle(b.rng, out)
	return out
}

// Reshuffle reorders minibatches in place.  The update phase calls this
// between inner epochs so each pass visits the data in a fresh order.
func Reshuffle(rng *rand.Rand, batches []MiniBatch) {
	rng.Shuffle(len(batches), func(i, j int) {
		batches[i], batches[j] = batches[j], batches[i]
	})
}
