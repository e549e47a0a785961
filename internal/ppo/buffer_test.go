package ppo

import (
	"testing"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/tensor"
)

func bufferExperience(t *testing.T, examples, seqLen int) *Experience {
	t.Helper()
	ids := make([][]int, examples)
	for i := range ids {
		ids[i] = make([]int, seqLen)
		for t2 := range ids[i] {
			ids[i][t2] = i*seqLen + t2 + 1
		}
	}
	exp := &Experience{
		Batch:         model.Batch{IDs: ids, Mask: onesMask(examples, seqLen)},
		Mask:          onesMask(examples, seqLen-1),
		ActorLogProbs: tensor.NewMat(examples, seqLen-1),
		Values:        tensor.NewMat(examples, seqLen-1),
		Advantages:    tensor.NewMat(examples, seqLen-1),
		Returns:       tensor.NewMat(examples, seqLen-1),
	}
	for i := 0; i < examples; i++ {
		exp.Advantages.Set(i, 0, float32(i))
	}
	return exp
}

func TestBufferFillsAtDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MiniDataBufferNums = 3
	cfg.PerDeviceMiniTrainBatchSize = 2
	b := NewReplayBuffer(cfg)

	for i := 0; i < 3; i++ {
		if b.IsFull() {
			t.Fatalf("full after %d of 3 records", i)
		}
		b.Push(bufferExperience(t, 4, 5), nil)
	}
	if !b.IsFull() {
		t.Fatal("not full at depth")
	}
}

func TestDrainSplitsAndDropsPartialTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MiniDataBufferNums = 1
	cfg.PerDeviceMiniTrainBatchSize = 2
	b := NewReplayBuffer(cfg)

	// 5 examples with minibatch size 2: two minibatches, one example dropped.
	b.Push(bufferExperience(t, 5, 4), nil)
	batches := b.Drain()
	if len(batches) != 2 {
		t.Fatalf("got %d minibatches, want 2", len(batches))
	}
	for _, mb := range batches {
		if mb.Hi-mb.Lo != 2 {
			t.Fatalf("minibatch spans [%d, %d), want width 2", mb.Lo, mb.Hi)
		}
	}
	if b.Len() != 0 {
		t.Fatalf("buffer holds %d records after drain", b.Len())
	}
}

func TestDrainCoversEveryFullMinibatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MiniDataBufferNums = 2
	cfg.PerDeviceMiniTrainBatchSize = 2
	b := NewReplayBuffer(cfg)

	b.Push(bufferExperience(t, 4, 3), nil)
	b.Push(bufferExperience(t, 4, 6), nil)
	batches := b.Drain()
	if len(batches) != 4 {
		t.Fatalf("got %d minibatches, want 4", len(batches))
	}

	// Each minibatch views its parent record; widths differ per record, so
	// count coverage by (record, offset) identity.
	seen := map[*Experience]map[int]bool{}
	for _, mb := range batches {
		if seen[mb.Exp] == nil {
			seen[mb.Exp] = map[int]bool{}
		}
		if seen[mb.Exp][mb.Lo] {
			t.Fatalf("offset %d of one record emitted twice", mb.Lo)
		}
		seen[mb.Exp][mb.Lo] = true
	}
	for exp, offsets := range seen {
		if len(offsets) != 2 {
			t.Fatalf("record %p emitted %d minibatches, want 2", exp, len(offsets))
		}
	}
}

func TestMiniBatchViewsShareStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MiniDataBufferNums = 1
	cfg.PerDeviceMiniTrainBatchSize = 2
	b := NewReplayBuffer(cfg)

	exp := bufferExperience(t, 4, 4)
	b.Push(exp, nil)
	batches := b.Drain()

	mb := batches[0]
	adv := mb.Advantages()
	adv.Set(0, 1, 42)
	if exp.Advantages.At(mb.Lo, 1) != 42 {
		t.Fatal("minibatch advantage view copied instead of aliasing")
	}
}
