// Package dataset feeds tokenized data into the training loop.  Files hold
// pre-tokenized sequences as JSON arrays of token-id arrays; tokenization
// itself happens upstream, in the pipeline that produced the SFT model.
package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"

	json "github.com/goccy/go-json"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/ppo"
	"github.com/kilnml/kiln/internal/tensor"
)

// Prompts is an epoch-oriented prompt source.  Prompts are left-padded to a
// common length per batch, the convention generation expects.  Partial
// trailing batches are dropped so every process sees full batches.
type Prompts struct {
	batches [][][]int
	i       int
}

// LoadPrompts reads a prompt file and shards it round-robin across
// data-parallel processes.
func LoadPrompts(path string, batchSize, padID, rank, worldSize int) (*Prompts, error) {
	seqs, err := readTokenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	var shard [][]int
	for i, s := range seqs {
		if i%worldSize == rank {
			shard = append(shard, s)
		}
	}
	p := &Prompts{batches: batchPrompts(shard, batchSize, padID)}
	if len(p.batches) == 0 {
		return nil, fmt.Errorf("load prompts: %s holds fewer than %d usable prompts", path, batchSize)
	}
	return p, nil
}

// SyntheticPrompts builds a deterministic in-memory prompt set, used by the
// demo path and tests where no corpus is mounted.
func SyntheticPrompts(numBatches, batchSize, minLen, maxLen, vocab, padID int, seed int64) *Prompts {
	rng := rand.New(rand.NewSource(seed))
	seqs := make([][]int, numBatches*batchSize)
	for i := range seqs {
		n := minLen + rng.Intn(maxLen-minLen+1)
		seq := make([]int, n)
		for j := range seq {
			// Draw from the vocabulary minus the pad id, so synthetic
			// prompts never alias padding.
			v := rng.Intn(vocab - 1)
			if v >= padID {
				v++
			}
			seq[j] = v
		}
		seqs[i] = seq
	}
	return &Prompts{batches: batchPrompts(seqs, batchSize, padID)}
}

// Next returns the next prompt batch, io.EOF at the end of the epoch.
func (p *Prompts) Next(ctx context.Context) ([][]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.i >= len(p.batches) {
		return nil, io.EOF
	}
	b := p.batches[p.i]
	p.i++
	return b, nil
}

// Reset rewinds to the start of the epoch.
func (p *Prompts) Reset() { p.i = 0 }

// Len reports batches per epoch.
func (p *Prompts) Len() int { return len(p.batches) }

// Aux cycles supervised batches for the auxiliary loss.  Sequences are
// right-padded with an attention mask, the layout a forward pass consumes
// directly.
type Aux struct {
	batches []*ppo.AuxBatch
	i       int
}

// LoadAux reads an auxiliary corpus file.
func LoadAux(path string, batchSize, padID int) (*Aux, error) {
	seqs, err := readTokenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load auxiliary data: %w", err)
	}
	a := &Aux{}
	for lo := 0; lo+batchSize <= len(seqs); lo += batchSize {
		a.batches = append(a.batches, packAux(seqs[lo:lo+batchSize], padID))
	}
	if len(a.batches) == 0 {
		return nil, fmt.Errorf("load auxiliary data: %s holds fewer than %d sequences", path, batchSize)
	}
	return a, nil
}

// Next returns the next auxiliary batch, wrapping around forever.
func (a *Aux) Next(ctx context.Context) (*ppo.AuxBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := a.batches[a.i%len(a.batches)]
	a.i++
	return b, nil
}

func readTokenFile(path string) ([][]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seqs [][]int
	if err := json.Unmarshal(data, &seqs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := seqs[:0]
	for _, s := range seqs {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func batchPrompts(seqs [][]int, batchSize, padID int) [][][]int {
	var batches [][][]int
	for lo := 0; lo+batchSize <= len(seqs); lo += batchSize {
		group := seqs[lo : lo+batchSize]
		width := 0
		for _, s := range group {
			width = max(width, len(s))
		}
		batch := make([][]int, len(group))
		for i, s := range group {
			padded := make([]int, width)
			for j := range padded[:width-len(s)] {
				padded[j] = padID
			}
			copy(padded[width-len(s):], s)
			batch[i] = padded
		}
		batches = append(batches, batch)
	}
	return batches
}

func packAux(seqs [][]int, padID int) *ppo.AuxBatch {
	width := 0
	for _, s := range seqs {
		width = max(width, len(s))
	}
	ids := make([][]int, len(seqs))
	mask := tensor.NewMat(len(seqs), width)
	for i, s := range seqs {
		padded := make([]int, width)
		copy(padded, s)
		for j := len(s); j < width; j++ {
			padded[j] = padID
		}
		ids[i] = padded
		for j := range s {
			mask.Set(i, j, 1)
		}
	}
	return &ppo.AuxBatch{Batch: model.Batch{IDs: ids, Mask: mask}}
}
