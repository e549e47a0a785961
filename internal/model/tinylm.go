package model

import (
	"math"

	"github.com/kilnml/kiln/internal/tensor"
)

// TinyLM is a minimal causal backbone used for tests and CPU smoke runs.
// Each hidden state is the RMS-normalized sum of the current token embedding
// and a decayed carry of the previous hidden state, so positions do depend
// on their prefix but the whole forward stays a handful of vector ops.
type TinyLM struct {
	Vocab int
	Dim   int

	Emb   tensor.Mat // [Vocab x Dim] embedding matrix
	Decay float32    // carry weight for the previous hidden state
}

// NewTinyLM constructs a backbone with the given vocabulary and hidden size.
// Embeddings are filled deterministically from the seed.
func NewTinyLM(vocab, hidden int, seed int64) *TinyLM {
	m := &TinyLM{
		Vocab: vocab,
		Dim:   hidden,
		Emb:   tensor.NewMat(vocab, hidden),
		Decay: 0.5,
	}
	tensor.FillRand(&m.Emb, seed+11)
	return m
}

func (m *TinyLM) HiddenSize() int { return m.Dim }
func (m *TinyLM) VocabSize() int  { return m.Vocab }

// Hidden computes the hidden state sequence for one example.  Token ids
// outside [0, Vocab) are reduced modulo Vocab.
func (m *TinyLM) Hidden(ids []int) tensor.Mat {
	h := tensor.NewMat(len(ids), m.Dim)
	prev := make([]float32, m.Dim)
	for t, id := range ids {
		if id < 0 || id >= m.Vocab {
			id = ((id % m.Vocab) + m.Vocab) % m.Vocab
		}
		row := h.Row(t)
		emb := m.Emb.Row(id)
		for i := range row {
			row[i] = emb[i] + m.Decay*prev[i]
		}
		rmsNorm(row)
		copy(prev, row)
	}
	return h
}

// rmsNorm scales x to unit root-mean-square in place.  The epsilon only
// guards the all-zero vector; it must stay far below the mean square of the
// small random embeddings or the normalized rows come out short of unit rms.
func rmsNorm(x []float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1.0 / math.Sqrt(ss/float64(len(x))+1e-12))
	for i := range x {
		x[i] *= inv
	}
}
