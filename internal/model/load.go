package model

import (
	"fmt"

	"github.com/kilnml/kiln/internal/safetensors"
	"github.com/kilnml/kiln/internal/tensor"
)

// Tensor names inside an SFT model artifact.
const (
	embedTensor  = "model.embed_tokens.weight"
	lmHeadTensor = "lm_head.weight"
	lmBiasTensor = "lm_head.bias"
)

// LoadTinyLM restores a frozen backbone plus its output projection from a
// safetensors artifact written by SaveTinyLM (or exported upstream with the
// same tensor names).  The bias tensor is optional; a missing one loads as
// zeros.
func LoadTinyLM(path string) (base *TinyLM, proj tensor.Mat, bias []float32, err error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, tensor.Mat{}, nil, err
	}

	emb, embInfo, err := f.ReadTensorF32(embedTensor)
	if err != nil {
		return nil, tensor.Mat{}, nil, err
	}
	if len(embInfo.Shape) != 2 {
		return nil, tensor.Mat{}, nil, fmt.Errorf("%s: embedding is rank %d, want 2", path, len(embInfo.Shape))
	}
	vocab, hidden := embInfo.Shape[0], embInfo.Shape[1]

	head, headInfo, err := f.ReadTensorF32(lmHeadTensor)
	if err != nil {
		return nil, tensor.Mat{}, nil, err
	}
	if len(headInfo.Shape) != 2 || headInfo.Shape[0] != hidden || headInfo.Shape[1] != vocab {
		return nil, tensor.Mat{}, nil, fmt.Errorf("%s: lm head shape %v does not match embedding %dx%d", path, headInfo.Shape, vocab, hidden)
	}

	bias = make([]float32, vocab)
	if _, ok := f.Tensor(lmBiasTensor); ok {
		b, bInfo, err := f.ReadTensorF32(lmBiasTensor)
		if err != nil {
			return nil, tensor.Mat{}, nil, err
		}
		if len(bInfo.Shape) != 1 || bInfo.Shape[0] != vocab {
			return nil, tensor.Mat{}, nil, fmt.Errorf("%s: lm head bias shape %v, want [%d]", path, bInfo.Shape, vocab)
		}
		copy(bias, b)
	}

	base = &TinyLM{
		Vocab: vocab,
		Dim:   hidden,
		Emb:   tensor.NewMatFromData(vocab, hidden, emb),
		Decay: 0.5,
	}
	return base, tensor.NewMatFromData(hidden, vocab, head), bias, nil
}

// SaveTinyLM writes a backbone and its output projection as an SFT model
// artifact.
func SaveTinyLM(path string, base *TinyLM, proj *tensor.Mat, bias []float32) error {
	w := safetensors.NewWriter()
	w.SetMetadata(map[string]string{"format": "pt"})
	if err := w.AddF32(embedTensor, []int{base.Vocab, base.Dim}, base.Emb.Data); err != nil {
		return err
	}
	if err := w.AddF32(lmHeadTensor, []int{proj.R, proj.C}, proj.Data); err != nil {
		return err
	}
	if err := w.AddF32(lmBiasTensor, []int{len(bias)}, bias); err != nil {
		return err
	}
	return w.Save(path)
}
