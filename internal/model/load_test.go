package model

import (
	"path/filepath"
	"testing"

	"github.com/kilnml/kiln/internal/tensor"
)

func TestSaveLoadTinyLMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sft.safetensors")

	base := NewTinyLM(10, 4, 1)
	proj := tensor.NewMat(4, 10)
	tensor.FillRand(&proj, 2)
	bias := make([]float32, 10)
	bias[3] = 0.5

	if err := SaveTinyLM(path, base, &proj, bias); err != nil {
		t.Fatalf("SaveTinyLM: %v", err)
	}
	loaded, loadedProj, loadedBias, err := LoadTinyLM(path)
	if err != nil {
		t.Fatalf("LoadTinyLM: %v", err)
	}

	if loaded.Vocab != 10 || loaded.Dim != 4 {
		t.Fatalf("loaded %dx%d", loaded.Vocab, loaded.Dim)
	}
	for i, v := range base.Emb.Data {
		if loaded.Emb.Data[i] != v {
			t.Fatalf("embedding element %d differs", i)
		}
	}
	for i, v := range proj.Data {
		if loadedProj.Data[i] != v {
			t.Fatalf("projection element %d differs", i)
		}
	}
	if loadedBias[3] != 0.5 {
		t.Fatalf("bias %v", loadedBias[3])
	}

	// The loaded backbone must reproduce the original hidden states.
	ids := []int{1, 5, 3}
	a, b := base.Hidden(ids), loaded.Hidden(ids)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("loaded backbone diverges from the saved one")
		}
	}
}

func TestLoadTinyLMRejectsMismatchedHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.safetensors")

	base := NewTinyLM(10, 4, 1)
	wrongProj := tensor.NewMat(4, 8) // vocab mismatch
	if err := SaveTinyLM(path, base, &wrongProj, make([]float32, 8)); err != nil {
		t.Fatalf("SaveTinyLM: %v", err)
	}
	if _, _, _, err := LoadTinyLM(path); err == nil {
		t.Fatal("mismatched head accepted")
	}
}
