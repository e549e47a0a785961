package rollout

import "testing"

func TestGreedySamplerArgmax(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	got := s.Sample([]float32{0.1, 5, -2, 4.9})
	if got != 1 {
		t.Fatalf("greedy sample = %d, want 1", got)
	}
}

func TestSamplerStaysInTopK(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 1, TopK: 2})
	logits := []float32{10, 9, -50, -50, -50}
	for i := 0; i < 100; i++ {
		got := s.Sample(logits)
		if got != 0 && got != 1 {
			t.Fatalf("sample %d outside top-2", got)
		}
	}
}

func TestSamplerDeterministicPerSeed(t *testing.T) {
	logits := []float32{1, 2, 3, 2.5}
	a := NewSampler(SamplerConfig{Seed: 7, Temperature: 0.8, TopK: 4})
	b := NewSampler(SamplerConfig{Seed: 7, Temperature: 0.8, TopK: 4})
	for i := 0; i < 50; i++ {
		if a.Sample(logits) != b.Sample(logits) {
			t.Fatalf("sequence diverged at draw %d", i)
		}
	}
}

func TestSamplerDoesNotMutateLogits(t *testing.T) {
	logits := []float32{1, 2, 3}
	orig := append([]float32(nil), logits...)
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 0.5, TopK: 3, TopP: 0.9})
	s.Sample(logits)
	for i := range logits {
		if logits[i] != orig[i] {
			t.Fatalf("logits mutated at %d", i)
		}
	}
}
