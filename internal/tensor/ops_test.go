package tensor

import (
	"math"
	"testing"
)

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestLogSoftmaxSumsToOne(t *testing.T) {
	src := []float32{1.5, -2, 0.25, 7, 7}
	dst := make([]float32, len(src))
	LogSoftmax(dst, src)

	var sum float64
	for _, lp := range dst {
		sum += math.Exp(float64(lp))
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("probabilities sum to %g, want 1", sum)
	}
}

func TestLogSoftmaxStableForLargeLogits(t *testing.T) {
	src := []float32{1000, 999, 998}
	dst := make([]float32, len(src))
	LogSoftmax(dst, src)
	if HasNaN(dst) {
		t.Fatalf("log-softmax overflowed: %v", dst)
	}
	if dst[0] < dst[1] || dst[1] < dst[2] {
		t.Fatalf("order not preserved: %v", dst)
	}
}

func TestGatherLogProbs(t *testing.T) {
	logits := NewMatFromData(2, 3, []float32{0, 0, 0, 1, 2, 3})
	got := GatherLogProbs(&logits, []int{1, 2})

	// Uniform row: log(1/3).  Second row: 3 - logsumexp(1,2,3).
	want0 := float32(math.Log(1.0 / 3.0))
	lse := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	want1 := float32(3 - lse)
	if maxAbsDiff(got, []float32{want0, want1}) > 1e-6 {
		t.Fatalf("got %v want [%g %g]", got, want0, want1)
	}
}

func TestRowEntropyUniformIsLogN(t *testing.T) {
	h := RowEntropy([]float32{2, 2, 2, 2})
	want := float32(math.Log(4))
	if math.Abs(float64(h-want)) > 1e-6 {
		t.Fatalf("entropy %g, want %g", h, want)
	}
}

func TestMaskedMeanIgnoresMaskedPositions(t *testing.T) {
	data := NewMatFromData(1, 4, []float32{1, 100, 3, 100})
	mask := NewMatFromData(1, 4, []float32{1, 0, 1, 0})
	got := MaskedMean(&data, &mask)
	if math.Abs(float64(got)-2) > 1e-6 {
		t.Fatalf("masked mean %g, want 2", got)
	}
}

func TestMaskedWhitenShiftMean(t *testing.T) {
	data := NewMatFromData(2, 3, []float32{4, -2, 999, 8, 6, 999})
	mask := NewMatFromData(2, 3, []float32{1, 1, 0, 1, 1, 0})

	MaskedWhiten(&data, &mask, true)

	mean := MaskedMean(&data, &mask)
	variance := MaskedVar(&data, &mask)
	if math.Abs(float64(mean)) > 1e-4 {
		t.Fatalf("whitened mean %g, want ~0", mean)
	}
	if math.Abs(float64(variance)-1) > 1e-3 {
		t.Fatalf("whitened variance %g, want ~1", variance)
	}
}

func TestMaskedWhitenKeepMean(t *testing.T) {
	raw := []float32{4, -2, 0, 8, 6, 0}
	data := NewMatFromData(2, 3, append([]float32(nil), raw...))
	mask := NewMatFromData(2, 3, []float32{1, 1, 0, 1, 1, 0})
	origMean := MaskedMean(&data, &mask)

	MaskedWhiten(&data, &mask, false)

	mean := MaskedMean(&data, &mask)
	variance := MaskedVar(&data, &mask)
	if math.Abs(float64(mean-origMean)) > 1e-4 {
		t.Fatalf("mean %g drifted from %g with shiftMean disabled", mean, origMean)
	}
	if math.Abs(float64(variance)-1) > 1e-3 {
		t.Fatalf("variance %g, want ~1", variance)
	}
}

func TestMatMulMatchesNaive(t *testing.T) {
	A := NewMat(5, 7)
	B := NewMat(7, 4)
	FillRand(&A, 1)
	FillRand(&B, 2)

	want := NewMat(5, 4)
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			want.Row(i)[j] = sum
		}
	}

	got := NewMat(5, 4)
	MatMul(&got, &A, &B)
	if d := maxAbsDiff(want.Data, got.Data); d > 1e-6 {
		t.Fatalf("max abs diff %g", d)
	}
}

func TestHasNaN(t *testing.T) {
	if HasNaN([]float32{1, 2, 3}) {
		t.Fatal("false positive")
	}
	if !HasNaN([]float32{1, float32(math.NaN())}) {
		t.Fatal("missed NaN")
	}
	if !HasNaN([]float32{float32(math.Inf(1))}) {
		t.Fatal("missed Inf")
	}
}
