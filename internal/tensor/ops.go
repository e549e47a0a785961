package tensor

import "math"

// Clamp limits v to the closed interval [lo, hi].
func Clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LogSoftmax writes the log-softmax of src into dst.  The max trick keeps the
// exponentials in range.  dst and src may alias.
func LogSoftmax(dst, src []float32) {
	if len(dst) != len(src) {
		panic("logsoftmax length mismatch")
	}
	maxv := src[0]
	for _, v := range src[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range src {
		sum += math.Exp(float64(v - maxv))
	}
	logSum := float32(math.Log(sum)) + maxv
	for i, v := range src {
		dst[i] = v - logSum
	}
}

// Softmax writes the softmax of src into dst.  dst and src may alias.
func Softmax(dst, src []float32) {
	LogSoftmax(dst, src)
	for i, v := range dst {
		dst[i] = float32(math.Exp(float64(v)))
	}
}

// GatherLogProbs returns, for every position t in [0, logits.R), the
// log-probability the logits row assigns to labels[t].  This is the
// log-softmax of the row indexed at the realized next token.
func GatherLogProbs(logits *Mat, labels []int) []float32 {
	if len(labels) != logits.R {
		panic("label length mismatch")
	}
	out := make([]float32, logits.R)
	buf := make([]float32, logits.C)
	for t := 0; t < logits.R; t++ {
		LogSoftmax(buf, logits.Row(t))
		id := labels[t]
		if id < 0 || id >= logits.C {
			panic("label id out of vocabulary range")
		}
		out[t] = buf[id]
	}
	return out
}

// RowEntropy returns the Shannon entropy -sum(p*log p) of the distribution
// defined by one logits row.
func RowEntropy(logits []float32) float32 {
	buf := make([]float32, len(logits))
	LogSoftmax(buf, logits)
	var h float64
	for _, lp := range buf {
		p := math.Exp(float64(lp))
		h -= p * float64(lp)
	}
	return float32(h)
}

const maskEps = 1e-8

// MaskedMean returns sum(data*mask) / (sum(mask) + eps) over all elements.
// Positions where the mask is zero do not contribute.
func MaskedMean(data, mask *Mat) float32 {
	var sum, n float64
	for i := 0; i < data.R; i++ {
		dr, mr := data.Row(i), mask.Row(i)
		for j := range dr {
			sum += float64(dr[j] * mr[j])
			n += float64(mr[j])
		}
	}
	return float32(sum / (n + maskEps))
}

// MaskedVar returns the variance of data over valid mask positions.
func MaskedVar(data, mask *Mat) float32 {
	mean := MaskedMean(data, mask)
	var sum, n float64
	for i := 0; i < data.R; i++ {
		dr, mr := data.Row(i), mask.Row(i)
		for j := range dr {
			d := float64(dr[j]-mean) * float64(mr[j])
			sum += d * d
			n += float64(mr[j])
		}
	}
	return float32(sum / (n + maskEps))
}

// MaskedWhiten normalizes data in place to zero mean and unit variance over
// the valid mask positions.  If shiftMean is false the masked mean is added
// back after scaling, so only the variance is normalized.
func MaskedWhiten(data, mask *Mat, shiftMean bool) {
	mean := MaskedMean(data, mask)
	variance := MaskedVar(data, mask)
	inv := float32(1.0 / math.Sqrt(float64(variance)+1e-6))
	for i := 0; i < data.R; i++ {
		dr := data.Row(i)
		for j := range dr {
			dr[j] = (dr[j] - mean) * inv
			if !shiftMean {
				dr[j] += mean
			}
		}
	}
}

// HasNaN reports whether any element is NaN or infinite.
func HasNaN(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
