package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises src to zero mean and unit variance, then applies
// the affine weight and bias. bias may be nil.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		y := float32((float64(v) - mean) * inv)
		y *= weight[i]
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// GeluTanh applies the tanh approximation of GELU in place.
func GeluTanh(x []float32) {
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(c*(f+0.044715*f*f*f))))
	}
}

// RoPEInvFreq returns the inverse frequencies for a rotary dimension.
func RoPEInvFreq(rotDim int, base float64) []float64 {
	out := make([]float64, rotDim/2)
	for i := range out {
		out[i] = 1.0 / math.Pow(base, float64(2*i)/float64(rotDim))
	}
	return out
}

// ApplyRoPENeoX rotates the first rotDim dims of every head using the
// half-split layout, where element i pairs with element i+rotDim/2.
// Dimensions past rotDim pass through unchanged.
func ApplyRoPENeoX(x []float32, nHead, headDim, rotDim, pos int, invFreq []float64) {
	if rotDim%2 != 0 || rotDim > headDim {
		panic("invalid rotary dimension")
	}
	half := rotDim / 2
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			x0 := x[base+i]
			x1 := x[base+i+half]
			x[base+i] = x0*c - x1*s
			x[base+i+half] = x1*c + x0*s
		}
	}
}
