package mathx

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
)

// Size thresholds above which the BLAS backend is used when available.
// Below them the call overhead dominates and the scalar path wins.
const (
	blasMatmulThreshold = 64
	blasMatvecThreshold = 256
	blasOuterThreshold  = 256
)

// MatmulCalls counts dense matrix-product invocations. The batched scorer's
// O(1)-projections behavior is asserted against it.
var MatmulCalls atomic.Int64

// Matmul returns A·B.
func Matmul(a, b *Dense) *Dense {
	MatmulCalls.Add(1)
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("mathx: matmul %d×%d · %d×%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := NewDense(a.Rows, b.Cols)
	if blasEnabled() && maxDim3(a.Rows, a.Cols, b.Cols) >= blasMatmulThreshold {
		blasGemm(false, a, b, out)
		return out
	}
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for k := 0; k < a.Cols; k++ {
			aik := arow[k]
			if aik == 0 {
				continue
			}
			brow := b.Row(k)
			for j := 0; j < b.Cols; j++ {
				orow[j] += aik * brow[j]
			}
		}
	}
	return out
}

// MatmulTranspose returns A·Bᵀ.
func MatmulTranspose(a, b *Dense) *Dense {
	MatmulCalls.Add(1)
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("mathx: matmulT %d×%d · (%d×%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := NewDense(a.Rows, b.Rows)
	if blasEnabled() && maxDim3(a.Rows, a.Cols, b.Rows) >= blasMatmulThreshold {
		blasGemm(true, a, b, out)
		return out
	}
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		for j := 0; j < b.Rows; j++ {
			brow := b.Row(j)
			var sum float32
			for k := range arow {
				sum += arow[k] * brow[k]
			}
			out.Data[i*out.Cols+j] = sum
		}
	}
	return out
}

// Matvec returns A·x.
func Matvec(a *Dense, x []float32) []float32 {
	if a.Cols != len(x) {
		panic(fmt.Sprintf("mathx: matvec %d×%d · vec[%d]", a.Rows, a.Cols, len(x)))
	}
	out := make([]float32, a.Rows)
	if blasEnabled() && maxDim2(a.Rows, a.Cols) >= blasMatvecThreshold {
		blasGemv(false, a, x, out)
		return out
	}
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		var sum float32
		for j := range arow {
			sum += arow[j] * x[j]
		}
		out[i] = sum
	}
	return out
}

// MatvecTranspose returns Aᵀ·x.
func MatvecTranspose(a *Dense, x []float32) []float32 {
	if a.Rows != len(x) {
		panic(fmt.Sprintf("mathx: matvecT (%d×%d)ᵀ · vec[%d]", a.Rows, a.Cols, len(x)))
	}
	out := make([]float32, a.Cols)
	if blasEnabled() && maxDim2(a.Rows, a.Cols) >= blasMatvecThreshold {
		blasGemv(true, a, x, out)
		return out
	}
	for i := 0; i < a.Rows; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		arow := a.Row(i)
		for j := range arow {
			out[j] += arow[j] * xi
		}
	}
	return out
}

// OuterProductAdd performs A ← A + α·x·yᵀ.
func OuterProductAdd(a *Dense, x, y []float32, alpha float32) {
	if a.Rows != len(x) || a.Cols != len(y) {
		panic(fmt.Sprintf("mathx: outer %d×%d += vec[%d]·vec[%d]ᵀ", a.Rows, a.Cols, len(x), len(y)))
	}
	if blasEnabled() && maxDim2(a.Rows, a.Cols) >= blasOuterThreshold {
		blasGer(a, x, y, alpha)
		return
	}
	for i := range x {
		axi := alpha * x[i]
		if axi == 0 {
			continue
		}
		arow := a.Row(i)
		for j := range y {
			arow[j] += axi * y[j]
		}
	}
}

// Dot returns x·y.
func Dot(x, y []float32) float32 {
	var sum float32
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

// CosineSimilarity returns the cosine of the angle between x and y,
// 0 when either vector is zero.
func CosineSimilarity(x, y []float32) float32 {
	var dot, nx, ny float32
	for i := range x {
		dot += x[i] * y[i]
		nx += x[i] * x[i]
		ny += y[i] * y[i]
	}
	denom := float32(math.Sqrt(float64(nx))) * float32(math.Sqrt(float64(ny)))
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Softmax writes the stable softmax of x into a new slice.
func Softmax(x []float32) []float32 {
	out := make([]float32, len(x))
	if len(x) == 0 {
		return out
	}
	maxV := x[0]
	for _, v := range x[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxV)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Sigmoid returns 1/(1+e^-x).
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// LeakyReLUSlope is the negative-side slope used across the model.
const LeakyReLUSlope = 0.2

// LeakyReLU applies max(x, slope·x) elementwise into a new slice.
func LeakyReLU(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = LeakyReLUSlope * v
		}
	}
	return out
}

// LeakyReLUScalar applies leaky ReLU to a single value.
func LeakyReLUScalar(x float32) float32 {
	if x > 0 {
		return x
	}
	return LeakyReLUSlope * x
}

// ELU applies the exponential linear unit elementwise in place.
func ELU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = float32(math.Exp(float64(v)) - 1)
		}
	}
}

// MeanPool averages the rows of m into a single vector.
func MeanPool(m *Dense) []float32 {
	out := make([]float32, m.Cols)
	if m.Rows == 0 {
		return out
	}
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j := range row {
			out[j] += row[j]
		}
	}
	inv := 1 / float32(m.Rows)
	for j := range out {
		out[j] *= inv
	}
	return out
}

// ConcatHeads concatenates per-head matrices column-wise: each input is
// rows×d, the output is rows×(len(heads)·d).
func ConcatHeads(heads []*Dense) *Dense {
	if len(heads) == 0 {
		return NewDense(0, 0)
	}
	rows, d := heads[0].Rows, heads[0].Cols
	out := NewDense(rows, len(heads)*d)
	for h, m := range heads {
		if m.Rows != rows || m.Cols != d {
			panic("mathx: concat heads with mismatched shapes")
		}
		for i := 0; i < rows; i++ {
			copy(out.Row(i)[h*d:(h+1)*d], m.Row(i))
		}
	}
	return out
}

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). p == 0 returns the input untouched.
func Dropout(m *Dense, p float64, rng *rand.Rand) *Dense {
	if p <= 0 {
		return m
	}
	scale := float32(1 / (1 - p))
	out := NewDense(m.Rows, m.Cols)
	for i, v := range m.Data {
		if rng.Float64() >= p {
			out.Data[i] = v * scale
		}
	}
	return out
}

// NormalizeL2 scales v in place to unit length and returns it. Zero vectors
// are returned unchanged.
func NormalizeL2(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := float32(math.Sqrt(float64(sum)))
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

func maxDim2(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDim3(a, b, c int) int {
	return maxDim2(maxDim2(a, b), c)
}
