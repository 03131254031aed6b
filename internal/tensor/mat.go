package tensor

import (
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C). Data holds the flattened matrix values.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new zeroed matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns a view of the i-th row of the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

func (m *Mat) general() blas32.General {
	stride := m.Stride
	if stride < 1 {
		stride = 1
	}
	return blas32.General{Rows: m.R, Cols: m.C, Stride: stride, Data: m.Data}
}

// Gemm computes dst = a * op(b), where op transposes b when transB is set.
// dst must already have the result shape.
func Gemm(dst, a, b *Mat, transB bool) {
	tb := blas.NoTrans
	k := b.R
	n := b.C
	if transB {
		tb = blas.Trans
		k, n = b.C, b.R
	}
	if a.C != k || dst.R != a.R || dst.C != n {
		panic("gemm dimension mismatch")
	}
	if a.R == 0 || n == 0 {
		return
	}
	if k == 0 {
		clear(dst.Data[:dst.R*dst.Stride])
		return
	}
	blas32.Gemm(blas.NoTrans, tb, 1, a.general(), b.general(), 0, dst.general())
}

// FillRand fills the matrix with reproducible pseudo-random values drawn
// from a normal distribution with the given standard deviation, truncated to
// two standard deviations. The seed controls the sequence.
func FillRand(data []float32, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range data {
		v := rng.NormFloat64()
		for v < -2 || v > 2 {
			v = rng.NormFloat64()
		}
		data[i] = float32(v * std)
	}
}
