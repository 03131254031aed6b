package tensor

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestBroadcastShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b []int
		want []int
		err  bool
	}{
		{[]int{2, 3}, []int{3}, []int{2, 3}, false},
		{[]int{2, 1, 4}, []int{3, 1}, []int{2, 3, 4}, false},
		{[]int{}, []int{5}, []int{5}, false},
		{[]int{2, 3}, []int{4}, nil, true},
	}
	for _, tc := range tests {
		got, err := BroadcastShapes(tc.a, tc.b)
		if tc.err {
			if !errors.Is(err, ErrShape) {
				t.Errorf("BroadcastShapes(%v, %v): expected ErrShape, got %v", tc.a, tc.b, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("BroadcastShapes(%v, %v): %v", tc.a, tc.b, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("BroadcastShapes(%v, %v) mismatch (-want +got):\n%s", tc.a, tc.b, diff)
		}
	}
}

func TestBinaryF32Broadcast(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{2, 3}, seq(6))
	b := FromFloat32([]int{3}, []float32{10, 20, 30})
	out, err := BinaryF32(a, b, func(x, y float32) float32 { return x + y })
	if err != nil {
		t.Fatalf("BinaryF32: %v", err)
	}
	want := []float32{10, 21, 32, 13, 24, 35}
	if diff := cmp.Diff(want, out.F32); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTranspose(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{2, 3}, seq(6))
	out, err := Transpose(a, []int{1, 0})
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	if diff := cmp.Diff([]int{3, 2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, out.F32); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestTranspose3D(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{2, 3, 4}, seq(24))
	out, err := Transpose(a, []int{2, 0, 1})
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	// out[k][i][j] == a[i][j][k]
	for i := range 2 {
		for j := range 3 {
			for k := range 4 {
				got := out.F32[k*6+i*3+j]
				want := a.F32[i*12+j*4+k]
				if got != want {
					t.Fatalf("out[%d][%d][%d]: expected %v, got %v", k, i, j, want, got)
				}
			}
		}
	}
}

func TestConcat(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{1, 2}, []float32{1, 2})
	b := FromFloat32([]int{2, 2}, []float32{3, 4, 5, 6})
	out, err := Concat(0, a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if diff := cmp.Diff([]int{3, 2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, out.F32); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	c := FromFloat32([]int{2, 1}, []float32{7, 8})
	out, err = Concat(-1, b, c)
	if err != nil {
		t.Fatalf("Concat axis -1: %v", err)
	}
	if diff := cmp.Diff([]float32{3, 4, 7, 5, 6, 8}, out.F32); diff != "" {
		t.Fatalf("axis -1 mismatch (-want +got):\n%s", diff)
	}
}

func TestConcatRejectsMixedDTypes(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{1}, []float32{1})
	b := FromInt64([]int{1}, []int64{1})
	if _, err := Concat(0, a, b); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestGather(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{3, 2}, seq(6))
	out, err := Gather(a, FromInt64([]int{}, []int64{-1}), 0)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if diff := cmp.Diff([]int{2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{4, 5}, out.F32); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	if _, err := Gather(a, FromInt64([]int{1}, []int64{3}), 0); !errors.Is(err, ErrShape) {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{1, 1, 2}, []float32{1, 2})
	out, err := Expand(a, []int{3, 1, 1})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if diff := cmp.Diff([]int{3, 1, 2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 1, 2, 1, 2}, out.F32); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func matmulNaive(a, b []float32, m, k, n int) []float32 {
	out := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var sum float32
			for kk := range k {
				sum += a[i*k+kk] * b[kk*n+j]
			}
			out[i*n+j] = sum
		}
	}
	return out
}

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

func TestMatMulMatchesNaive(t *testing.T) {
	t.Parallel()
	a := New(Float32, 2, 5, 7)
	b := New(Float32, 7, 4)
	FillRand(a.F32, 1, 1)
	FillRand(b.F32, 1, 2)

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	if diff := cmp.Diff([]int{2, 5, 4}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for batch := range 2 {
		want := matmulNaive(a.F32[batch*35:(batch+1)*35], b.F32, 5, 7, 4)
		got := out.F32[batch*20 : (batch+1)*20]
		if d := maxAbsDiff(want, got); d > 1e-4 {
			t.Fatalf("batch %d: max abs diff %g", batch, d)
		}
	}
}

func TestMatMulShapeMismatch(t *testing.T) {
	t.Parallel()
	a := New(Float32, 2, 3)
	b := New(Float32, 4, 2)
	if _, err := MatMul(a, b); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestReshapeSharesStorage(t *testing.T) {
	t.Parallel()
	a := FromFloat32([]int{2, 3}, seq(6))
	v, err := a.Reshape(3, 2)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	v.F32[0] = 42
	if a.F32[0] != 42 {
		t.Fatal("expected reshape to share storage")
	}
	if _, err := a.Reshape(4, 2); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestSliceRows(t *testing.T) {
	t.Parallel()
	a := FromInt8([]int{3, 2}, []int8{1, 2, 3, 4, 5, 6})
	out, err := SliceRows(a, 1, 3)
	if err != nil {
		t.Fatalf("SliceRows: %v", err)
	}
	if diff := cmp.Diff([]int8{3, 4, 5, 6}, out.I8); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestProtoRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []*Tensor{
		FromFloat32([]int{2, 2}, []float32{1.5, -2, 0, 3.25}),
		FromInt64([]int{3}, []int64{-1, 0, 1 << 40}),
		FromInt8([]int{2}, []int8{-128, 127}),
		FromUint8([]int{1}, []uint8{255}),
		FromInt32([]int{2}, []int32{-7, 7}),
		Scalar(0.5),
	}
	for _, want := range tests {
		p := ToProto("x", want)
		got, err := FromProto(p)
		if err != nil {
			t.Fatalf("FromProto(%v): %v", want, err)
		}
		if !Equal(want, got) {
			t.Fatalf("round trip mismatch: want %v %v, got %v %v", want, want.Float32s(), got, got.Float32s())
		}
	}
}

func TestFromProtoFloat16(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-0.25).Bits())
	p := &onnx.Tensor{Name: "h", DataType: onnx.DataTypeFloat16, Dims: []int64{2}, RawData: raw}

	got, err := FromProto(p)
	if err != nil {
		t.Fatalf("FromProto: %v", err)
	}
	if diff := cmp.Diff([]float32{1.5, -0.25}, got.F32); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFromProtoTypedFields(t *testing.T) {
	t.Parallel()
	p := &onnx.Tensor{Name: "f", DataType: onnx.DataTypeFloat, Dims: []int64{2}, FloatData: []float32{1, 2}}
	got, err := FromProto(p)
	if err != nil {
		t.Fatalf("FromProto: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2}, got.F32); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	short := &onnx.Tensor{Name: "s", DataType: onnx.DataTypeFloat, Dims: []int64{3}, FloatData: []float32{1}}
	if _, err := FromProto(short); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for short data, got %v", err)
	}
}
