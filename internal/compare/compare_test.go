package compare

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vitptq/internal/npz"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

func TestCompare(t *testing.T) {
	t.Parallel()
	fl := npz.New()
	fl.Set("a", tensor.FromFloat32([]int{4}, []float32{1, 2, 3, 4}))
	fl.Set("b", tensor.FromFloat32([]int{2}, []float32{0.5, -0.5}))
	fl.Set("float_only", tensor.FromFloat32([]int{1}, []float32{1}))

	q := npz.New()
	q.Set("a", tensor.FromFloat32([]int{4}, []float32{1, 2, 3, 6}))
	q.Set("b_quantized", tensor.FromInt8([]int{2}, []int8{5, -5}))
	q.Set("a_quantized", tensor.FromInt8([]int{4}, []int8{1, 2, 3, 4}))

	r := Compare(fl, q, Params{"b": {Scale: 0.1, ZeroPoint: 0}})

	if diff := cmp.Diff([]string{"float_only"}, r.FloatOnly); diff != "" {
		t.Fatalf("float only mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a_quantized"}, r.QuantOnly); diff != "" {
		t.Fatalf("quant only mismatch (-want +got):\n%s", diff)
	}
	if len(r.Pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(r.Pairs))
	}

	a := r.Pairs[0]
	if a.QuantName != "a" || a.Dequantized {
		t.Fatalf("unexpected pair %+v", a)
	}
	if a.MSE != 1 || a.MaxAbs != 2 {
		t.Fatalf("expected mse 1 and max abs 2, got %v %v", a.MSE, a.MaxAbs)
	}
	wantCos := 38 / (math.Sqrt(30) * math.Sqrt(50))
	if math.Abs(a.Cosine-wantCos) > 1e-12 {
		t.Fatalf("expected cosine %v, got %v", wantCos, a.Cosine)
	}

	b := r.Pairs[1]
	if b.QuantName != "b_quantized" || !b.Dequantized {
		t.Fatalf("unexpected pair %+v", b)
	}
	if b.MaxAbs > 1e-6 || math.Abs(b.Cosine-1) > 1e-6 {
		t.Fatalf("expected dequantized b to match, got %+v", b)
	}
}

func TestCompareShapeMismatch(t *testing.T) {
	t.Parallel()
	fl := npz.New()
	fl.Set("x", tensor.FromFloat32([]int{2}, []float32{1, 2}))
	q := npz.New()
	q.Set("x", tensor.FromFloat32([]int{1, 2}, []float32{1, 2}))
	r := Compare(fl, q, nil)
	if len(r.Pairs) != 1 || r.Pairs[0].Err == "" {
		t.Fatalf("expected a shape error, got %+v", r.Pairs)
	}
}

func TestCosineZero(t *testing.T) {
	t.Parallel()
	if c := cosine([]float64{0, 0}, []float64{0, 0}); c != 1 {
		t.Fatalf("expected 1 for zero vectors, got %v", c)
	}
	if c := cosine([]float64{0, 0}, []float64{1, 0}); c != 0 {
		t.Fatalf("expected 0 for one zero vector, got %v", c)
	}
}

func TestParamsFromModel(t *testing.T) {
	t.Parallel()
	m := &onnx.Model{Graph: &onnx.Graph{Initializers: []*onnx.Tensor{
		tensor.ToProto("x_scale", tensor.Scalar(0.25)),
		tensor.ToProto("x_zero_point", tensor.FromInt8([]int{}, []int8{-3})),
		tensor.ToProto("w_scale", tensor.FromFloat32([]int{2}, []float32{0.1, 0.2})),
		tensor.ToProto("w_zero_point", tensor.FromInt8([]int{2}, []int8{0, 0})),
		tensor.ToProto("lonely_scale", tensor.Scalar(1)),
	}}}
	p, err := ParamsFromModel(m)
	if err != nil {
		t.Fatalf("ParamsFromModel: %v", err)
	}
	want := Params{"x": quant.Params{Scale: 0.25, ZeroPoint: -3}}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestReportWrite(t *testing.T) {
	t.Parallel()
	r := Report{
		Pairs:     []Pair{{Name: "a", QuantName: "a_quantized", MSE: 0.5, MaxAbs: 1, Cosine: 0.99}},
		QuantOnly: []string{"z"},
	}
	var buf bytes.Buffer
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1 matched, 0 float only, 1 quantized only", "a\ta_quantized\tmse=0.5", "quantized only: z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
