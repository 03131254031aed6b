package runtime

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

func approx() cmp.Option { return cmpopts.EquateApprox(0, 1e-5) }

func runNode(t *testing.T, n *onnx.Node, in ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	k, ok := lookupKernel(n.Domain, n.OpType)
	if !ok {
		t.Fatalf("no kernel for %s", n.OpType)
	}
	out, err := k(n, in)
	if err != nil {
		t.Fatalf("%s: %v", n.OpType, err)
	}
	return out[0]
}

func linearModel() *onnx.Model {
	w := tensor.FromFloat32([]int{2, 3}, []float32{1, 0, -1, 2, 1, 0})
	bias := tensor.FromFloat32([]int{3}, []float32{0.5, 0, -0.5})
	return &onnx.Model{
		IRVersion:    onnx.IRVersion,
		OpsetImports: []onnx.OpsetID{{Version: onnx.DefaultOpset}},
		Graph: &onnx.Graph{
			Name: "linear",
			Nodes: []*onnx.Node{
				{Name: "/MatMul", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"h"}},
				{Name: "/Add", OpType: "Add", Inputs: []string{"h", "bias"}, Outputs: []string{"y"}},
				{Name: "/Relu", OpType: "Relu", Inputs: []string{"y"}, Outputs: []string{"r"}},
			},
			Initializers: []*onnx.Tensor{tensor.ToProto("w", w), tensor.ToProto("bias", bias)},
			Inputs:       []*onnx.ValueInfo{onnx.TensorValueInfo("x", onnx.DataTypeFloat, []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(2)})},
			Outputs: []*onnx.ValueInfo{
				onnx.TensorValueInfo("r", onnx.DataTypeFloat, nil),
				onnx.TensorValueInfo("y", onnx.DataTypeFloat, nil),
			},
		},
	}
}

func TestSessionRun(t *testing.T) {
	t.Parallel()
	s, err := NewSession(linearModel(), Options{Device: Auto})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Device() != CPU {
		t.Fatalf("expected auto to resolve to cpu, got %s", s.Device())
	}
	x := tensor.FromFloat32([]int{2, 2}, []float32{1, 2, -1, 0})
	out, err := s.Run(context.Background(), nil, map[string]*tensor.Tensor{"x": x})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// x·w = [[5,2,-1],[-1,0,1]] + bias
	wantY := []float32{5.5, 2, -1.5, -0.5, 0, 0.5}
	wantR := []float32{5.5, 2, 0, 0, 0, 0.5}
	if diff := cmp.Diff(wantR, out[0].F32, approx()); diff != "" {
		t.Fatalf("r mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantY, out[1].F32, approx()); diff != "" {
		t.Fatalf("y mismatch (-want +got):\n%s", diff)
	}

	only, err := s.Run(context.Background(), []string{"y"}, map[string]*tensor.Tensor{"x": x})
	if err != nil {
		t.Fatalf("Run(y): %v", err)
	}
	if len(only) != 1 || !tensor.Equal(only[0], out[1]) {
		t.Fatalf("expected y only, got %v", only)
	}
}

func TestSessionRunErrors(t *testing.T) {
	t.Parallel()
	s, err := NewSession(linearModel(), Options{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	x := tensor.FromFloat32([]int{1, 2}, []float32{1, 2})

	if _, err := s.Run(ctx, []string{"h"}, map[string]*tensor.Tensor{"x": x}); !errors.Is(err, ErrUnknownOutput) {
		t.Errorf("expected ErrUnknownOutput, got %v", err)
	}
	if _, err := s.Run(ctx, nil, nil); !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput, got %v", err)
	}
	bad := tensor.FromFloat32([]int{1, 3}, []float32{1, 2, 3})
	if _, err := s.Run(ctx, nil, map[string]*tensor.Tensor{"x": bad}); !errors.Is(err, ErrInputShape) {
		t.Errorf("expected ErrInputShape, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Run(cancelled, nil, map[string]*tensor.Tensor{"x": x}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewSessionRejectsUnsupportedOp(t *testing.T) {
	t.Parallel()
	m := linearModel()
	m.Graph.Nodes[2].OpType = "NonMaxSuppression"
	if _, err := NewSession(m, Options{}); !errors.Is(err, ErrUnsupportedOp) {
		t.Fatalf("expected ErrUnsupportedOp, got %v", err)
	}
	if _, err := NewSession(linearModel(), Options{Device: "tpu"}); err == nil {
		t.Fatal("expected unknown device error")
	}
}

func TestGemmTransB(t *testing.T) {
	t.Parallel()
	n := &onnx.Node{OpType: "Gemm", Attributes: []*onnx.Attribute{onnx.IntAttr("transB", 1), onnx.FloatAttr("alpha", 2)}}
	a := tensor.FromFloat32([]int{1, 2}, []float32{1, 2})
	b := tensor.FromFloat32([]int{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	c := tensor.FromFloat32([]int{3}, []float32{0, 1, 2})
	out := runNode(t, n, a, b, c)
	if diff := cmp.Diff([]float32{2, 5, 8}, out.F32, approx()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestConvPatchEmbedding(t *testing.T) {
	t.Parallel()
	// 1x1x4x4 image, 2x2 kernel summing its patch, stride 2.
	x := tensor.FromFloat32([]int{1, 1, 4, 4}, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})
	w := tensor.FromFloat32([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	b := tensor.FromFloat32([]int{1}, []float32{100})
	n := &onnx.Node{OpType: "Conv", Attributes: []*onnx.Attribute{onnx.IntsAttr("strides", 2, 2), onnx.IntsAttr("kernel_shape", 2, 2)}}
	out := runNode(t, n, x, w, b)
	if diff := cmp.Diff([]int{1, 1, 2, 2}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{114, 122, 146, 154}, out.F32, approx()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerNormalization(t *testing.T) {
	t.Parallel()
	n := &onnx.Node{OpType: "LayerNormalization", Attributes: []*onnx.Attribute{onnx.FloatAttr("epsilon", 0)}}
	x := tensor.FromFloat32([]int{1, 4}, []float32{1, 2, 3, 4})
	scale := tensor.FromFloat32([]int{4}, []float32{1, 1, 1, 1})
	bias := tensor.FromFloat32([]int{4}, []float32{0, 0, 0, 1})
	out := runNode(t, n, x, scale, bias)
	inv := float32(1 / math.Sqrt(1.25))
	want := []float32{-1.5 * inv, -0.5 * inv, 0.5 * inv, 1.5*inv + 1}
	if diff := cmp.Diff(want, out.F32, approx()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()
	n := &onnx.Node{OpType: "Softmax"}
	out := runNode(t, n, tensor.FromFloat32([]int{1, 2}, []float32{0, float32(math.Log(3))}))
	if diff := cmp.Diff([]float32{0.25, 0.75}, out.F32, approx()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReductions(t *testing.T) {
	t.Parallel()
	x := tensor.FromFloat32([]int{2, 2}, []float32{3, 4, 1, -1})
	axes := tensor.FromInt64([]int{1}, []int64{-1})

	sum := runNode(t, &onnx.Node{OpType: "ReduceSum"}, x, axes)
	if diff := cmp.Diff([]int{2, 1}, sum.Shape); diff != "" {
		t.Fatalf("sum shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{7, 0}, sum.F32, approx()); diff != "" {
		t.Fatalf("sum mismatch (-want +got):\n%s", diff)
	}

	l2 := runNode(t, &onnx.Node{OpType: "ReduceL2", Attributes: []*onnx.Attribute{onnx.IntsAttr("axes", 1), onnx.IntAttr("keepdims", 0)}}, x)
	if diff := cmp.Diff([]float32{5, float32(math.Sqrt2)}, l2.F32, approx()); diff != "" {
		t.Fatalf("l2 mismatch (-want +got):\n%s", diff)
	}

	mean := runNode(t, &onnx.Node{OpType: "ReduceMean", Attributes: []*onnx.Attribute{onnx.IntAttr("keepdims", 0)}}, x)
	if mean.Rank() != 0 || mean.F32[0] != 1.75 {
		t.Fatalf("expected scalar 1.75, got %v %v", mean, mean.F32)
	}
}

func TestShapeOps(t *testing.T) {
	t.Parallel()
	x := tensor.New(tensor.Float32, 2, 3, 4)

	shp := runNode(t, &onnx.Node{OpType: "Shape"}, x)
	if diff := cmp.Diff([]int64{2, 3, 4}, shp.I64); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	r := runNode(t, &onnx.Node{OpType: "Reshape"}, x, tensor.FromInt64([]int{3}, []int64{0, -1, 2}))
	if diff := cmp.Diff([]int{2, 6, 2}, r.Shape); diff != "" {
		t.Fatalf("reshape mismatch (-want +got):\n%s", diff)
	}

	u := runNode(t, &onnx.Node{OpType: "Unsqueeze"}, tensor.FromInt64([]int{}, []int64{7}), tensor.FromInt64([]int{1}, []int64{0}))
	if diff := cmp.Diff([]int{1}, u.Shape); diff != "" {
		t.Fatalf("unsqueeze mismatch (-want +got):\n%s", diff)
	}

	sq := runNode(t, &onnx.Node{OpType: "Squeeze"}, tensor.New(tensor.Float32, 1, 3, 1))
	if diff := cmp.Diff([]int{3}, sq.Shape); diff != "" {
		t.Fatalf("squeeze mismatch (-want +got):\n%s", diff)
	}

	f := runNode(t, &onnx.Node{OpType: "Flatten"}, x)
	if diff := cmp.Diff([]int{2, 12}, f.Shape); diff != "" {
		t.Fatalf("flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestInt64Arithmetic(t *testing.T) {
	t.Parallel()
	a := tensor.FromInt64([]int{2}, []int64{6, 9})
	b := tensor.FromInt64([]int{}, []int64{3})
	out := runNode(t, &onnx.Node{OpType: "Div"}, a, b)
	if diff := cmp.Diff([]int64{2, 3}, out.I64); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantizeDequantizeLinear(t *testing.T) {
	t.Parallel()
	x := tensor.FromFloat32([]int{4}, []float32{-1, 0, 0.5, 10})
	scale := tensor.Scalar(0.1)
	zp := tensor.FromInt8([]int{}, []int8{-10})
	q := runNode(t, &onnx.Node{OpType: "QuantizeLinear"}, x, scale, zp)
	if diff := cmp.Diff([]int8{-20, -10, -5, 90}, q.I8); diff != "" {
		t.Fatalf("quantize mismatch (-want +got):\n%s", diff)
	}
	dq := runNode(t, &onnx.Node{OpType: "DequantizeLinear"}, q, scale, zp)
	if diff := cmp.Diff([]float32{-1, 0, 0.5, 10}, dq.F32, approx()); diff != "" {
		t.Fatalf("dequantize mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantizeLinearPerAxis(t *testing.T) {
	t.Parallel()
	x := tensor.FromFloat32([]int{2, 2}, []float32{1, 1, 1, 1})
	scale := tensor.FromFloat32([]int{2}, []float32{1, 0.5})
	zp := tensor.FromInt8([]int{2}, []int8{0, 0})
	n := &onnx.Node{OpType: "QuantizeLinear", Attributes: []*onnx.Attribute{onnx.IntAttr("axis", 1)}}
	q := runNode(t, n, x, scale, zp)
	if diff := cmp.Diff([]int8{1, 2, 1, 2}, q.I8); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestQLinearMatMulApproximatesFloat(t *testing.T) {
	t.Parallel()
	a := tensor.New(tensor.Float32, 3, 8)
	b := tensor.New(tensor.Float32, 8, 5)
	tensor.FillRand(a.F32, 1, 3)
	tensor.FillRand(b.F32, 0.5, 4)
	want, err := tensor.MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}

	ap := quant.ComputeParams(-2, 2, -128, 127, false)
	yp := quant.ComputeParams(-8, 8, -128, 127, false)
	qa := quantizeAll(a.F32, ap, -128, 127)
	// Per-column symmetric weights.
	bScales := make([]float32, 5)
	qb := make([]int8, len(b.F32))
	for col := range 5 {
		var absMax float32
		for k := range 8 {
			absMax = max(absMax, float32(math.Abs(float64(b.F32[k*5+col]))))
		}
		p := quant.ComputeParams(-absMax, absMax, -127, 127, true)
		bScales[col] = p.Scale
		for k := range 8 {
			qb[k*5+col] = int8(p.Quantize(b.F32[k*5+col], -127, 127))
		}
	}

	n := &onnx.Node{OpType: "QLinearMatMul"}
	out := runNode(t, n,
		tensor.FromInt8([]int{3, 8}, qa), tensor.Scalar(ap.Scale), tensor.FromInt8([]int{}, []int8{int8(ap.ZeroPoint)}),
		tensor.FromInt8([]int{8, 5}, qb), tensor.FromFloat32([]int{5}, bScales), tensor.FromInt8([]int{5}, make([]int8, 5)),
		tensor.Scalar(yp.Scale), tensor.FromInt8([]int{}, []int8{int8(yp.ZeroPoint)}),
	)
	if diff := cmp.Diff([]int{3, 5}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for i, v := range out.I8 {
		got := yp.Dequantize(int32(v))
		if d := math.Abs(float64(got - want.F32[i])); d > 0.25 {
			t.Fatalf("element %d: expected ~%v, got %v", i, want.F32[i], got)
		}
	}
}

func TestQGemmFloatOutput(t *testing.T) {
	t.Parallel()
	// A = [[2, 4]] with scale 0.5 zp 0; B (transB) = [[1, 1], [2, 0]] scale 1.
	n := &onnx.Node{OpType: "QGemm", Domain: onnx.MicrosoftDomain, Attributes: []*onnx.Attribute{onnx.IntAttr("transB", 1)}}
	out := runNode(t, n,
		tensor.FromInt8([]int{1, 2}, []int8{2, 4}), tensor.Scalar(0.5), tensor.FromInt8([]int{}, []int8{0}),
		tensor.FromInt8([]int{2, 2}, []int8{1, 1, 2, 0}), tensor.Scalar(1), tensor.FromInt8([]int{}, []int8{0}),
		tensor.FromInt32([]int{2}, []int32{2, -4}),
	)
	// acc = [6+2, 4-4] -> * 0.5
	if diff := cmp.Diff([]float32{4, 0}, out.F32, approx()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func quantizeAll(x []float32, p quant.Params, qmin, qmax int32) []int8 {
	out := make([]int8, len(x))
	for i, v := range x {
		out[i] = int8(p.Quantize(v, qmin, qmax))
	}
	return out
}

func TestNormalizeDevice(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Device{"": Auto, "CPU": CPU, " auto ": Auto} {
		got, err := NormalizeDevice(in)
		if err != nil || got != want {
			t.Errorf("NormalizeDevice(%q): expected %s, got %s (%v)", in, want, got, err)
		}
	}
}
