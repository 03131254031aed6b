package graph

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

// tinyModel: x[batch,4] -MatMul(w)-> a -Add(bias)-> b -Gemm(w2,transB)-> logits
func tinyModel() *onnx.Model {
	w := tensor.ToProto("w", tensor.New(tensor.Float32, 4, 4))
	bias := tensor.ToProto("bias", tensor.New(tensor.Float32, 4))
	w2 := tensor.ToProto("w2", tensor.New(tensor.Float32, 3, 4))
	return &onnx.Model{
		IRVersion:    onnx.IRVersion,
		OpsetImports: []onnx.OpsetID{{Version: onnx.DefaultOpset}},
		Graph: &onnx.Graph{
			Name: "tiny",
			Nodes: []*onnx.Node{
				{Name: "/MatMul", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"a"}},
				{Name: "/Add", OpType: "Add", Inputs: []string{"a", "bias"}, Outputs: []string{"b"}},
				{Name: "/Gemm", OpType: "Gemm", Inputs: []string{"b", "w2"}, Outputs: []string{"logits"},
					Attributes: []*onnx.Attribute{onnx.IntAttr("transB", 1)}},
			},
			Initializers: []*onnx.Tensor{w, bias, w2},
			Inputs:       []*onnx.ValueInfo{onnx.TensorValueInfo("x", onnx.DataTypeFloat, []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(4)})},
			Outputs:      []*onnx.ValueInfo{onnx.TensorValueInfo("logits", onnx.DataTypeFloat, []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(3)})},
		},
	}
}

func valueInfoFor(g *onnx.Graph, name string) *onnx.ValueInfo {
	for _, vi := range g.ValueInfo {
		if vi.Name == name {
			return vi
		}
	}
	return nil
}

func TestAnalyzeSortsNodes(t *testing.T) {
	t.Parallel()
	g := tinyModel().Graph
	g.Nodes[0], g.Nodes[2] = g.Nodes[2], g.Nodes[0]

	gi, err := Analyze(g)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var order []string
	for _, idx := range gi.TopoOrder {
		order = append(order, g.Nodes[idx].Name)
	}
	if diff := cmp.Diff([]string{"/MatMul", "/Add", "/Gemm"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeRejectsInvalidGraphs(t *testing.T) {
	t.Parallel()

	cyclic := tinyModel().Graph
	cyclic.Nodes[0].Inputs = []string{"b", "w"}
	if _, err := Analyze(cyclic); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("cycle: expected ErrInvalidGraph, got %v", err)
	}

	dangling := tinyModel().Graph
	dangling.Nodes[1].Inputs = []string{"a", "missing"}
	if _, err := Analyze(dangling); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("dangling: expected ErrInvalidGraph, got %v", err)
	}

	dup := tinyModel().Graph
	dup.Nodes[1].Outputs = []string{"a"}
	if _, err := Analyze(dup); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("duplicate: expected ErrInvalidGraph, got %v", err)
	}
}

func TestInferShapes(t *testing.T) {
	t.Parallel()
	m := tinyModel()
	if err := InferShapes(m); err != nil {
		t.Fatalf("InferShapes: %v", err)
	}
	want := []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(4)}
	for _, name := range []string{"a", "b"} {
		vi := valueInfoFor(m.Graph, name)
		if vi == nil || vi.Type == nil || vi.Type.Shape == nil {
			t.Fatalf("%s: expected inferred shape, got %+v", name, vi)
		}
		if diff := cmp.Diff(want, vi.Type.Shape.Dims); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}
	if vi := valueInfoFor(m.Graph, "logits"); vi != nil {
		t.Fatalf("graph outputs must not be duplicated in value_info, got %+v", vi)
	}
}

func TestInferShapesReshapeAndTranspose(t *testing.T) {
	t.Parallel()
	m := tinyModel()
	g := m.Graph
	g.Initializers = append(g.Initializers, tensor.ToProto("shape", tensor.FromInt64([]int{3}, []int64{0, 2, -1})))
	g.Nodes = append(g.Nodes,
		&onnx.Node{Name: "/Reshape", OpType: "Reshape", Inputs: []string{"b", "shape"}, Outputs: []string{"r"}},
		&onnx.Node{Name: "/Transpose", OpType: "Transpose", Inputs: []string{"r"}, Outputs: []string{"t"},
			Attributes: []*onnx.Attribute{onnx.IntsAttr("perm", 0, 2, 1)}},
	)
	if err := InferShapes(m); err != nil {
		t.Fatalf("InferShapes: %v", err)
	}
	want := []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(2), onnx.DimValue(2)}
	for _, name := range []string{"r", "t"} {
		vi := valueInfoFor(g, name)
		if vi == nil || vi.Type.Shape == nil {
			t.Fatalf("%s: expected inferred shape", name)
		}
		if diff := cmp.Diff(want, vi.Type.Shape.Dims); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestInferShapesScalarGather(t *testing.T) {
	t.Parallel()
	m := tinyModel()
	g := m.Graph
	g.Initializers = append(g.Initializers,
		tensor.ToProto("zero", tensor.FromInt64([]int{}, []int64{0})),
		tensor.ToProto("axes0", tensor.FromInt64([]int{1}, []int64{0})),
		tensor.ToProto("one", tensor.Scalar(1)),
	)
	g.Inputs = append(g.Inputs, onnx.TensorValueInfo("scale", onnx.DataTypeFloat, []onnx.Dim{}))
	g.Nodes = append(g.Nodes,
		&onnx.Node{Name: "/Shape", OpType: "Shape", Inputs: []string{"b"}, Outputs: []string{"s"}},
		&onnx.Node{Name: "/Gather", OpType: "Gather", Inputs: []string{"s", "zero"}, Outputs: []string{"n"}},
		&onnx.Node{Name: "/Unsqueeze", OpType: "Unsqueeze", Inputs: []string{"n", "axes0"}, Outputs: []string{"nu"}},
		&onnx.Node{Name: "/Gather_1", OpType: "Gather", Inputs: []string{"b", "zero"}, Outputs: []string{"col"},
			Attributes: []*onnx.Attribute{onnx.IntAttr("axis", 1)}},
		&onnx.Node{Name: "/Add_1", OpType: "Add", Inputs: []string{"col", "one"}, Outputs: []string{"col1"}},
		&onnx.Node{Name: "/Cast", OpType: "Cast", Inputs: []string{"scale"}, Outputs: []string{"scale16"},
			Attributes: []*onnx.Attribute{onnx.IntAttr("to", int64(onnx.DataTypeFloat16))}},
	)
	if err := InferShapes(m); err != nil {
		t.Fatalf("InferShapes: %v", err)
	}

	want := map[string][]onnx.Dim{
		"n":       {},
		"nu":      {onnx.DimValue(1)},
		"col":     {onnx.DimParam("batch")},
		"col1":    {onnx.DimParam("batch")},
		"scale16": {},
	}
	for name, dims := range want {
		vi := valueInfoFor(g, name)
		if vi == nil || vi.Type == nil || vi.Type.Shape == nil {
			t.Fatalf("%s: expected a known shape, got %+v", name, vi)
		}
		if diff := cmp.Diff(dims, vi.Type.Shape.Dims, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
	}

	// The scalar must still read as rank 0 after encoding.
	data, err := onnx.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := onnx.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if vi := valueInfoFor(back.Graph, "n"); vi == nil || vi.Type.Shape == nil || len(vi.Type.Shape.Dims) != 0 {
		t.Fatalf("n: expected rank-0 shape after round trip, got %+v", vi)
	}
}

func TestPreprocessKeepsNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.onnx")
	out := filepath.Join(dir, "out.onnx")
	m := tinyModel()
	m.Graph.Nodes[0], m.Graph.Nodes[2] = m.Graph.Nodes[2], m.Graph.Nodes[0]
	if err := onnx.WriteFile(in, m); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Preprocess(in, out); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	pm, err := onnx.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var names []string
	for _, n := range pm.Graph.Nodes {
		names = append(names, n.Name)
	}
	if diff := cmp.Diff([]string{"/MatMul", "/Add", "/Gemm"}, names); diff != "" {
		t.Fatalf("node order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(TensorNames(m.Graph), TensorNames(pm.Graph), cmpSorted()); diff != "" {
		t.Fatalf("tensor names changed (-want +got):\n%s", diff)
	}
}

func cmpSorted() cmp.Option {
	return cmp.Transformer("sort", func(in []string) map[string]bool {
		out := make(map[string]bool, len(in))
		for _, s := range in {
			out[s] = true
		}
		return out
	})
}

func TestExtract(t *testing.T) {
	t.Parallel()
	m, err := PreprocessModel(tinyModel())
	if err != nil {
		t.Fatalf("PreprocessModel: %v", err)
	}
	sub, err := Extract(m, []string{"a"}, []string{"b"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	g := sub.Graph
	if len(g.Nodes) != 1 || g.Nodes[0].Name != "/Add" {
		t.Fatalf("expected only /Add, got %+v", g.Nodes)
	}
	if len(g.Initializers) != 1 || g.Initializers[0].Name != "bias" {
		t.Fatalf("expected bias initializer, got %d initializers", len(g.Initializers))
	}
	if diff := cmp.Diff([]string{"a"}, g.InputNames()); diff != "" {
		t.Fatalf("inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, g.OutputNames()); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	if g.Inputs[0].Type.Shape == nil || len(g.Inputs[0].Type.Shape.Dims) != 2 {
		t.Fatalf("expected boundary input to carry its inferred shape, got %+v", g.Inputs[0].Type)
	}
	if _, err := Analyze(g); err != nil {
		t.Fatalf("extracted graph is not self-contained: %v", err)
	}
}

func TestExtractMissingBoundary(t *testing.T) {
	t.Parallel()
	_, err := Extract(tinyModel(), []string{"a"}, []string{"/nope"})
	if !errors.Is(err, ErrUnknownTensor) {
		t.Fatalf("expected ErrUnknownTensor, got %v", err)
	}
	if !strings.Contains(err.Error(), `"/nope"`) || !strings.Contains(err.Error(), "available:") {
		t.Fatalf("expected diagnostic naming the tensor and listing names, got %q", err)
	}
}

func TestExtractRejectsUnlistedGraphInput(t *testing.T) {
	t.Parallel()
	_, err := Extract(tinyModel(), []string{"b"}, []string{"a"})
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestCollectLinearTensors(t *testing.T) {
	t.Parallel()
	m := tinyModel()
	got := CollectLinearTensors(m, Float)
	if diff := cmp.Diff([]string{"a", "b", "logits", "x"}, got); diff != "" {
		t.Fatalf("float mismatch (-want +got):\n%s", diff)
	}
	if again := CollectLinearTensors(m, Float); !cmp.Equal(got, again) {
		t.Fatalf("expected deterministic result, got %v then %v", got, again)
	}
	if got := CollectLinearTensors(m, Quantized); len(got) != 0 {
		t.Fatalf("expected no quantized tensors, got %v", got)
	}

	m.Graph.Nodes[0].OpType = "QLinearMatMul"
	if diff := cmp.Diff([]string{"a", "x"}, CollectLinearTensors(m, Quantized)); diff != "" {
		t.Fatalf("quant mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectLinearTensorsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.onnx")
	if err := onnx.WriteFile(path, tinyModel()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := CollectLinearTensorsFile(path, Float)
	if err != nil {
		t.Fatalf("CollectLinearTensorsFile: %v", err)
	}
	if diff := cmp.Diff(CollectLinearTensors(tinyModel(), Float), got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAddOutputsIdempotent(t *testing.T) {
	t.Parallel()
	names := []string{"a", "b", "logits"}
	once, err := AddOutputs(tinyModel(), names)
	if err != nil {
		t.Fatalf("AddOutputs: %v", err)
	}
	twice, err := AddOutputs(once, names)
	if err != nil {
		t.Fatalf("AddOutputs again: %v", err)
	}
	want := []string{"logits", "a", "b"}
	if diff := cmp.Diff(want, once.Graph.OutputNames()); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(once.Graph.OutputNames(), twice.Graph.OutputNames()); diff != "" {
		t.Fatalf("second application changed outputs (-want +got):\n%s", diff)
	}
	a := once.Graph.Outputs[1]
	if a.Type == nil || a.Type.ElemType != onnx.DataTypeFloat || a.Type.Shape == nil {
		t.Fatalf("expected inferred declaration for a, got %+v", a.Type)
	}
}

func TestAddOutputsUnknownName(t *testing.T) {
	t.Parallel()
	_, err := AddOutputs(tinyModel(), []string{"ghost"})
	var ute *unknownTensorError
	if !errors.As(err, &ute) || ute.Name() != "ghost" {
		t.Fatalf("expected unknown tensor error for ghost, got %v", err)
	}
}

func TestLandmarksResolve(t *testing.T) {
	t.Parallel()
	m := tinyModel()
	l, err := Landmarks{BlockInput: "a", BlockOutput: "b"}.Resolve(m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if l.BlockInput != "a" || l.BlockOutput != "b" {
		t.Fatalf("unexpected landmarks %+v", l)
	}

	_, err = DefaultLandmarks().Resolve(m)
	if !errors.Is(err, ErrUnknownTensor) || !strings.Contains(err.Error(), DefaultBlockInput) {
		t.Fatalf("expected diagnostic for default landmark, got %v", err)
	}
}
