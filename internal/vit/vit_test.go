package vit

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

func microConfig(t *testing.T, degree int) Config {
	t.Helper()
	cfg, err := Lookup("deit_micro_patch8_32")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	cfg.NumClasses = 10
	cfg.Degree = degree
	return cfg
}

func microModel(t *testing.T, degree int) *Model {
	t.Helper()
	m, err := New(microConfig(t, degree), 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestLookup(t *testing.T) {
	t.Parallel()
	cfg, err := Lookup("deit_tiny_patch16_224")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cfg.EmbedDim != 192 || cfg.NumHeads != 3 || cfg.NumPatches() != 196 || cfg.NumExtraTokens() != 1 {
		t.Fatalf("unexpected tiny config %+v", cfg)
	}
	d, err := Lookup("deit_base_distilled_patch16_224")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.NumExtraTokens() != 2 {
		t.Fatalf("expected 2 extra tokens, got %d", d.NumExtraTokens())
	}
	if _, err := Lookup("resnet50"); !errors.Is(err, ErrUnknownArch) {
		t.Fatalf("expected ErrUnknownArch, got %v", err)
	}
	cfg.Degree = 3
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected invalid degree, got %v", err)
	}
}

func TestNewIsDeterministic(t *testing.T) {
	t.Parallel()
	a := microModel(t, 1)
	b := microModel(t, 1)
	for _, name := range a.ParamNames() {
		if !tensor.Equal(a.Param(name), b.Param(name)) {
			t.Fatalf("parameter %s differs between identical seeds", name)
		}
	}
	if a.Param("blocks.0.norm1.weight").F32[0] != 1 {
		t.Fatal("expected LayerNorm weights initialized to one")
	}
}

func TestLoadStateDict(t *testing.T) {
	t.Parallel()
	m := microModel(t, 1)
	qkv := tensor.New(tensor.Float32, m.Param("blocks.0.attn.qkv.weight").Shape...)
	qkv.F32[0] = 3
	sd := map[string]*tensor.Tensor{
		"blocks.0.attn.qkv.weight": qkv,
		"fc_norm.weight":           tensor.New(tensor.Float32, 32),
	}
	missing, unexpected, err := m.LoadStateDict(sd, false)
	if err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	if m.Param("blocks.0.attn.qkv.weight").F32[0] != 3 {
		t.Fatal("expected qkv weight to be copied")
	}
	if diff := cmp.Diff([]string{"fc_norm.weight"}, unexpected); diff != "" {
		t.Fatalf("unexpected keys mismatch (-want +got):\n%s", diff)
	}
	if len(missing) != len(m.ParamNames())-1 {
		t.Fatalf("expected %d missing keys, got %d", len(m.ParamNames())-1, len(missing))
	}
	if _, _, err := m.LoadStateDict(sd, true); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("strict load: expected ErrInvalidParam, got %v", err)
	}

	bad := map[string]*tensor.Tensor{"norm.weight": tensor.New(tensor.Float32, 5)}
	if _, _, err := m.LoadStateDict(bad, false); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("shape mismatch: expected ErrInvalidParam, got %v", err)
	}
}

func TestExportSingleInputOutput(t *testing.T) {
	t.Parallel()
	om, err := Export(microModel(t, 1), ExportOptions{ProducerVersion: "test"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	g := om.Graph
	if diff := cmp.Diff([]string{InputName}, g.InputNames()); diff != "" {
		t.Fatalf("inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{OutputName}, g.OutputNames()); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	for _, vi := range []*onnx.ValueInfo{g.Inputs[0], g.Outputs[0]} {
		if d := vi.Type.Shape.Dims[0]; !d.Symbolic() || d.Param != BatchDim {
			t.Fatalf("%s: expected dynamic leading dim, got %+v", vi.Name, d)
		}
	}
	if om.Opset("") != onnx.DefaultOpset {
		t.Fatalf("expected opset %d, got %d", onnx.DefaultOpset, om.Opset(""))
	}
	if _, err := graph.DefaultLandmarks().Resolve(om); err != nil {
		t.Fatalf("landmarks: %v", err)
	}
}

func TestExportDistilledKeepsFirstHead(t *testing.T) {
	t.Parallel()
	cfg := microConfig(t, 1)
	cfg.Distilled = true
	m, err := New(cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	om, err := Export(m, ExportOptions{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(om.Graph.Outputs) != 1 {
		t.Fatalf("expected a single output, got %d", len(om.Graph.Outputs))
	}
	if om.Graph.Initializer("model.head_dist.weight") != nil {
		t.Fatal("distillation head must not be exported")
	}
	if om.Graph.Initializer("model.dist_token") == nil {
		t.Fatal("distillation token must be part of the token sequence")
	}
}

func TestExportPreprocessShapes(t *testing.T) {
	t.Parallel()
	for _, degree := range []int{1, 2} {
		om, err := Export(microModel(t, degree), ExportOptions{})
		if err != nil {
			t.Fatalf("degree %d: Export: %v", degree, err)
		}
		pm, err := graph.PreprocessModel(om)
		if err != nil {
			t.Fatalf("degree %d: PreprocessModel: %v", degree, err)
		}
		byName := make(map[string]*onnx.ValueInfo, len(pm.Graph.ValueInfo))
		for _, vi := range pm.Graph.ValueInfo {
			if vi.Type == nil || vi.Type.Shape == nil {
				t.Errorf("degree %d: %s has no inferred shape", degree, vi.Name)
				continue
			}
			byName[vi.Name] = vi
		}
		if vi := byName[graph.DefaultBlockInput]; vi == nil || len(vi.Type.Shape.Dims) != 3 {
			t.Fatalf("degree %d: expected rank-3 shape for %s, got %+v", degree, graph.DefaultBlockInput, vi)
		}
		vi := byName[graph.DefaultBlockOutput]
		if vi == nil {
			t.Fatalf("degree %d: no value_info recorded for %s", degree, graph.DefaultBlockOutput)
		}
		dims := vi.Type.Shape.Dims
		if len(dims) != 3 || !dims[2].Known() || dims[2].Value != 32 {
			t.Fatalf("degree %d: expected [*, *, 32] for block output, got %+v", degree, dims)
		}
	}
}

func randomImages(batch int, seed int64) *tensor.Tensor {
	x := tensor.New(tensor.Float32, batch, 3, 32, 32)
	tensor.FillRand(x.F32, 1, seed)
	return x
}

func TestExportedGraphRuns(t *testing.T) {
	t.Parallel()
	for _, degree := range []int{1, 2} {
		path := filepath.Join(t.TempDir(), "model.onnx")
		if err := ExportFile(microModel(t, degree), path, ExportOptions{}); err != nil {
			t.Fatalf("degree %d: ExportFile: %v", degree, err)
		}
		s, err := runtime.Open(path, runtime.Options{Device: runtime.CPU})
		if err != nil {
			t.Fatalf("degree %d: Open: %v", degree, err)
		}

		three := randomImages(3, 11)
		two := &tensor.Tensor{DType: tensor.Float32, Shape: []int{2, 3, 32, 32}, F32: three.F32[:2*3*32*32]}
		out3, err := s.Run(context.Background(), nil, map[string]*tensor.Tensor{InputName: three})
		if err != nil {
			t.Fatalf("degree %d: Run(3): %v", degree, err)
		}
		out2, err := s.Run(context.Background(), nil, map[string]*tensor.Tensor{InputName: two})
		if err != nil {
			t.Fatalf("degree %d: Run(2): %v", degree, err)
		}
		if diff := cmp.Diff([]int{3, 10}, out3[0].Shape); diff != "" {
			t.Fatalf("degree %d: shape mismatch (-want +got):\n%s", degree, diff)
		}
		if slices.ContainsFunc(out3[0].F32, func(v float32) bool { return math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) }) {
			t.Fatalf("degree %d: non-finite logits", degree)
		}
		// Samples are independent of the batch they are evaluated in.
		for i := range 20 {
			if d := math.Abs(float64(out2[0].F32[i] - out3[0].F32[i])); d > 1e-4 {
				t.Fatalf("degree %d: logit %d differs across batch sizes by %g", degree, i, d)
			}
		}
	}
}
