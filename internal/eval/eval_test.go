package eval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

type batches struct {
	list []*dataset.Batch
	pos  int
}

func (b *batches) Next(context.Context) (*dataset.Batch, error) {
	if b.pos >= len(b.list) {
		return nil, nil
	}
	out := b.list[b.pos]
	b.pos++
	return out, nil
}

func (b *batches) Reset() { b.pos = 0 }

// identityModel returns logits = x @ I(3).
func identityModel(t *testing.T) string {
	t.Helper()
	eye := tensor.FromFloat32([]int{3, 3}, []float32{1, 0, 0, 0, 1, 0, 0, 0, 1})
	m := &onnx.Model{
		IRVersion:    onnx.IRVersion,
		OpsetImports: []onnx.OpsetID{{Version: onnx.DefaultOpset}},
		Graph: &onnx.Graph{
			Name:         "identity",
			Nodes:        []*onnx.Node{{Name: "/head", OpType: "MatMul", Inputs: []string{"input", "eye"}, Outputs: []string{"output"}}},
			Initializers: []*onnx.Tensor{tensor.ToProto("eye", eye)},
			Inputs: []*onnx.ValueInfo{onnx.TensorValueInfo("input", onnx.DataTypeFloat,
				[]onnx.Dim{onnx.DimParam("batch_size"), onnx.DimValue(3)})},
			Outputs: []*onnx.ValueInfo{onnx.TensorValueInfo("output", onnx.DataTypeFloat,
				[]onnx.Dim{onnx.DimParam("batch_size"), onnx.DimValue(3)})},
		},
	}
	path := filepath.Join(t.TempDir(), "identity.onnx")
	if err := onnx.WriteFile(path, m); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestTop1(t *testing.T) {
	t.Parallel()
	src := &batches{list: []*dataset.Batch{
		{Images: tensor.FromFloat32([]int{2, 3}, []float32{0.1, 0.9, 0, 3, 1, 2}), Labels: []int{1, 2}},
		{Images: tensor.FromFloat32([]int{1, 3}, []float32{0, 0, 5}), Labels: []int{2}},
	}}
	r, err := Top1(context.Background(), identityModel(t), src, Options{})
	if err != nil {
		t.Fatalf("Top1: %v", err)
	}
	want := Result{Correct: 2, Total: 3, Top1: 100 * 2.0 / 3.0}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	r, err = Top1(context.Background(), identityModel(t), src, Options{MaxBatches: 1})
	if err != nil {
		t.Fatalf("Top1: %v", err)
	}
	if r.Total != 2 || r.Correct != 1 {
		t.Fatalf("expected 1/2 with one batch, got %+v", r)
	}
}

func TestTop1Empty(t *testing.T) {
	t.Parallel()
	r, err := Top1(context.Background(), identityModel(t), &batches{}, Options{})
	if err != nil {
		t.Fatalf("Top1: %v", err)
	}
	if r != (Result{}) {
		t.Fatalf("expected zero result, got %+v", r)
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	got, err := Argmax(tensor.FromFloat32([]int{3, 2}, []float32{1, 1, -1, 0, 2, -3}))
	if err != nil {
		t.Fatalf("Argmax: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 0}, got); diff != "" {
		t.Fatalf("argmax mismatch (-want +got):\n%s", diff)
	}
	if _, err := Argmax(tensor.FromFloat32([]int{4}, []float32{1, 2, 3, 4})); !errors.Is(err, ErrLogitsShape) {
		t.Fatalf("expected ErrLogitsShape, got %v", err)
	}
}
