package activations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/npz"
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

func batch(rows int, start float32) *dataset.Batch {
	data := make([]float32, rows*2)
	for i := range data {
		data[i] = start + float32(i)
	}
	return &dataset.Batch{Images: tensor.FromFloat32([]int{rows, 2}, data), Labels: make([]int, rows)}
}

// writeModel stores y = x @ [[1,0],[0,2]] and z = y + y with both as outputs.
func writeModel(t *testing.T) string {
	t.Helper()
	m := &onnx.Model{
		IRVersion:    onnx.IRVersion,
		OpsetImports: []onnx.OpsetID{{Version: onnx.DefaultOpset}},
		Graph: &onnx.Graph{
			Name: "tap",
			Nodes: []*onnx.Node{
				{Name: "/mm", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"y"}},
				{Name: "/add", OpType: "Add", Inputs: []string{"y", "y"}, Outputs: []string{"z"}},
			},
			Initializers: []*onnx.Tensor{tensor.ToProto("w", tensor.FromFloat32([]int{2, 2}, []float32{1, 0, 0, 2}))},
			Inputs: []*onnx.ValueInfo{onnx.TensorValueInfo("x", onnx.DataTypeFloat,
				[]onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(2)})},
			Outputs: []*onnx.ValueInfo{
				onnx.TensorValueInfo("z", onnx.DataTypeFloat, []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(2)}),
				onnx.TensorValueInfo("y", onnx.DataTypeFloat, []onnx.Dim{onnx.DimParam("batch"), onnx.DimValue(2)}),
			},
		},
	}
	path := filepath.Join(t.TempDir(), "tap.onnx")
	if err := onnx.WriteFile(path, m); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCollectConcatenatesBatches(t *testing.T) {
	t.Parallel()
	model := writeModel(t)
	src := &batches{list: []*dataset.Batch{batch(2, 0), batch(2, 4), batch(1, 8)}}
	out := filepath.Join(t.TempDir(), "acts.npz")

	if err := Collect(context.Background(), model, src, "x", []string{"y", "z"}, out, Options{}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	a, err := npz.Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff([]string{"y", "z"}, a.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	y, _ := a.Get("y")
	if diff := cmp.Diff([]int{5, 2}, y.Shape); diff != "" {
		t.Fatalf("y shape mismatch (-want +got):\n%s", diff)
	}
	want := []float32{0, 2, 2, 6, 4, 10, 6, 14, 8, 18}
	if diff := cmp.Diff(want, y.F32); diff != "" {
		t.Fatalf("y mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectMaxBatches(t *testing.T) {
	t.Parallel()
	model := writeModel(t)
	src := &batches{list: []*dataset.Batch{batch(2, 0), batch(2, 4), batch(1, 8)}}
	out := filepath.Join(t.TempDir(), "acts.npz")

	if err := Collect(context.Background(), model, src, "x", []string{"z"}, out, Options{MaxBatches: 2, Compress: true}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	entries, err := npz.List(out)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Shape[0] != 4 {
		t.Fatalf("expected one array leading with 4, got %+v", entries)
	}
}

func TestCollectMissingOutput(t *testing.T) {
	t.Parallel()
	model := writeModel(t)
	src := &batches{list: []*dataset.Batch{batch(1, 0)}}
	out := filepath.Join(t.TempDir(), "acts.npz")

	err := Collect(context.Background(), model, src, "x", []string{"y", "/blocks.0/attn/Softmax_output_0"}, out, Options{})
	if !errors.Is(err, ErrOutputNotFound) {
		t.Fatalf("expected ErrOutputNotFound, got %v", err)
	}
	var nf *OutputNotFoundError
	if !errors.As(err, &nf) || nf.Name != "/blocks.0/attn/Softmax_output_0" {
		t.Fatalf("expected error naming the tensor, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("expected no archive to be written, stat: %v", statErr)
	}
	if src.pos != 0 {
		t.Fatalf("expected no batch to be consumed, got %d", src.pos)
	}
}

func TestCollectEmptySource(t *testing.T) {
	t.Parallel()
	model := writeModel(t)
	out := filepath.Join(t.TempDir(), "acts.npz")
	err := Collect(context.Background(), model, &batches{}, "x", []string{"y"}, out, Options{})
	if !errors.Is(err, dataset.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestCollectNoTensors(t *testing.T) {
	t.Parallel()
	model := writeModel(t)
	out := filepath.Join(t.TempDir(), "acts.npz")
	src := &batches{list: []*dataset.Batch{batch(1, 0)}}
	for _, names := range [][]string{nil, {}} {
		err := Collect(context.Background(), model, src, "x", names, out, Options{})
		if !errors.Is(err, ErrNoTensors) {
			t.Fatalf("names %v: expected ErrNoTensors, got %v", names, err)
		}
	}
	if src.pos != 0 {
		t.Fatalf("expected no batch to be consumed, got %d", src.pos)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expected no archive to be written, stat err %v", err)
	}
}
