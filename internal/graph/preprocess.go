package graph

import (
	"fmt"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Preprocess reads the model at in, sorts its nodes topologically, records
// basic shape inference results as value_info and writes the result to out.
// No node or tensor is renamed, folded or fused.
func Preprocess(in, out string) error {
	m, err := onnx.ReadFile(in)
	if err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	pm, err := PreprocessModel(m)
	if err != nil {
		return fmt.Errorf("preprocess %s: %w", in, err)
	}
	if err := onnx.WriteFile(out, pm); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	return nil
}

// PreprocessModel is the in-memory form of Preprocess. The input model is not
// modified.
func PreprocessModel(m *onnx.Model) (*onnx.Model, error) {
	if m == nil || m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	pm, err := onnx.Clone(m)
	if err != nil {
		return nil, err
	}
	gi, err := Analyze(pm.Graph)
	if err != nil {
		return nil, err
	}
	sorted := make([]*onnx.Node, len(gi.TopoOrder))
	for i, idx := range gi.TopoOrder {
		sorted[i] = pm.Graph.Nodes[idx]
	}
	pm.Graph.Nodes = sorted
	if err := InferShapes(pm); err != nil {
		return nil, err
	}
	return pm, nil
}
