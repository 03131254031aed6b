package graph

import (
	"fmt"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// AddOutputs returns a copy of m in which every tensor in names is also a
// graph output. Declarations are taken from shape inference where possible
// and otherwise fall back to a float tensor of unknown shape. Names that are
// already outputs are left alone, so applying the same list twice is a no-op.
func AddOutputs(m *onnx.Model, names []string) (*onnx.Model, error) {
	if m == nil || m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	am, err := onnx.Clone(m)
	if err != nil {
		return nil, err
	}
	if err := InferShapes(am); err != nil {
		return nil, err
	}
	g := am.Graph

	known := make(map[string]bool)
	for _, name := range TensorNames(g) {
		known[name] = true
	}
	isOutput := make(map[string]bool, len(g.Outputs))
	for _, vi := range g.Outputs {
		isOutput[vi.Name] = true
	}
	infos := valueInfoIndex(g)
	for _, name := range names {
		if isOutput[name] {
			continue
		}
		if !known[name] {
			return nil, &unknownTensorError{name: name, role: "output", available: TensorNames(g)}
		}
		isOutput[name] = true
		g.Outputs = append(g.Outputs, declare(infos, name))
	}
	return am, nil
}

// AddOutputsFile runs AddOutputs on the model at in and writes it to out.
func AddOutputsFile(in string, names []string, out string) error {
	m, err := onnx.ReadFile(in)
	if err != nil {
		return fmt.Errorf("augment: %w", err)
	}
	am, err := AddOutputs(m, names)
	if err != nil {
		return fmt.Errorf("augment %s: %w", in, err)
	}
	if err := onnx.WriteFile(out, am); err != nil {
		return fmt.Errorf("augment: %w", err)
	}
	return nil
}
