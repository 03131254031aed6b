package graph

import (
	"fmt"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Extract returns the sub-model that computes outputs from inputs. The region
// is found by walking producers backwards from outputs and stopping at inputs;
// it keeps the original node order together with every initializer and
// value_info entry the region references. Boundary tensors take their type
// from the source graph when it is known.
func Extract(m *onnx.Model, inputs, outputs []string) (*onnx.Model, error) {
	if m == nil || m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	g := m.Graph
	gi, err := Analyze(g)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, name := range TensorNames(g) {
		known[name] = true
	}
	for _, name := range inputs {
		if !known[name] {
			return nil, &unknownTensorError{name: name, role: "input", available: TensorNames(g)}
		}
	}
	for _, name := range outputs {
		if !known[name] {
			return nil, &unknownTensorError{name: name, role: "output", available: TensorNames(g)}
		}
	}

	stop := make(map[string]bool, len(inputs))
	for _, name := range inputs {
		stop[name] = true
	}

	keep := make(map[int]bool)
	usedInits := make(map[string]bool)
	visited := make(map[string]bool)
	stack := append([]string(nil), outputs...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[name] || stop[name] {
			continue
		}
		visited[name] = true
		if gi.Initializers[name] {
			usedInits[name] = true
			continue
		}
		p, ok := gi.ProducerOf[name]
		if !ok {
			// Only graph inputs have no producer at this point.
			return nil, fmt.Errorf("%w: region depends on graph input %q which is not a listed input", ErrInvalidGraph, name)
		}
		if keep[p] {
			continue
		}
		keep[p] = true
		for _, in := range g.Nodes[p].Inputs {
			if in != "" {
				stack = append(stack, in)
			}
		}
	}

	infos := valueInfoIndex(g)
	sub := &onnx.Graph{
		Name:      g.Name + "_extracted",
		DocString: g.DocString,
	}
	for _, name := range inputs {
		sub.Inputs = append(sub.Inputs, declare(infos, name))
	}
	for _, name := range outputs {
		sub.Outputs = append(sub.Outputs, declare(infos, name))
	}
	boundary := make(map[string]bool)
	for _, name := range inputs {
		boundary[name] = true
	}
	for _, name := range outputs {
		boundary[name] = true
	}
	for i, n := range g.Nodes {
		if !keep[i] {
			continue
		}
		sub.Nodes = append(sub.Nodes, n)
		for _, out := range n.Outputs {
			if vi, ok := infos[out]; ok && !boundary[out] {
				sub.ValueInfo = append(sub.ValueInfo, vi)
			}
		}
	}
	for _, t := range g.Initializers {
		if usedInits[t.Name] {
			sub.Initializers = append(sub.Initializers, t)
		}
	}

	out := &onnx.Model{
		IRVersion:       m.IRVersion,
		ProducerName:    m.ProducerName,
		ProducerVersion: m.ProducerVersion,
		Domain:          m.Domain,
		ModelVersion:    m.ModelVersion,
		OpsetImports:    append([]onnx.OpsetID(nil), m.OpsetImports...),
		Metadata:        append([]onnx.StringEntry(nil), m.Metadata...),
		Graph:           sub,
	}
	// Detach from the source model so later edits do not alias.
	return onnx.Clone(out)
}

// ExtractFile runs Extract on the model stored at in and writes the result
// to out.
func ExtractFile(in, out string, inputs, outputs []string) error {
	m, err := onnx.ReadFile(in)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	sub, err := Extract(m, inputs, outputs)
	if err != nil {
		return fmt.Errorf("extract %s: %w", in, err)
	}
	if err := onnx.WriteFile(out, sub); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	return nil
}

// valueInfoIndex maps tensor names to the most specific declaration available
// in g: value_info first, then graph inputs and outputs.
func valueInfoIndex(g *onnx.Graph) map[string]*onnx.ValueInfo {
	idx := make(map[string]*onnx.ValueInfo)
	for _, list := range [][]*onnx.ValueInfo{g.Outputs, g.Inputs, g.ValueInfo} {
		for _, vi := range list {
			if vi.Type != nil {
				idx[vi.Name] = vi
			} else if _, ok := idx[vi.Name]; !ok {
				idx[vi.Name] = vi
			}
		}
	}
	for _, t := range g.Initializers {
		if _, ok := idx[t.Name]; ok {
			continue
		}
		dims := make([]onnx.Dim, len(t.Dims))
		for i, d := range t.Dims {
			dims[i] = onnx.DimValue(d)
		}
		idx[t.Name] = onnx.TensorValueInfo(t.Name, t.DataType, dims)
	}
	return idx
}

// declare returns a copy of the known declaration for name, or a float tensor
// of unknown shape.
func declare(infos map[string]*onnx.ValueInfo, name string) *onnx.ValueInfo {
	if vi, ok := infos[name]; ok && vi.Type != nil {
		return &onnx.ValueInfo{Name: name, Type: vi.Type, DocString: vi.DocString}
	}
	return onnx.TensorValueInfo(name, onnx.DataTypeFloat, nil)
}
