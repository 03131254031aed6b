package graph

import (
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Variant selects the linear operator types a graph is expected to contain.
type Variant int

const (
	// Float matches MatMul and Gemm.
	Float Variant = iota
	// Quantized matches QLinearMatMul.
	Quantized
)

func (v Variant) String() string {
	switch v {
	case Float:
		return "float"
	case Quantized:
		return "quant"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// OpTypes lists the operator types matched by v.
func (v Variant) OpTypes() []string {
	switch v {
	case Float:
		return []string{"MatMul", "Gemm"}
	case Quantized:
		return []string{"QLinearMatMul"}
	default:
		return nil
	}
}

// CollectLinearTensors returns the first input and first output of every node
// in m whose op type belongs to variant, sorted and without duplicates.
func CollectLinearTensors(m *onnx.Model, variant Variant) []string {
	if m == nil || m.Graph == nil {
		return nil
	}
	ops := variant.OpTypes()
	seen := make(map[string]bool)
	var names []string
	for _, n := range m.Graph.Nodes {
		if !slices.Contains(ops, n.OpType) {
			continue
		}
		for _, name := range []string{first(n.Inputs), first(n.Outputs)} {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// CollectLinearTensorsFile is CollectLinearTensors for the model at path.
func CollectLinearTensorsFile(path string, variant Variant) ([]string, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	return CollectLinearTensors(m, variant), nil
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
