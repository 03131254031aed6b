package graph

import (
	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Default landmark tensors produced by the exporter: the token sequence after
// the position embedding is added, and the first residual sum of block 0.
const (
	DefaultBlockInput  = "/model/Add_output_0"
	DefaultBlockOutput = "/model/blocks/blocks.0/Add_output_0"
)

// Landmarks names the boundary tensors of the attention region that is
// extracted and inspected.
type Landmarks struct {
	BlockInput  string `yaml:"block_input"`
	BlockOutput string `yaml:"block_output"`
}

// DefaultLandmarks returns the landmarks of an exported ViT.
func DefaultLandmarks() Landmarks {
	return Landmarks{BlockInput: DefaultBlockInput, BlockOutput: DefaultBlockOutput}
}

// Resolve checks that both landmarks name tensors of m. Empty fields take
// their default first.
func (l Landmarks) Resolve(m *onnx.Model) (Landmarks, error) {
	if l.BlockInput == "" {
		l.BlockInput = DefaultBlockInput
	}
	if l.BlockOutput == "" {
		l.BlockOutput = DefaultBlockOutput
	}
	if m == nil || m.Graph == nil {
		return l, onnx.ErrNoGraph
	}
	names := TensorNames(m.Graph)
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	if !known[l.BlockInput] {
		return l, &unknownTensorError{name: l.BlockInput, role: "block input", available: names}
	}
	if !known[l.BlockOutput] {
		return l, &unknownTensorError{name: l.BlockOutput, role: "block output", available: names}
	}
	return l, nil
}
