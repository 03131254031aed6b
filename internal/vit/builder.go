package vit

import (
	"fmt"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

// builder appends nodes to a graph using the naming scheme of the PyTorch
// exporter: nodes are called <scope>/<Op> with _1, _2, ... suffixes per
// scope and op type, and a node's single output is <node>_output_0.
type builder struct {
	g       *onnx.Graph
	model   *Model
	counts  map[string]int
	weights int
	added   map[string]bool
}

func newBuilder(m *Model, name string) *builder {
	return &builder{
		g:      &onnx.Graph{Name: name},
		model:  m,
		counts: make(map[string]int),
		added:  make(map[string]bool),
	}
}

func (b *builder) nodeName(scope, opType string) string {
	key := scope + "/" + opType
	c := b.counts[key]
	b.counts[key] = c + 1
	if c == 0 {
		return key
	}
	return fmt.Sprintf("%s_%d", key, c)
}

// op appends a node and returns the name of its output.
func (b *builder) op(scope, opType string, inputs []string, attrs ...*onnx.Attribute) string {
	name := b.nodeName(scope, opType)
	out := name + "_output_0"
	b.g.Nodes = append(b.g.Nodes, &onnx.Node{
		Name:       name,
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

// opNamed is op with an explicit output name, used for graph outputs.
func (b *builder) opNamed(scope, opType, out string, inputs []string, attrs ...*onnx.Attribute) string {
	b.g.Nodes = append(b.g.Nodes, &onnx.Node{
		Name:       b.nodeName(scope, opType),
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

func (b *builder) constant(scope string, t *tensor.Tensor) string {
	return b.op(scope, "Constant", nil, onnx.TensorAttr("value", tensor.ToProto("", t)))
}

func (b *builder) constInts(scope string, vals ...int64) string {
	return b.constant(scope, tensor.FromInt64([]int{len(vals)}, vals))
}

func (b *builder) constIndex(scope string, v int64) string {
	return b.constant(scope, tensor.FromInt64([]int{}, []int64{v}))
}

func (b *builder) constFloat(scope string, v float32) string {
	return b.constant(scope, tensor.Scalar(v))
}

// param registers the model parameter name as an initializer and returns the
// graph name it is known by.
func (b *builder) param(name string) (string, error) {
	gname := "model." + name
	if b.added[gname] {
		return gname, nil
	}
	t := b.model.Param(name)
	if t == nil {
		return "", fmt.Errorf("%w: missing parameter %s", ErrInvalidParam, name)
	}
	b.g.Initializers = append(b.g.Initializers, tensor.ToProto(gname, t))
	b.added[gname] = true
	return gname, nil
}

// linear emits x @ W^T + bias as MatMul followed by Add, storing the
// transposed weight under an exporter-style anonymous name.
func (b *builder) linear(scope, x, prefix string) (string, error) {
	w := b.model.Param(prefix + ".weight")
	if w == nil {
		return "", fmt.Errorf("%w: missing parameter %s.weight", ErrInvalidParam, prefix)
	}
	wt, err := tensor.Transpose(w, []int{1, 0})
	if err != nil {
		return "", err
	}
	b.weights++
	wname := fmt.Sprintf("onnx::MatMul_%d", b.weights)
	b.g.Initializers = append(b.g.Initializers, tensor.ToProto(wname, wt))
	bias, err := b.param(prefix + ".bias")
	if err != nil {
		return "", err
	}
	h := b.op(scope, "MatMul", []string{x, wname})
	return b.op(scope, "Add", []string{bias, h}), nil
}

func (b *builder) layerNorm(scope, x, prefix string) (string, error) {
	w, err := b.param(prefix + ".weight")
	if err != nil {
		return "", err
	}
	bias, err := b.param(prefix + ".bias")
	if err != nil {
		return "", err
	}
	return b.op(scope, "LayerNormalization", []string{x, w, bias},
		onnx.IntAttr("axis", -1),
		onnx.FloatAttr("epsilon", b.model.Config.Eps),
	), nil
}

// gelu emits the exact erf form 0.5 * x * (1 + erf(x / sqrt(2))).
func (b *builder) gelu(scope, x string) string {
	d := b.op(scope, "Div", []string{x, b.constFloat(scope, 1.4142135)})
	e := b.op(scope, "Erf", []string{d})
	e = b.op(scope, "Add", []string{e, b.constFloat(scope, 1)})
	y := b.op(scope, "Mul", []string{x, e})
	return b.op(scope, "Mul", []string{y, b.constFloat(scope, 0.5)})
}
