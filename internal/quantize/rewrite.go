package quantize

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

// Suffixes of the tensors introduced for a quantized value.
const (
	QuantizedSuffix = "_quantized"
	ScaleSuffix     = "_scale"
	ZeroPointSuffix = "_zero_point"
)

// qvalue names an integer tensor and its quantization parameters.
type qvalue struct {
	name, scale, zeroPoint string
	scales                 []float32
}

type quantizer struct {
	m      *onnx.Model
	ranges map[string]*Range
	opts   Options

	inits     map[string]*onnx.Tensor
	added     []*onnx.Tensor
	nodes     []*onnx.Node
	quantized map[string]qvalue
	// pending holds outputs of rewritten nodes whose float value has not
	// been materialized yet.
	pending map[string]bool
	count   int
	qgemm   bool
}

func newQuantizer(m *onnx.Model, ranges map[string]*Range, opts Options) *quantizer {
	q := &quantizer{
		m:         m,
		ranges:    ranges,
		opts:      opts,
		inits:     make(map[string]*onnx.Tensor, len(m.Graph.Initializers)),
		quantized: make(map[string]qvalue),
		pending:   make(map[string]bool),
	}
	for _, t := range m.Graph.Initializers {
		q.inits[t.Name] = t
	}
	return q
}

func (q *quantizer) run() error {
	g := q.m.Graph
	info, err := graph.Analyze(g)
	if err != nil {
		return err
	}
	for _, idx := range info.TopoOrder {
		n := g.Nodes[idx]
		ok, err := q.quantizeNode(n)
		if err != nil {
			return fmt.Errorf("quantize node %s: %w", n.Name, err)
		}
		if ok {
			q.count++
			continue
		}
		for _, in := range n.Inputs {
			q.materialize(in)
		}
		q.nodes = append(q.nodes, n)
	}
	for _, out := range g.Outputs {
		q.materialize(out.Name)
	}

	g.Nodes = q.nodes
	g.Initializers = append(g.Initializers, q.added...)
	q.prune()
	if q.qgemm {
		q.m.EnsureOpset(onnx.MicrosoftDomain, 1)
	}
	return nil
}

// materialize emits a DequantizeLinear restoring the float tensor name when
// only its quantized form exists.
func (q *quantizer) materialize(name string) {
	if !q.pending[name] {
		return
	}
	qv := q.quantized[name]
	q.nodes = append(q.nodes, &onnx.Node{
		Name:    name + "_DequantizeLinear",
		OpType:  "DequantizeLinear",
		Inputs:  []string{qv.name, qv.scale, qv.zeroPoint},
		Outputs: []string{name},
	})
	delete(q.pending, name)
}

func (q *quantizer) target(n *onnx.Node) bool {
	return n.Domain == "" && slices.Contains(q.opts.OpTypes, n.OpType)
}

func (q *quantizer) quantizeNode(n *onnx.Node) (bool, error) {
	if !q.target(n) || len(n.Outputs) == 0 {
		return false, nil
	}
	switch n.OpType {
	case "MatMul":
		return q.matMul(n)
	case "Gemm":
		return q.gemm(n)
	}
	return false, nil
}

// calibrated reports whether every activation operand of n has a range.
func (q *quantizer) calibrated(names ...string) bool {
	for _, name := range names {
		if _, ok := q.inits[name]; ok {
			continue
		}
		if _, ok := q.quantized[name]; ok {
			continue
		}
		r, ok := q.ranges[name]
		if !ok || !r.seen {
			return false
		}
	}
	return true
}

// quantizable reports whether operand will succeed for every name. It must
// hold before the first operand call so that no QuantizeLinear is emitted for
// a node that then stays float.
func (q *quantizer) quantizable(names ...string) bool {
	for _, name := range names {
		if _, ok := q.quantized[name]; ok {
			continue
		}
		if p, ok := q.inits[name]; ok && p.DataType != onnx.DataTypeFloat {
			return false
		}
	}
	return true
}

func (q *quantizer) floatInit(name string) (*tensor.Tensor, bool, error) {
	p, ok := q.inits[name]
	if !ok {
		return nil, false, nil
	}
	t, err := tensor.FromProto(p)
	if err != nil {
		return nil, false, err
	}
	return t, t.DType == tensor.Float32, nil
}

func (q *quantizer) matMul(n *onnx.Node) (bool, error) {
	a, b, y := n.Inputs[0], n.Inputs[1], n.Outputs[0]
	if !q.calibrated(a, b, y) || !q.quantizable(a, b) {
		return false, nil
	}
	qa, err := q.operand(a, -1)
	if err != nil {
		return false, err
	}
	axis := -1
	if q.opts.PerChannel {
		axis = 1
	}
	qb, err := q.operand(b, axis)
	if err != nil {
		return false, err
	}
	if qa == nil || qb == nil {
		return false, nil
	}
	qy := q.output(y)
	q.nodes = append(q.nodes, &onnx.Node{
		Name:   n.Name + "_quant",
		OpType: "QLinearMatMul",
		Inputs: []string{
			qa.name, qa.scale, qa.zeroPoint,
			qb.name, qb.scale, qb.zeroPoint,
			qy.scale, qy.zeroPoint,
		},
		Outputs: []string{qy.name},
	})
	return true, nil
}

func (q *quantizer) gemm(n *onnx.Node) (bool, error) {
	a, b, y := n.Inputs[0], n.Inputs[1], n.Outputs[0]
	if _, ok := q.inits[b]; !ok {
		return false, nil
	}
	var c string
	if len(n.Inputs) > 2 {
		c = n.Inputs[2]
		if _, ok := q.inits[c]; c != "" && !ok {
			return false, nil
		}
	}
	if !q.calibrated(a, y) || !q.quantizable(a, b) {
		return false, nil
	}
	qa, err := q.operand(a, -1)
	if err != nil {
		return false, err
	}
	transB := n.AttrInt("transB", 0) != 0
	axis := -1
	if q.opts.PerChannel {
		axis = 1
		if transB {
			axis = 0
		}
	}
	qb, err := q.operand(b, axis)
	if err != nil {
		return false, err
	}
	if qa == nil || qb == nil {
		return false, nil
	}
	var bias string
	if c != "" {
		if bias, err = q.bias(c, qa, qb, n.AttrFloat("beta", 1)); err != nil {
			return false, err
		}
	}
	qy := q.output(y)
	q.nodes = append(q.nodes, &onnx.Node{
		Name:   n.Name + "_quant",
		OpType: "QGemm",
		Domain: onnx.MicrosoftDomain,
		Inputs: []string{
			qa.name, qa.scale, qa.zeroPoint,
			qb.name, qb.scale, qb.zeroPoint,
			bias, qy.scale, qy.zeroPoint,
		},
		Outputs: []string{qy.name},
		Attributes: []*onnx.Attribute{
			onnx.FloatAttr("alpha", n.AttrFloat("alpha", 1)),
			onnx.IntAttr("transA", n.AttrInt("transA", 0)),
			onnx.IntAttr("transB", n.AttrInt("transB", 0)),
		},
	})
	q.qgemm = true
	return true, nil
}

// operand returns the quantized form of name. Initializers are quantized as
// weights, per channel along axis when axis >= 0; other tensors get a shared
// QuantizeLinear. A nil result means name cannot be quantized.
func (q *quantizer) operand(name string, axis int) (*qvalue, error) {
	if qv, ok := q.quantized[name]; ok {
		return &qv, nil
	}
	w, isFloat, err := q.floatInit(name)
	if err != nil {
		return nil, err
	}
	if w != nil {
		if !isFloat {
			return nil, nil
		}
		return q.weight(name, w, axis)
	}

	p := q.activationParams(name)
	qv := q.register(name, p)
	q.nodes = append(q.nodes, &onnx.Node{
		Name:    name + "_QuantizeLinear",
		OpType:  "QuantizeLinear",
		Inputs:  []string{name, qv.scale, qv.zeroPoint},
		Outputs: []string{qv.name},
	})
	return &qv, nil
}

// output registers the quantized form of a rewritten node's output. Its float
// name is produced on demand by materialize.
func (q *quantizer) output(name string) qvalue {
	qv := q.register(name, q.activationParams(name))
	q.pending[name] = true
	return qv
}

func (q *quantizer) activationParams(name string) quant.Params {
	r := q.ranges[name]
	qmin, qmax := q.opts.ActivationType.Range(false, q.opts.ActivationSymmetric)
	return quant.ComputeParams(r.Min, r.Max, qmin, qmax, q.opts.ActivationSymmetric)
}

// register adds scalar scale and zero point initializers for name.
func (q *quantizer) register(name string, p quant.Params) qvalue {
	qv := qvalue{
		name:      name + QuantizedSuffix,
		scale:     name + ScaleSuffix,
		zeroPoint: name + ZeroPointSuffix,
		scales:    []float32{p.Scale},
	}
	q.addInit(qv.scale, tensor.Scalar(p.Scale))
	q.addInit(qv.zeroPoint, intTensor(q.opts.ActivationType, []int{}, []int32{p.ZeroPoint}))
	q.quantized[name] = qv
	return qv
}

func (q *quantizer) weight(name string, w *tensor.Tensor, axis int) (*qvalue, error) {
	qmin, qmax := q.opts.WeightType.Range(q.opts.ReduceRange, q.opts.WeightSymmetric)
	if axis >= 0 && w.Rank() != 2 {
		axis = -1
	}

	var params []quant.Params
	if axis < 0 {
		lo, hi := quant.MinMax(w.F32)
		params = []quant.Params{quant.ComputeParams(lo, hi, qmin, qmax, q.opts.WeightSymmetric)}
	} else {
		cols := w.Shape[1]
		params = make([]quant.Params, w.Shape[axis])
		vals := make([]float32, w.Shape[1-axis])
		for c := range params {
			for i := range vals {
				if axis == 0 {
					vals[i] = w.F32[c*cols+i]
				} else {
					vals[i] = w.F32[i*cols+c]
				}
			}
			lo, hi := quant.MinMax(vals)
			params[c] = quant.ComputeParams(lo, hi, qmin, qmax, q.opts.WeightSymmetric)
		}
	}

	quantized := make([]int32, len(w.F32))
	cols := 1
	if w.Rank() == 2 {
		cols = w.Shape[1]
	}
	for i, v := range w.F32 {
		p := params[0]
		switch axis {
		case 0:
			p = params[i/cols]
		case 1:
			p = params[i%cols]
		}
		quantized[i] = p.Quantize(v, qmin, qmax)
	}

	scales := make([]float32, len(params))
	zps := make([]int32, len(params))
	for i, p := range params {
		scales[i], zps[i] = p.Scale, p.ZeroPoint
	}
	qv := qvalue{name: name + QuantizedSuffix, scale: name + ScaleSuffix, zeroPoint: name + ZeroPointSuffix, scales: scales}
	shape := []int{}
	if axis >= 0 {
		shape = []int{len(params)}
	}
	q.addInit(qv.name, intTensor(q.opts.WeightType, w.Shape, quantized))
	q.addInit(qv.scale, tensor.FromFloat32(shape, scales))
	q.addInit(qv.zeroPoint, intTensor(q.opts.WeightType, shape, zps))
	q.quantized[name] = qv
	return &qv, nil
}

// bias quantizes a Gemm bias to int32 with scale a_scale * w_scale and zero
// point 0.
func (q *quantizer) bias(name string, qa, qb *qvalue, beta float32) (string, error) {
	b, isFloat, err := q.floatInit(name)
	if err != nil {
		return "", err
	}
	if !isFloat {
		return "", fmt.Errorf("bias %s is %s, want float32", name, b.DType)
	}
	aScale := qa.scales[0]
	out := tensor.New(tensor.Int32, b.Shape...)
	for i, v := range b.F32 {
		s := qb.scales[0]
		if len(qb.scales) > 1 {
			s = qb.scales[i%len(qb.scales)]
		}
		r := float64(quant.RoundHalfEven(beta * v / (aScale * s)))
		out.I32[i] = int32(math.Max(math.MinInt32, math.Min(math.MaxInt32, r)))
	}
	qname := name + QuantizedSuffix
	q.addInit(qname, out)
	return qname, nil
}

func (q *quantizer) addInit(name string, t *tensor.Tensor) {
	q.added = append(q.added, tensor.ToProto(name, t))
}

// prune drops initializers and value_info that no node references anymore.
func (q *quantizer) prune() {
	g := q.m.Graph
	used := make(map[string]bool)
	produced := make(map[string]bool)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			used[in] = true
		}
		for _, out := range n.Outputs {
			produced[out] = true
		}
	}
	for _, vi := range g.Outputs {
		used[vi.Name] = true
	}
	g.Initializers = slices.DeleteFunc(g.Initializers, func(t *onnx.Tensor) bool { return !used[t.Name] })
	g.ValueInfo = slices.DeleteFunc(g.ValueInfo, func(vi *onnx.ValueInfo) bool { return !produced[vi.Name] })
}

func intTensor(t quant.Type, shape []int, vals []int32) *tensor.Tensor {
	if t == quant.QUInt8 {
		out := tensor.New(tensor.Uint8, shape...)
		for i, v := range vals {
			out.U8[i] = uint8(v)
		}
		return out
	}
	out := tensor.New(tensor.Int8, shape...)
	for i, v := range vals {
		out.I8[i] = int8(v)
	}
	return out
}
