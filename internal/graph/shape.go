package graph

import (
	"slices"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

// InferShapes runs basic (non-symbolic) shape inference over m and records
// the element type and shape of every intermediate tensor it can determine in
// the graph's value_info. Existing value_info entries for tensors the pass
// cannot infer are kept. Symbolic dimensions are propagated by name only; no
// arithmetic on them is attempted.
func InferShapes(m *onnx.Model) error {
	g := m.Graph
	gi, err := Analyze(g)
	if err != nil {
		return err
	}

	env := &shapeEnv{
		types:  make(map[string]*onnx.TensorType),
		consts: make(map[string]*tensor.Tensor),
	}
	for _, t := range g.Initializers {
		dims := make([]onnx.Dim, len(t.Dims))
		for i, d := range t.Dims {
			dims[i] = onnx.DimValue(d)
		}
		env.types[t.Name] = &onnx.TensorType{ElemType: t.DataType, Shape: &onnx.Shape{Dims: dims}}
		if len(t.Dims) <= 1 && (t.DataType == onnx.DataTypeInt64 || t.DataType == onnx.DataTypeInt32) {
			if ct, err := tensor.FromProto(t); err == nil {
				env.consts[t.Name] = ct
			}
		}
	}
	for _, vi := range g.Inputs {
		if vi.Type != nil {
			env.types[vi.Name] = vi.Type
		}
	}

	inferred := make(map[string]*onnx.TensorType)
	for _, idx := range gi.TopoOrder {
		n := g.Nodes[idx]
		outs := env.infer(n)
		for i, tt := range outs {
			if i >= len(n.Outputs) || n.Outputs[i] == "" || tt == nil {
				continue
			}
			env.types[n.Outputs[i]] = tt
			inferred[n.Outputs[i]] = tt
		}
	}

	skip := make(map[string]bool)
	for _, vi := range g.Inputs {
		skip[vi.Name] = true
	}
	for _, vi := range g.Outputs {
		skip[vi.Name] = true
		if vi.Type == nil {
			if tt, ok := inferred[vi.Name]; ok {
				vi.Type = tt
			}
		}
	}
	for _, t := range g.Initializers {
		skip[t.Name] = true
	}

	existing := make(map[string]*onnx.ValueInfo, len(g.ValueInfo))
	for _, vi := range g.ValueInfo {
		existing[vi.Name] = vi
	}
	var valueInfo []*onnx.ValueInfo
	for _, idx := range gi.TopoOrder {
		for _, out := range g.Nodes[idx].Outputs {
			if out == "" || skip[out] {
				continue
			}
			skip[out] = true
			if tt, ok := inferred[out]; ok {
				valueInfo = append(valueInfo, &onnx.ValueInfo{Name: out, Type: tt})
			} else if vi, ok := existing[out]; ok {
				valueInfo = append(valueInfo, vi)
			}
		}
	}
	g.ValueInfo = valueInfo
	return nil
}

type shapeEnv struct {
	types  map[string]*onnx.TensorType
	consts map[string]*tensor.Tensor
}

func (e *shapeEnv) input(n *onnx.Node, i int) *onnx.TensorType {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil
	}
	return e.types[n.Inputs[i]]
}

func (e *shapeEnv) dims(n *onnx.Node, i int) ([]onnx.Dim, bool) {
	tt := e.input(n, i)
	if tt == nil || tt.Shape == nil {
		return nil, false
	}
	return knownDims(tt.Shape), true
}

func (e *shapeEnv) constInts(n *onnx.Node, i int) ([]int64, bool) {
	if i >= len(n.Inputs) {
		return nil, false
	}
	c, ok := e.consts[n.Inputs[i]]
	if !ok {
		return nil, false
	}
	return c.Int64s(), true
}

// typed builds a tensor type. nil dims leave the rank unknown; an empty
// non-nil slice is a scalar.
func typed(elem onnx.DataType, dims []onnx.Dim) *onnx.TensorType {
	if dims == nil {
		return &onnx.TensorType{ElemType: elem}
	}
	return &onnx.TensorType{ElemType: elem, Shape: &onnx.Shape{Dims: dims}}
}

// knownDims returns the dims of a shape whose rank is known, never nil, so a
// scalar stays distinguishable from a missing shape.
func knownDims(s *onnx.Shape) []onnx.Dim {
	if s.Dims == nil {
		return []onnx.Dim{}
	}
	return s.Dims
}

func unknownDims(rank int) []onnx.Dim {
	return make([]onnx.Dim, rank)
}

func normAxis(axis int64, rank int) int {
	if axis < 0 {
		axis += int64(rank)
	}
	return int(axis)
}

// broadcastDims merges two shapes numpy-style, keeping symbolic names when
// both sides agree.
func broadcastDims(a, b []onnx.Dim) []onnx.Dim {
	n := max(len(a), len(b))
	out := make([]onnx.Dim, n)
	for i := range n {
		var da, db onnx.Dim
		hasA, hasB := false, false
		if j := len(a) - n + i; j >= 0 {
			da, hasA = a[j], true
		}
		if j := len(b) - n + i; j >= 0 {
			db, hasB = b[j], true
		}
		switch {
		case !hasA:
			out[i] = db
		case !hasB:
			out[i] = da
		case da.Known() && da.Value == 1:
			out[i] = db
		case db.Known() && db.Value == 1:
			out[i] = da
		case da == db:
			out[i] = da
		case da == (onnx.Dim{}):
			out[i] = db
		case db == (onnx.Dim{}):
			out[i] = da
		case da.Known() && !db.Known():
			out[i] = da
		case db.Known() && !da.Known():
			out[i] = db
		default:
			out[i] = onnx.Dim{}
		}
	}
	return out
}

func (e *shapeEnv) infer(n *onnx.Node) []*onnx.TensorType {
	in0 := e.input(n, 0)
	switch n.OpType {
	case "Identity", "Erf", "Sqrt", "Relu", "Sigmoid", "Tanh", "Softmax", "Neg", "Abs", "Exp", "Log", "Reciprocal", "Gelu":
		if in0 == nil {
			return nil
		}
		return []*onnx.TensorType{in0}

	case "Cast":
		if in0 == nil {
			return nil
		}
		return []*onnx.TensorType{typed(onnx.DataType(n.AttrInt("to", int64(onnx.DataTypeFloat))), shapeOf(in0))}

	case "Add", "Sub", "Mul", "Div", "Pow", "Max", "Min":
		a, okA := e.dims(n, 0)
		b, okB := e.dims(n, 1)
		if in0 == nil {
			return nil
		}
		if !okA || !okB {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		return []*onnx.TensorType{typed(in0.ElemType, broadcastDims(a, b))}

	case "LayerNormalization":
		if in0 == nil {
			return nil
		}
		return []*onnx.TensorType{in0}

	case "MatMul":
		a, okA := e.dims(n, 0)
		b, okB := e.dims(n, 1)
		if in0 == nil {
			return nil
		}
		return []*onnx.TensorType{typed(in0.ElemType, matmulDims(a, okA, b, okB))}

	case "QLinearMatMul":
		a, okA := e.dims(n, 0)
		b, okB := e.dims(n, 3)
		elem := onnx.DataTypeUint8
		if zp := e.input(n, 7); zp != nil {
			elem = zp.ElemType
		}
		return []*onnx.TensorType{typed(elem, matmulDims(a, okA, b, okB))}

	case "QuantizeLinear":
		elem := onnx.DataTypeUint8
		if zp := e.input(n, 2); zp != nil {
			elem = zp.ElemType
		}
		if in0 == nil {
			return []*onnx.TensorType{typed(elem, nil)}
		}
		return []*onnx.TensorType{typed(elem, shapeOf(in0))}

	case "DequantizeLinear":
		if in0 == nil {
			return []*onnx.TensorType{typed(onnx.DataTypeFloat, nil)}
		}
		return []*onnx.TensorType{typed(onnx.DataTypeFloat, shapeOf(in0))}

	case "Gemm":
		a, okA := e.dims(n, 0)
		b, okB := e.dims(n, 1)
		if in0 == nil {
			return nil
		}
		if !okA || !okB || len(a) != 2 || len(b) != 2 {
			return []*onnx.TensorType{typed(in0.ElemType, unknownDims(2))}
		}
		m := a[0]
		if n.AttrInt("transA", 0) != 0 {
			m = a[1]
		}
		nn := b[1]
		if n.AttrInt("transB", 0) != 0 {
			nn = b[0]
		}
		return []*onnx.TensorType{typed(in0.ElemType, []onnx.Dim{m, nn})}

	case "Conv":
		return e.inferConv(n)

	case "Reshape":
		return e.inferReshape(n)

	case "Flatten":
		d, ok := e.dims(n, 0)
		if in0 == nil {
			return nil
		}
		if !ok {
			return []*onnx.TensorType{typed(in0.ElemType, unknownDims(2))}
		}
		axis := normAxis(n.AttrInt("axis", 1), len(d))
		if axis < 0 || axis > len(d) {
			return []*onnx.TensorType{typed(in0.ElemType, unknownDims(2))}
		}
		return []*onnx.TensorType{typed(in0.ElemType, []onnx.Dim{productDim(d[:axis]), productDim(d[axis:])})}

	case "Transpose":
		d, ok := e.dims(n, 0)
		if in0 == nil {
			return nil
		}
		if !ok {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		perm, has := n.AttrInts("perm")
		out := make([]onnx.Dim, len(d))
		for i := range d {
			if has {
				out[i] = d[perm[i]]
			} else {
				out[i] = d[len(d)-1-i]
			}
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Gather":
		d, okD := e.dims(n, 0)
		idx, okI := e.dims(n, 1)
		if in0 == nil {
			return nil
		}
		if !okD || !okI {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		axis := normAxis(n.AttrInt("axis", 0), len(d))
		if axis < 0 || axis >= len(d) {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		// A scalar index drops the gathered axis entirely.
		out := make([]onnx.Dim, 0, len(d)-1+len(idx))
		out = append(out, d[:axis]...)
		out = append(out, idx...)
		out = append(out, d[axis+1:]...)
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Shape":
		d, ok := e.dims(n, 0)
		if !ok {
			return []*onnx.TensorType{typed(onnx.DataTypeInt64, unknownDims(1))}
		}
		return []*onnx.TensorType{typed(onnx.DataTypeInt64, []onnx.Dim{onnx.DimValue(int64(len(d)))})}

	case "Unsqueeze":
		d, ok := e.dims(n, 0)
		if in0 == nil {
			return nil
		}
		axes, hasAxes := e.axes(n)
		if !ok || !hasAxes {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		rank := len(d) + len(axes)
		insert := make(map[int]bool, len(axes))
		for _, a := range axes {
			insert[normAxis(a, rank)] = true
		}
		out := make([]onnx.Dim, 0, rank)
		j := 0
		for i := range rank {
			if insert[i] {
				out = append(out, onnx.DimValue(1))
				continue
			}
			out = append(out, d[j])
			j++
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Squeeze":
		d, ok := e.dims(n, 0)
		if in0 == nil {
			return nil
		}
		if !ok {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		axes, hasAxes := e.axes(n)
		drop := make(map[int]bool)
		for _, a := range axes {
			drop[normAxis(a, len(d))] = true
		}
		var out []onnx.Dim
		for i, dim := range d {
			if hasAxes && drop[i] {
				continue
			}
			if !hasAxes && dim.Known() && dim.Value == 1 {
				continue
			}
			out = append(out, dim)
		}
		if out == nil {
			out = []onnx.Dim{}
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Concat":
		if in0 == nil {
			return nil
		}
		first, ok := e.dims(n, 0)
		if !ok {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		axis := normAxis(n.AttrInt("axis", 0), len(first))
		if axis < 0 || axis >= len(first) {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		out := slices.Clone(first)
		total := int64(0)
		known := true
		for i := range n.Inputs {
			d, ok := e.dims(n, i)
			if !ok || len(d) != len(first) {
				return []*onnx.TensorType{typed(in0.ElemType, unknownDims(len(first)))}
			}
			if d[axis].Known() {
				total += d[axis].Value
			} else {
				known = false
			}
			for ax := range out {
				if ax != axis {
					out[ax] = broadcastDims([]onnx.Dim{out[ax]}, []onnx.Dim{d[ax]})[0]
				}
			}
		}
		if known {
			out[axis] = onnx.DimValue(total)
		} else {
			out[axis] = onnx.Dim{}
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Expand":
		if in0 == nil {
			return nil
		}
		d, ok := e.dims(n, 0)
		if shape, isConst := e.constInts(n, 1); isConst && ok {
			sd := make([]onnx.Dim, len(shape))
			for i, v := range shape {
				sd[i] = onnx.DimValue(v)
			}
			return []*onnx.TensorType{typed(in0.ElemType, broadcastDims(d, sd))}
		}
		sdims, okS := e.dims(n, 1)
		if !ok || !okS || len(sdims) != 1 || !sdims[0].Known() {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		rank := int(sdims[0].Value)
		out := unknownDims(rank)
		for i := range rank {
			if j := len(d) - rank + i; j >= 0 && !(d[j].Known() && d[j].Value == 1) {
				out[i] = d[j]
			}
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "ReduceSum", "ReduceMean", "ReduceL2", "ReduceMax", "ReduceMin":
		if in0 == nil {
			return nil
		}
		d, ok := e.dims(n, 0)
		if !ok {
			return []*onnx.TensorType{typed(in0.ElemType, nil)}
		}
		axes, hasAxes := e.axes(n)
		keep := n.AttrInt("keepdims", 1) != 0
		reduce := make(map[int]bool)
		for _, a := range axes {
			reduce[normAxis(a, len(d))] = true
		}
		out := []onnx.Dim{}
		for i, dim := range d {
			if !hasAxes || reduce[i] {
				if keep {
					out = append(out, onnx.DimValue(1))
				}
				continue
			}
			out = append(out, dim)
		}
		return []*onnx.TensorType{typed(in0.ElemType, out)}

	case "Constant":
		t := n.AttrTensor("value")
		if t == nil {
			return nil
		}
		if len(n.Outputs) > 0 && len(t.Dims) <= 1 && t.DataType == onnx.DataTypeInt64 {
			if ct, err := tensor.FromProto(t); err == nil {
				e.consts[n.Outputs[0]] = ct
			}
		}
		dims := make([]onnx.Dim, len(t.Dims))
		for i, v := range t.Dims {
			dims[i] = onnx.DimValue(v)
		}
		return []*onnx.TensorType{typed(t.DataType, dims)}
	}
	return nil
}

// axes reads reduction/unsqueeze axes from the attribute (older opsets) or
// from the constant second input (opset 13+).
func (e *shapeEnv) axes(n *onnx.Node) ([]int64, bool) {
	if a, ok := n.AttrInts("axes"); ok {
		return a, true
	}
	return e.constInts(n, 1)
}

func shapeOf(tt *onnx.TensorType) []onnx.Dim {
	if tt == nil || tt.Shape == nil {
		return nil
	}
	return knownDims(tt.Shape)
}

func matmulDims(a []onnx.Dim, okA bool, b []onnx.Dim, okB bool) []onnx.Dim {
	if !okA || !okB || len(a) < 2 || len(b) < 2 {
		return nil
	}
	batch := broadcastDims(a[:len(a)-2], b[:len(b)-2])
	return append(batch, a[len(a)-2], b[len(b)-1])
}

func productDim(d []onnx.Dim) onnx.Dim {
	p := int64(1)
	for _, dim := range d {
		if !dim.Known() {
			return onnx.Dim{}
		}
		p *= dim.Value
	}
	return onnx.DimValue(p)
}

func (e *shapeEnv) inferConv(n *onnx.Node) []*onnx.TensorType {
	in0 := e.input(n, 0)
	x, okX := e.dims(n, 0)
	w, okW := e.dims(n, 1)
	if in0 == nil {
		return nil
	}
	if !okX || !okW || len(x) < 3 || len(w) != len(x) {
		return []*onnx.TensorType{typed(in0.ElemType, nil)}
	}
	spatial := len(x) - 2
	strides := defaultInts(n, "strides", spatial, 1)
	dilations := defaultInts(n, "dilations", spatial, 1)
	pads := defaultInts(n, "pads", 2*spatial, 0)
	out := []onnx.Dim{x[0], w[0]}
	for i := range spatial {
		in := x[2+i]
		k := w[2+i]
		if !in.Known() || !k.Known() {
			out = append(out, onnx.Dim{})
			continue
		}
		eff := dilations[i]*(k.Value-1) + 1
		v := (in.Value+pads[i]+pads[i+spatial]-eff)/strides[i] + 1
		out = append(out, onnx.DimValue(v))
	}
	return []*onnx.TensorType{typed(in0.ElemType, out)}
}

func defaultInts(n *onnx.Node, name string, count int, def int64) []int64 {
	if v, ok := n.AttrInts(name); ok && len(v) == count {
		return v
	}
	out := make([]int64, count)
	for i := range out {
		out[i] = def
	}
	return out
}

func (e *shapeEnv) inferReshape(n *onnx.Node) []*onnx.TensorType {
	in0 := e.input(n, 0)
	if in0 == nil {
		return nil
	}
	target, ok := e.constInts(n, 1)
	if !ok {
		if sd, okS := e.dims(n, 1); okS && len(sd) == 1 && sd[0].Known() {
			return []*onnx.TensorType{typed(in0.ElemType, unknownDims(int(sd[0].Value)))}
		}
		return []*onnx.TensorType{typed(in0.ElemType, nil)}
	}
	d, okD := e.dims(n, 0)
	out := make([]onnx.Dim, len(target))
	inferAt := -1
	for i, v := range target {
		switch {
		case v == 0 && okD && i < len(d):
			out[i] = d[i]
		case v == -1:
			inferAt = i
		case v > 0:
			out[i] = onnx.DimValue(v)
		}
	}
	if inferAt >= 0 && okD {
		// -1 resolves only when the remaining input volume is known, treating
		// identical symbolic dims on both sides as cancelling.
		remaining := slices.Clone(d)
		var outKnown int64 = 1
		resolvable := true
		for i, dim := range out {
			if i == inferAt {
				continue
			}
			switch {
			case dim.Known():
				outKnown *= dim.Value
			case dim.Symbolic():
				idx := slices.Index(remaining, dim)
				if idx < 0 {
					resolvable = false
				} else {
					remaining = slices.Delete(remaining, idx, idx+1)
				}
			default:
				resolvable = false
			}
		}
		vol := productDim(remaining)
		if resolvable && vol.Known() && outKnown > 0 {
			out[inferAt] = onnx.DimValue(vol.Value / outKnown)
		}
	}
	return []*onnx.TensorType{typed(in0.ElemType, out)}
}
