package runtime

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

// kernel computes a node's outputs from its inputs. Absent optional inputs
// are nil. Kernels never modify their inputs.
type kernel func(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error)

var kernels = map[string]kernel{
	"Add":                           binary(func(x, y float32) float32 { return x + y }, func(x, y int64) int64 { return x + y }),
	"Sub":                           binary(func(x, y float32) float32 { return x - y }, func(x, y int64) int64 { return x - y }),
	"Mul":                           binary(func(x, y float32) float32 { return x * y }, func(x, y int64) int64 { return x * y }),
	"Div":                           binary(func(x, y float32) float32 { return x / y }, divInt),
	"Pow":                           binary(powF32, nil),
	"Max":                           binary(func(x, y float32) float32 { return max(x, y) }, func(x, y int64) int64 { return max(x, y) }),
	"Min":                           binary(func(x, y float32) float32 { return min(x, y) }, func(x, y int64) int64 { return min(x, y) }),
	"Sqrt":                          unary(func(x float64) float64 { return math.Sqrt(x) }),
	"Erf":                           unary(math.Erf),
	"Exp":                           unary(math.Exp),
	"Log":                           unary(math.Log),
	"Tanh":                          unary(math.Tanh),
	"Abs":                           unary(math.Abs),
	"Neg":                           unary(func(x float64) float64 { return -x }),
	"Reciprocal":                    unary(func(x float64) float64 { return 1 / x }),
	"Relu":                          unary(func(x float64) float64 { return max(x, 0) }),
	"Sigmoid":                       unary(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }),
	"Identity":                      identity,
	"Constant":                      constant,
	"Cast":                          cast,
	"MatMul":                        matmul,
	"Gemm":                          gemm,
	"Conv":                          conv,
	"LayerNormalization":            layerNorm,
	"Softmax":                       softmax,
	"ReduceSum":                     reduce(reduceSum),
	"ReduceMean":                    reduce(reduceMean),
	"ReduceL2":                      reduce(reduceL2),
	"ReduceMax":                     reduce(reduceMax),
	"Reshape":                       reshape,
	"Flatten":                       flatten,
	"Transpose":                     transpose,
	"Shape":                         shape,
	"Gather":                        gather,
	"Unsqueeze":                     unsqueeze,
	"Squeeze":                       squeeze,
	"Concat":                        concat,
	"Expand":                        expand,
	"QuantizeLinear":                quantizeLinear,
	"DequantizeLinear":              dequantizeLinear,
	"QLinearMatMul":                 qlinearMatMul,
	onnx.MicrosoftDomain + ":QGemm": qgemm,
}

func lookupKernel(domain, opType string) (kernel, bool) {
	key := opType
	if domain != "" && domain != "ai.onnx" {
		key = domain + ":" + opType
	}
	k, ok := kernels[key]
	return k, ok
}

// Supported lists the operators the interpreter implements, qualified by
// domain where it is not the default one.
func Supported() []string {
	ops := make([]string, 0, len(kernels))
	for k := range kernels {
		ops = append(ops, k)
	}
	slices.Sort(ops)
	return ops
}

func single(t *tensor.Tensor) []*tensor.Tensor { return []*tensor.Tensor{t} }

func need(in []*tensor.Tensor, n int) error {
	if len(in) < n {
		return fmt.Errorf("expected at least %d inputs, got %d", n, len(in))
	}
	for i := range n {
		if in[i] == nil {
			return fmt.Errorf("required input %d is missing", i)
		}
	}
	return nil
}

func normAxis(axis int64, rank int) (int, error) {
	a := int(axis)
	if a < 0 {
		a += rank
	}
	if a < 0 || a >= max(rank, 1) {
		return 0, fmt.Errorf("%w: axis %d out of range for rank %d", tensor.ErrShape, axis, rank)
	}
	return a, nil
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func divInt(x, y int64) int64 {
	if y == 0 {
		return 0
	}
	return x / y
}

func powF32(x, y float32) float32 {
	switch y {
	case 2:
		return x * x
	case 1:
		return x
	}
	return float32(math.Pow(float64(x), float64(y)))
}

func binary(ff func(x, y float32) float32, fi func(x, y int64) int64) kernel {
	return func(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if err := need(in, 2); err != nil {
			return nil, err
		}
		a, b := in[0], in[1]
		if a.DType == tensor.Int64 && b.DType == tensor.Int64 && fi != nil {
			out, err := tensor.BinaryI64(a, b, fi)
			if err != nil {
				return nil, err
			}
			return single(out), nil
		}
		if a.DType != tensor.Float32 {
			a = &tensor.Tensor{DType: tensor.Float32, Shape: a.Shape, F32: a.Float32s()}
		}
		if b.DType != tensor.Float32 {
			b = &tensor.Tensor{DType: tensor.Float32, Shape: b.Shape, F32: b.Float32s()}
		}
		out, err := tensor.BinaryF32(a, b, ff)
		if err != nil {
			return nil, err
		}
		return single(out), nil
	}
}

func unary(fn func(float64) float64) kernel {
	return func(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if err := need(in, 1); err != nil {
			return nil, err
		}
		out, err := tensor.MapF32(in[0], func(x float32) float32 { return float32(fn(float64(x))) })
		if err != nil {
			return nil, err
		}
		return single(out), nil
	}
}

func identity(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	return single(in[0]), nil
}

func constant(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if t := n.AttrTensor("value"); t != nil {
		ct, err := tensor.FromProto(t)
		if err != nil {
			return nil, err
		}
		return single(ct), nil
	}
	if a := n.Attr("value_float"); a != nil {
		return single(tensor.Scalar(a.F)), nil
	}
	if a := n.Attr("value_floats"); a != nil {
		return single(tensor.FromFloat32([]int{len(a.Floats)}, slices.Clone(a.Floats))), nil
	}
	if a := n.Attr("value_int"); a != nil {
		return single(tensor.FromInt64([]int{}, []int64{a.I})), nil
	}
	if a := n.Attr("value_ints"); a != nil {
		return single(tensor.FromInt64([]int{len(a.Ints)}, slices.Clone(a.Ints))), nil
	}
	return nil, fmt.Errorf("constant has no supported value attribute")
}

func cast(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	to, err := tensor.DTypeFromONNX(onnx.DataType(n.AttrInt("to", int64(onnx.DataTypeFloat))))
	if err != nil {
		return nil, err
	}
	x := in[0]
	switch to {
	case tensor.Float32:
		return single(&tensor.Tensor{DType: tensor.Float32, Shape: slices.Clone(x.Shape), F32: slices.Clone(x.Float32s())}), nil
	case tensor.Int64:
		return single(&tensor.Tensor{DType: tensor.Int64, Shape: slices.Clone(x.Shape), I64: slices.Clone(x.Int64s())}), nil
	}
	return nil, fmt.Errorf("%w: cast to %s", tensor.ErrDType, to)
}

func matmul(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(in[0], in[1])
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func gemm(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	a, b := in[0], in[1]
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("%w: gemm expects 2-D operands, got %v and %v", tensor.ErrShape, a.Shape, b.Shape)
	}
	if n.AttrInt("transA", 0) != 0 {
		var err error
		if a, err = tensor.Transpose(a, nil); err != nil {
			return nil, err
		}
	}
	transB := n.AttrInt("transB", 0) != 0
	m, k := a.Shape[0], a.Shape[1]
	nn, kb := b.Shape[1], b.Shape[0]
	if transB {
		nn, kb = b.Shape[0], b.Shape[1]
	}
	if k != kb {
		return nil, fmt.Errorf("%w: gemm %v x %v (transB=%v)", tensor.ErrShape, a.Shape, b.Shape, transB)
	}
	out := tensor.New(tensor.Float32, m, nn)
	am := tensor.NewMatFromData(m, k, a.F32)
	bm := tensor.NewMatFromData(b.Shape[0], b.Shape[1], b.F32)
	om := tensor.NewMatFromData(m, nn, out.F32)
	tensor.Gemm(&om, &am, &bm, transB)

	alpha := n.AttrFloat("alpha", 1)
	beta := n.AttrFloat("beta", 1)
	if alpha != 1 {
		for i := range out.F32 {
			out.F32[i] *= alpha
		}
	}
	if len(in) > 2 && in[2] != nil && beta != 0 {
		c := in[2]
		idx := tensor.BroadcastIndex(c.Shape, out.Shape)
		cf := c.Float32s()
		for i := range out.F32 {
			out.F32[i] += beta * cf[idx[i]]
		}
	}
	return single(out), nil
}

// conv implements 2-D convolution with group 1 as im2col followed by a GEMM.
func conv(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x, w := in[0], in[1]
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv supports 2-D inputs only, got %v", tensor.ErrShape, x.Shape)
	}
	if g := n.AttrInt("group", 1); g != 1 {
		return nil, fmt.Errorf("conv group %d is not supported", g)
	}
	if p := n.AttrString("auto_pad", "NOTSET"); p != "NOTSET" {
		return nil, fmt.Errorf("conv auto_pad %s is not supported", p)
	}
	batch, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, wc, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if wc != cin {
		return nil, fmt.Errorf("%w: conv input channels %d, weight expects %d", tensor.ErrShape, cin, wc)
	}
	strides := intsOr(n, "strides", []int{1, 1})
	dil := intsOr(n, "dilations", []int{1, 1})
	pads := intsOr(n, "pads", []int{0, 0, 0, 0})
	oh := (h+pads[0]+pads[2]-dil[0]*(kh-1)-1)/strides[0] + 1
	ow := (wd+pads[1]+pads[3]-dil[1]*(kw-1)-1)/strides[1] + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv output %dx%d", tensor.ErrShape, oh, ow)
	}

	patch := cin * kh * kw
	cols := tensor.NewMat(patch, oh*ow)
	wm := tensor.NewMatFromData(cout, patch, w.F32)
	out := tensor.New(tensor.Float32, batch, cout, oh, ow)
	var bias []float32
	if len(in) > 2 && in[2] != nil {
		bias = in[2].F32
	}
	plane := oh * ow
	for b := range batch {
		img := x.F32[b*cin*h*wd : (b+1)*cin*h*wd]
		for c := range cin {
			for i := range kh {
				for j := range kw {
					row := cols.Row((c*kh+i)*kw + j)
					for y := range oh {
						iy := y*strides[0] - pads[0] + i*dil[0]
						for xx := range ow {
							ix := xx*strides[1] - pads[1] + j*dil[1]
							v := float32(0)
							if iy >= 0 && iy < h && ix >= 0 && ix < wd {
								v = img[(c*h+iy)*wd+ix]
							}
							row[y*ow+xx] = v
						}
					}
				}
			}
		}
		om := tensor.NewMatFromData(cout, plane, out.F32[b*cout*plane:(b+1)*cout*plane])
		// cols is patch x plane; Gemm wants b as k x n.
		tensor.Gemm(&om, &wm, &cols, false)
		if bias != nil {
			for o := range cout {
				row := om.Row(o)
				for i := range row {
					row[i] += bias[o]
				}
			}
		}
	}
	return single(out), nil
}

func intsOr(n *onnx.Node, name string, def []int) []int {
	if v, ok := n.AttrInts(name); ok && len(v) == len(def) {
		return toInts(v)
	}
	return def
}

func layerNorm(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x, scale := in[0], in[1]
	axis, err := normAxis(n.AttrInt("axis", -1), x.Rank())
	if err != nil {
		return nil, err
	}
	eps := float64(n.AttrFloat("epsilon", 1e-5))
	inner := tensor.NumElements(x.Shape[axis:])
	outer := tensor.NumElements(x.Shape[:axis])
	if scale.Len() != inner {
		return nil, fmt.Errorf("%w: layer norm scale %v for normalized size %d", tensor.ErrShape, scale.Shape, inner)
	}
	var bias []float32
	if len(in) > 2 && in[2] != nil {
		bias = in[2].F32
	}
	out := tensor.New(tensor.Float32, x.Shape...)
	for o := range outer {
		row := x.F32[o*inner : (o+1)*inner]
		dst := out.F32[o*inner : (o+1)*inner]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(inner)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(inner)
		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			y := (float64(v) - mean) * inv * float64(scale.F32[i])
			if bias != nil {
				y += float64(bias[i])
			}
			dst[i] = float32(y)
		}
	}
	return single(out), nil
}

func softmax(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axis, err := normAxis(n.AttrInt("axis", -1), x.Rank())
	if err != nil {
		return nil, err
	}
	dim := x.Shape[axis]
	inner := tensor.NumElements(x.Shape[axis+1:])
	outer := tensor.NumElements(x.Shape[:axis])
	out := tensor.New(tensor.Float32, x.Shape...)
	for o := range outer {
		for i := range inner {
			base := o*dim*inner + i
			maxV := math.Inf(-1)
			for d := range dim {
				maxV = max(maxV, float64(x.F32[base+d*inner]))
			}
			var sum float64
			for d := range dim {
				e := math.Exp(float64(x.F32[base+d*inner]) - maxV)
				out.F32[base+d*inner] = float32(e)
				sum += e
			}
			for d := range dim {
				out.F32[base+d*inner] = float32(float64(out.F32[base+d*inner]) / sum)
			}
		}
	}
	return single(out), nil
}

type reducer struct {
	init   float64
	step   func(acc, v float64) float64
	finish func(acc float64, count int) float64
}

var (
	reduceSum = reducer{
		step:   func(acc, v float64) float64 { return acc + v },
		finish: func(acc float64, _ int) float64 { return acc },
	}
	reduceMean = reducer{
		step:   func(acc, v float64) float64 { return acc + v },
		finish: func(acc float64, count int) float64 { return acc / float64(max(count, 1)) },
	}
	reduceL2 = reducer{
		step:   func(acc, v float64) float64 { return acc + v*v },
		finish: func(acc float64, _ int) float64 { return math.Sqrt(acc) },
	}
	reduceMax = reducer{
		init:   math.Inf(-1),
		step:   func(acc, v float64) float64 { return max(acc, v) },
		finish: func(acc float64, _ int) float64 { return acc },
	}
)

// reduce handles both the attribute form of axes (ReduceMean/ReduceL2 before
// opset 18) and the input form (ReduceSum from opset 13).
func reduce(r reducer) kernel {
	return func(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if err := need(in, 1); err != nil {
			return nil, err
		}
		x := in[0]
		var axes []int64
		if a, ok := n.AttrInts("axes"); ok {
			axes = a
		} else if len(in) > 1 && in[1] != nil {
			axes = in[1].Int64s()
		}
		keep := n.AttrInt("keepdims", 1) != 0
		if len(axes) == 0 && n.AttrInt("noop_with_empty_axes", 0) != 0 {
			return single(x), nil
		}
		reduced := make([]bool, x.Rank())
		if len(axes) == 0 {
			for i := range reduced {
				reduced[i] = true
			}
		}
		for _, a := range axes {
			ax, err := normAxis(a, x.Rank())
			if err != nil {
				return nil, err
			}
			reduced[ax] = true
		}

		accShape := slices.Clone(x.Shape)
		var outShape []int
		for i, d := range x.Shape {
			if reduced[i] {
				accShape[i] = 1
				if keep {
					outShape = append(outShape, 1)
				}
				continue
			}
			outShape = append(outShape, d)
		}
		if outShape == nil {
			outShape = []int{}
		}
		count := x.Len() / max(tensor.NumElements(accShape), 1)

		acc := make([]float64, tensor.NumElements(accShape))
		for i := range acc {
			acc[i] = r.init
		}
		accStrides := tensor.Strides(accShape)
		coord := make([]int, x.Rank())
		xf := x.Float32s()
		for i := range xf {
			pos := 0
			for ax, c := range coord {
				if !reduced[ax] {
					pos += c * accStrides[ax]
				}
			}
			acc[pos] = r.step(acc[pos], float64(xf[i]))
			for ax := x.Rank() - 1; ax >= 0; ax-- {
				coord[ax]++
				if coord[ax] < x.Shape[ax] {
					break
				}
				coord[ax] = 0
			}
		}
		out := tensor.New(tensor.Float32, outShape...)
		for i, v := range acc {
			out.F32[i] = float32(r.finish(v, count))
		}
		return single(out), nil
	}
}
