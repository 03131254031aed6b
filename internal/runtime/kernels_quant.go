package runtime

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

// qrange returns the integer bounds of a quantized dtype.
func qrange(dt tensor.DType) (int32, int32, error) {
	switch dt {
	case tensor.Int8:
		return -128, 127, nil
	case tensor.Uint8:
		return 0, 255, nil
	case tensor.Int32:
		return -1 << 31, 1<<31 - 1, nil
	}
	return 0, 0, fmt.Errorf("%w: %s is not a quantized type", tensor.ErrDType, dt)
}

func int32s(t *tensor.Tensor) []int32 {
	switch t.DType {
	case tensor.Int32:
		return t.I32
	case tensor.Int8:
		out := make([]int32, len(t.I8))
		for i, v := range t.I8 {
			out[i] = int32(v)
		}
		return out
	case tensor.Uint8:
		out := make([]int32, len(t.U8))
		for i, v := range t.U8 {
			out[i] = int32(v)
		}
		return out
	}
	out := make([]int32, t.Len())
	for i, v := range t.Int64s() {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(dt tensor.DType, shape []int, vals []int32) *tensor.Tensor {
	out := tensor.New(dt, shape...)
	switch dt {
	case tensor.Int8:
		for i, v := range vals {
			out.I8[i] = int8(v)
		}
	case tensor.Uint8:
		for i, v := range vals {
			out.U8[i] = uint8(v)
		}
	case tensor.Int32:
		copy(out.I32, vals)
	}
	return out
}

// paramsAt describes per-tensor or per-axis quantization parameters. For a
// per-axis tensor, the parameter of element i is chosen by its coordinate on
// axis.
type paramsAt struct {
	scales []float32
	zps    []int32
	axis   int
	inner  int
	dim    int
}

func newParamsAt(x, scale, zp *tensor.Tensor, axisAttr int64) (paramsAt, error) {
	p := paramsAt{scales: scale.Float32s()}
	if zp != nil {
		p.zps = int32s(zp)
	} else {
		p.zps = make([]int32, len(p.scales))
	}
	if len(p.zps) != len(p.scales) {
		return p, fmt.Errorf("%w: %d scales with %d zero points", tensor.ErrShape, len(p.scales), len(p.zps))
	}
	if len(p.scales) <= 1 {
		return p, nil
	}
	axis, err := normAxis(axisAttr, x.Rank())
	if err != nil {
		return p, err
	}
	if x.Shape[axis] != len(p.scales) {
		return p, fmt.Errorf("%w: %d scales for axis %d of %v", tensor.ErrShape, len(p.scales), axis, x.Shape)
	}
	p.axis = axis
	p.dim = x.Shape[axis]
	p.inner = tensor.NumElements(x.Shape[axis+1:])
	return p, nil
}

func (p paramsAt) at(i int) quant.Params {
	if len(p.scales) == 1 {
		return quant.Params{Scale: p.scales[0], ZeroPoint: p.zps[0]}
	}
	c := (i / p.inner) % p.dim
	return quant.Params{Scale: p.scales[c], ZeroPoint: p.zps[c]}
}

func quantizeLinear(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x := in[0]
	var zp *tensor.Tensor
	if len(in) > 2 {
		zp = in[2]
	}
	outType := tensor.Uint8
	if zp != nil {
		outType = zp.DType
	}
	qmin, qmax, err := qrange(outType)
	if err != nil {
		return nil, err
	}
	p, err := newParamsAt(x, in[1], zp, n.AttrInt("axis", 1))
	if err != nil {
		return nil, err
	}
	xf := x.Float32s()
	vals := make([]int32, len(xf))
	for i, v := range xf {
		vals[i] = p.at(i).Quantize(v, qmin, qmax)
	}
	return single(fromInt32s(outType, x.Shape, vals)), nil
}

func dequantizeLinear(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x := in[0]
	var zp *tensor.Tensor
	if len(in) > 2 {
		zp = in[2]
	}
	p, err := newParamsAt(x, in[1], zp, n.AttrInt("axis", 1))
	if err != nil {
		return nil, err
	}
	xi := int32s(x)
	out := tensor.New(tensor.Float32, x.Shape...)
	for i, v := range xi {
		out.F32[i] = p.at(i).Dequantize(v)
	}
	return single(out), nil
}

// intMatMul computes (a - aZP) x (b - bZP) exactly in float64 for a single
// [m,k] x [k,n] slice. bZP holds one zero point per output column.
func intMatMul(a []int32, aZP int32, b []int32, bZP []int32, m, k, n int, transB bool) []float64 {
	av := make([]float64, m*k)
	for i, v := range a {
		av[i] = float64(v - aZP)
	}
	bv := make([]float64, k*n)
	for i, v := range b {
		col := i % n
		if transB {
			col = i / k
		}
		bv[i] = float64(v - bZP[col])
	}
	out := make([]float64, m*n)
	if m == 0 || n == 0 || k == 0 {
		return out
	}
	tb := blas.NoTrans
	bg := blas64.General{Rows: k, Cols: n, Stride: n, Data: bv}
	if transB {
		tb = blas.Trans
		bg = blas64.General{Rows: n, Cols: k, Stride: k, Data: bv}
	}
	blas64.Gemm(blas.NoTrans, tb, 1,
		blas64.General{Rows: m, Cols: k, Stride: k, Data: av},
		bg, 0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: out})
	return out
}

// columnParams expands per-tensor or per-column scale/zero point inputs to
// one entry per output column.
func columnParams(scale, zp *tensor.Tensor, cols int) ([]float32, []int32, error) {
	s := scale.Float32s()
	var z []int32
	if zp != nil {
		z = int32s(zp)
	} else {
		z = make([]int32, len(s))
	}
	if len(s) == 1 {
		s = slices.Repeat(s, cols)
	}
	if len(z) == 1 {
		z = slices.Repeat(z, cols)
	}
	if len(s) != cols || len(z) != cols {
		return nil, nil, fmt.Errorf("%w: %d scales and %d zero points for %d columns", tensor.ErrShape, len(s), len(z), cols)
	}
	return s, z, nil
}

// qlinearMatMul inputs: a, a_scale, a_zp, b, b_scale, b_zp, y_scale, y_zp.
// b may carry one scale and zero point per output column when it is 2-D.
func qlinearMatMul(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 8); err != nil {
		return nil, err
	}
	a, b := in[0], in[3]
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("%w: qlinear matmul expects rank >= 2, got %v and %v", tensor.ErrShape, a.Shape, b.Shape)
	}
	m, k := a.Shape[a.Rank()-2], a.Shape[a.Rank()-1]
	kb, nn := b.Shape[b.Rank()-2], b.Shape[b.Rank()-1]
	if k != kb {
		return nil, fmt.Errorf("%w: qlinear matmul %v x %v", tensor.ErrShape, a.Shape, b.Shape)
	}
	batch, err := tensor.BroadcastShapes(a.Shape[:a.Rank()-2], b.Shape[:b.Rank()-2])
	if err != nil {
		return nil, err
	}
	aScale := in[1].Float32s()[0]
	aZP := int32s(in[2])[0]
	bScale, bZP, err := columnParams(in[4], in[5], nn)
	if err != nil {
		return nil, err
	}
	yZP := in[7]
	qmin, qmax, err := qrange(yZP.DType)
	if err != nil {
		return nil, err
	}
	yp := quant.Params{Scale: in[6].Float32s()[0], ZeroPoint: int32s(yZP)[0]}

	ia := tensor.BroadcastIndex(a.Shape[:a.Rank()-2], batch)
	ib := tensor.BroadcastIndex(b.Shape[:b.Rank()-2], batch)
	av, bv := int32s(a), int32s(b)
	nb := tensor.NumElements(batch)
	vals := make([]int32, nb*m*nn)
	for i := range nb {
		acc := intMatMul(av[ia[i]*m*k:(ia[i]+1)*m*k], aZP, bv[ib[i]*k*nn:(ib[i]+1)*k*nn], bZP, m, k, nn, false)
		dst := vals[i*m*nn : (i+1)*m*nn]
		for j, v := range acc {
			col := j % nn
			dst[j] = quant.Requantize(int32(v), aScale*bScale[col], yp, qmin, qmax)
		}
	}
	shape := append(slices.Clone(batch), m, nn)
	return single(fromInt32s(yZP.DType, shape, vals)), nil
}

// qgemm implements com.microsoft.QGemm: inputs A, a_scale, a_zp, B, b_scale,
// b_zp, C (int32 bias), y_scale, y_zp. Without y_scale the output is float.
func qgemm(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 6); err != nil {
		return nil, err
	}
	a, b := in[0], in[3]
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("%w: qgemm expects 2-D operands, got %v and %v", tensor.ErrShape, a.Shape, b.Shape)
	}
	if n.AttrInt("transA", 0) != 0 {
		var err error
		if a, err = tensor.Transpose(a, nil); err != nil {
			return nil, err
		}
	}
	transB := n.AttrInt("transB", 0) != 0
	m, k := a.Shape[0], a.Shape[1]
	kb, nn := b.Shape[0], b.Shape[1]
	if transB {
		kb, nn = b.Shape[1], b.Shape[0]
	}
	if k != kb {
		return nil, fmt.Errorf("%w: qgemm %v x %v (transB=%v)", tensor.ErrShape, a.Shape, b.Shape, transB)
	}
	aScale := in[1].Float32s()[0]
	aZP := int32(0)
	if in[2] != nil {
		aZP = int32s(in[2])[0]
	}
	bScale, bZP, err := columnParams(in[4], in[5], nn)
	if err != nil {
		return nil, err
	}
	acc := intMatMul(int32s(a), aZP, int32s(b), bZP, m, k, nn, transB)
	if len(in) > 6 && in[6] != nil {
		c := in[6]
		idx := tensor.BroadcastIndex(c.Shape, []int{m, nn})
		cv := int32s(c)
		for i := range acc {
			acc[i] += float64(cv[idx[i]])
		}
	}
	alpha := n.AttrFloat("alpha", 1)

	if len(in) < 8 || in[7] == nil {
		out := tensor.New(tensor.Float32, m, nn)
		for i, v := range acc {
			out.F32[i] = alpha * aScale * bScale[i%nn] * float32(v)
		}
		return single(out), nil
	}
	yType := tensor.Uint8
	yp := quant.Params{Scale: in[7].Float32s()[0]}
	if len(in) > 8 && in[8] != nil {
		yType = in[8].DType
		yp.ZeroPoint = int32s(in[8])[0]
	}
	qmin, qmax, err := qrange(yType)
	if err != nil {
		return nil, err
	}
	vals := make([]int32, len(acc))
	for i, v := range acc {
		vals[i] = quant.Requantize(int32(v), alpha*aScale*bScale[i%nn], yp, qmin, qmax)
	}
	return single(fromInt32s(yType, []int{m, nn}, vals)), nil
}
