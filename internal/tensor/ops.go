package tensor

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrShape = errors.New("tensor: incompatible shape")
	ErrDType = errors.New("tensor: unsupported dtype")
)

// BroadcastShapes returns the numpy-style broadcast of a and b.
func BroadcastShapes(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShape, a, b)
		}
	}
	return out, nil
}

// BroadcastIndex maps every flat index of out onto a flat index of src,
// where src is broadcast to out.
func BroadcastIndex(src, out []int) []int {
	n := NumElements(out)
	idx := make([]int, n)
	if slices.Equal(src, out) {
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	srcStrides := Strides(src)
	// Effective stride per output axis: zero on broadcast axes.
	eff := make([]int, len(out))
	off := len(out) - len(src)
	for i := range out {
		j := i - off
		if j >= 0 && src[j] != 1 {
			eff[i] = srcStrides[j]
		}
	}
	coord := make([]int, len(out))
	pos := 0
	for i := range n {
		idx[i] = pos
		for ax := len(out) - 1; ax >= 0; ax-- {
			coord[ax]++
			pos += eff[ax]
			if coord[ax] < out[ax] {
				break
			}
			pos -= eff[ax] * coord[ax]
			coord[ax] = 0
		}
	}
	return idx
}

// BinaryF32 applies fn element-wise over broadcast float32 operands.
func BinaryF32(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("%w: %s and %s", ErrDType, a.DType, b.DType)
	}
	shape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := New(Float32, shape...)
	if slices.Equal(a.Shape, shape) && slices.Equal(b.Shape, shape) {
		for i := range out.F32 {
			out.F32[i] = fn(a.F32[i], b.F32[i])
		}
		return out, nil
	}
	ia := BroadcastIndex(a.Shape, shape)
	ib := BroadcastIndex(b.Shape, shape)
	for i := range out.F32 {
		out.F32[i] = fn(a.F32[ia[i]], b.F32[ib[i]])
	}
	return out, nil
}

// MapF32 applies fn to each element of a float32 tensor, returning a new one.
func MapF32(a *Tensor, fn func(x float32) float32) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("%w: %s", ErrDType, a.DType)
	}
	out := New(Float32, a.Shape...)
	for i, v := range a.F32 {
		out.F32[i] = fn(v)
	}
	return out, nil
}

// Expand broadcasts t to shape (ONNX Expand semantics: the result shape is
// the broadcast of t.Shape and shape).
func Expand(t *Tensor, shape []int) (*Tensor, error) {
	outShape, err := BroadcastShapes(t.Shape, shape)
	if err != nil {
		return nil, err
	}
	idx := BroadcastIndex(t.Shape, outShape)
	return gatherFlat(t, outShape, idx), nil
}

// Transpose permutes the axes of t. A nil perm reverses the axes.
func Transpose(t *Tensor, perm []int) (*Tensor, error) {
	r := t.Rank()
	if perm == nil {
		perm = make([]int, r)
		for i := range perm {
			perm[i] = r - 1 - i
		}
	}
	if len(perm) != r {
		return nil, fmt.Errorf("%w: perm %v for rank %d", ErrShape, perm, r)
	}
	outShape := make([]int, r)
	for i, p := range perm {
		if p < 0 || p >= r {
			return nil, fmt.Errorf("%w: perm %v for rank %d", ErrShape, perm, r)
		}
		outShape[i] = t.Shape[p]
	}
	inStrides := Strides(t.Shape)
	n := t.Len()
	idx := make([]int, n)
	coord := make([]int, r)
	for i := range n {
		pos := 0
		for ax := range r {
			pos += coord[ax] * inStrides[perm[ax]]
		}
		idx[i] = pos
		for ax := r - 1; ax >= 0; ax-- {
			coord[ax]++
			if coord[ax] < outShape[ax] {
				break
			}
			coord[ax] = 0
		}
	}
	return gatherFlat(t, outShape, idx), nil
}

// Concat joins tensors of the same dtype along axis.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	first := ts[0]
	r := first.Rank()
	if axis < 0 {
		axis += r
	}
	if axis < 0 || axis >= r {
		return nil, fmt.Errorf("%w: axis %d for rank %d", ErrShape, axis, r)
	}
	outShape := slices.Clone(first.Shape)
	outShape[axis] = 0
	for _, t := range ts {
		if t.DType != first.DType || t.Rank() != r {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, first, t)
		}
		for ax := range r {
			if ax != axis && t.Shape[ax] != first.Shape[ax] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShape, first.Shape, t.Shape, axis)
			}
		}
		outShape[axis] += t.Shape[axis]
	}
	outer := NumElements(first.Shape[:axis])
	inner := NumElements(first.Shape[axis+1:])
	out := New(first.DType, outShape...)
	off := 0
	for o := range outer {
		for _, t := range ts {
			chunk := t.Shape[axis] * inner
			copyRange(out, off, t, o*chunk, chunk)
			off += chunk
		}
	}
	return out, nil
}

// Gather selects entries of t along axis (ONNX Gather). Negative indices count
// from the end.
func Gather(t *Tensor, indices *Tensor, axis int) (*Tensor, error) {
	r := t.Rank()
	if axis < 0 {
		axis += r
	}
	if axis < 0 || axis >= r {
		return nil, fmt.Errorf("%w: gather axis %d for rank %d", ErrShape, axis, r)
	}
	ind := indices.Int64s()
	dim := t.Shape[axis]
	outShape := slices.Concat(t.Shape[:axis], indices.Shape, t.Shape[axis+1:])
	outer := NumElements(t.Shape[:axis])
	inner := NumElements(t.Shape[axis+1:])
	idx := make([]int, 0, NumElements(outShape))
	for o := range outer {
		for _, k := range ind {
			if k < 0 {
				k += int64(dim)
			}
			if k < 0 || k >= int64(dim) {
				return nil, fmt.Errorf("%w: gather index out of range for axis size %d", ErrShape, dim)
			}
			base := (o*dim + int(k)) * inner
			for i := range inner {
				idx = append(idx, base+i)
			}
		}
	}
	return gatherFlat(t, outShape, idx), nil
}

// SliceRows returns rows [start, end) of axis 0 as a copy.
func SliceRows(t *Tensor, start, end int) (*Tensor, error) {
	if t.Rank() == 0 || start < 0 || end > t.Shape[0] || start > end {
		return nil, fmt.Errorf("%w: rows [%d,%d) of %v", ErrShape, start, end, t.Shape)
	}
	shape := slices.Clone(t.Shape)
	shape[0] = end - start
	inner := NumElements(t.Shape[1:])
	out := New(t.DType, shape...)
	copyRange(out, 0, t, start*inner, (end-start)*inner)
	return out, nil
}

// MatMul computes numpy-style matmul for float32 tensors of rank >= 2 with
// broadcast batch dimensions. Rank-1 operands are promoted as numpy does.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("%w: matmul %s x %s", ErrDType, a.DType, b.DType)
	}
	as, bs := a.Shape, b.Shape
	squeezeA, squeezeB := false, false
	if len(as) == 1 {
		as = []int{1, as[0]}
		squeezeA = true
	}
	if len(bs) == 1 {
		bs = []int{bs[0], 1}
		squeezeB = true
	}
	m, k := as[len(as)-2], as[len(as)-1]
	k2, n := bs[len(bs)-2], bs[len(bs)-1]
	if k != k2 {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShape, a.Shape, b.Shape)
	}
	batch, err := BroadcastShapes(as[:len(as)-2], bs[:len(bs)-2])
	if err != nil {
		return nil, err
	}
	nb := NumElements(batch)
	ia := BroadcastIndex(as[:len(as)-2], batch)
	ib := BroadcastIndex(bs[:len(bs)-2], batch)
	outShape := append(slices.Clone(batch), m, n)
	out := New(Float32, outShape...)
	for i := range nb {
		am := NewMatFromData(m, k, a.F32[ia[i]*m*k:(ia[i]+1)*m*k])
		bm := NewMatFromData(k, n, b.F32[ib[i]*k*n:(ib[i]+1)*k*n])
		om := NewMatFromData(m, n, out.F32[i*m*n:(i+1)*m*n])
		Gemm(&om, &am, &bm, false)
	}
	switch {
	case squeezeA && squeezeB:
		out.Shape = batch
	case squeezeA:
		out.Shape = append(slices.Clone(batch), n)
	case squeezeB:
		out.Shape = append(slices.Clone(batch), m)
	}
	return out, nil
}

func gatherFlat(t *Tensor, shape []int, idx []int) *Tensor {
	out := New(t.DType, shape...)
	switch t.DType {
	case Float32:
		for i, j := range idx {
			out.F32[i] = t.F32[j]
		}
	case Int64:
		for i, j := range idx {
			out.I64[i] = t.I64[j]
		}
	case Int32:
		for i, j := range idx {
			out.I32[i] = t.I32[j]
		}
	case Int8:
		for i, j := range idx {
			out.I8[i] = t.I8[j]
		}
	case Uint8:
		for i, j := range idx {
			out.U8[i] = t.U8[j]
		}
	}
	return out
}

func copyRange(dst *Tensor, dstOff int, src *Tensor, srcOff, n int) {
	switch src.DType {
	case Float32:
		copy(dst.F32[dstOff:dstOff+n], src.F32[srcOff:srcOff+n])
	case Int64:
		copy(dst.I64[dstOff:dstOff+n], src.I64[srcOff:srcOff+n])
	case Int32:
		copy(dst.I32[dstOff:dstOff+n], src.I32[srcOff:srcOff+n])
	case Int8:
		copy(dst.I8[dstOff:dstOff+n], src.I8[srcOff:srcOff+n])
	case Uint8:
		copy(dst.U8[dstOff:dstOff+n], src.U8[srcOff:srcOff+n])
	}
}

// BinaryI64 applies fn element-wise over broadcast int64 operands.
func BinaryI64(a, b *Tensor, fn func(x, y int64) int64) (*Tensor, error) {
	if a.DType != Int64 || b.DType != Int64 {
		return nil, fmt.Errorf("%w: %s and %s", ErrDType, a.DType, b.DType)
	}
	shape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := New(Int64, shape...)
	ia := BroadcastIndex(a.Shape, shape)
	ib := BroadcastIndex(b.Shape, shape)
	for i := range out.I64 {
		out.I64[i] = fn(a.I64[ia[i]], b.I64[ib[i]])
	}
	return out, nil
}
