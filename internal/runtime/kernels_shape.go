package runtime

import (
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

func reshape(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x := in[0]
	target := toInts(in[1].Int64s())
	allowZero := n.AttrInt("allowzero", 0) != 0
	infer := -1
	known := 1
	for i, d := range target {
		switch {
		case d == 0 && !allowZero:
			if i >= x.Rank() {
				return nil, fmt.Errorf("%w: reshape copies dim %d of %v", tensor.ErrShape, i, x.Shape)
			}
			target[i] = x.Shape[i]
			known *= target[i]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("%w: reshape target %v has more than one -1", tensor.ErrShape, target)
			}
			infer = i
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || x.Len()%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", tensor.ErrShape, x.Shape, in[1].Int64s())
		}
		target[infer] = x.Len() / known
	}
	out, err := x.Reshape(target...)
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func flatten(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axis := int(n.AttrInt("axis", 1))
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis > x.Rank() {
		return nil, fmt.Errorf("%w: flatten axis %d for rank %d", tensor.ErrShape, axis, x.Rank())
	}
	out, err := x.Reshape(tensor.NumElements(x.Shape[:axis]), tensor.NumElements(x.Shape[axis:]))
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func transpose(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	var perm []int
	if p, ok := n.AttrInts("perm"); ok {
		perm = toInts(p)
	}
	out, err := tensor.Transpose(in[0], perm)
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func shape(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	r := in[0].Rank()
	start := clampAxis(n.AttrInt("start", 0), r)
	end := clampAxis(n.AttrInt("end", int64(r)), r)
	dims := make([]int64, 0, max(end-start, 0))
	for _, d := range in[0].Shape[start:max(end, start)] {
		dims = append(dims, int64(d))
	}
	return single(tensor.FromInt64([]int{len(dims)}, dims)), nil
}

func clampAxis(a int64, rank int) int {
	if a < 0 {
		a += int64(rank)
	}
	return min(max(int(a), 0), rank)
}

func gather(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	out, err := tensor.Gather(in[0], in[1], int(n.AttrInt("axis", 0)))
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func axesOf(n *onnx.Node, in []*tensor.Tensor) []int64 {
	if a, ok := n.AttrInts("axes"); ok {
		return a
	}
	if len(in) > 1 && in[1] != nil {
		return in[1].Int64s()
	}
	return nil
}

func unsqueeze(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axes := axesOf(n, in)
	rank := x.Rank() + len(axes)
	insert := make([]bool, rank)
	for _, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}
		insert[ax] = true
	}
	out := make([]int, 0, rank)
	j := 0
	for i := range rank {
		if insert[i] {
			out = append(out, 1)
			continue
		}
		out = append(out, x.Shape[j])
		j++
	}
	v, err := x.Reshape(out...)
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

func squeeze(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axes := axesOf(n, in)
	drop := make([]bool, x.Rank())
	for _, a := range axes {
		ax, err := normAxis(a, x.Rank())
		if err != nil {
			return nil, err
		}
		if x.Shape[ax] != 1 {
			return nil, fmt.Errorf("%w: squeeze axis %d of %v", tensor.ErrShape, ax, x.Shape)
		}
		drop[ax] = true
	}
	out := []int{}
	for i, d := range x.Shape {
		if drop[i] || (len(axes) == 0 && d == 1) {
			continue
		}
		out = append(out, d)
	}
	v, err := x.Reshape(out...)
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

func concat(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	ts := slices.DeleteFunc(slices.Clone(in), func(t *tensor.Tensor) bool { return t == nil })
	out, err := tensor.Concat(int(n.AttrInt("axis", 0)), ts...)
	if err != nil {
		return nil, err
	}
	return single(out), nil
}

func expand(n *onnx.Node, in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	out, err := tensor.Expand(in[0], toInts(in[1].Int64s()))
	if err != nil {
		return nil, err
	}
	return single(out), nil
}
