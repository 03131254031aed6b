// Package tensor provides the dense N-dimensional arrays the graph interpreter,
// quantizer and archive writers operate on.
package tensor

import (
	"fmt"
	"slices"
	"strings"
)

// DType identifies the element type backing a Tensor.
type DType uint8

const (
	Invalid DType = iota
	Float32
	Int64
	Int32
	Int8
	Uint8
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Int64:
		return 8
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

// Tensor is a dense row-major array. Exactly one of the typed slices is
// populated, selected by DType. A tensor with an empty Shape is a scalar.
type Tensor struct {
	DType DType
	Shape []int

	F32 []float32
	I64 []int64
	I32 []int32
	I8  []int8
	U8  []uint8
}

// New allocates a zeroed tensor.
func New(dtype DType, shape ...int) *Tensor {
	n := NumElements(shape)
	t := &Tensor{DType: dtype, Shape: slices.Clone(shape)}
	switch dtype {
	case Float32:
		t.F32 = make([]float32, n)
	case Int64:
		t.I64 = make([]int64, n)
	case Int32:
		t.I32 = make([]int32, n)
	case Int8:
		t.I8 = make([]int8, n)
	case Uint8:
		t.U8 = make([]uint8, n)
	default:
		panic("tensor: invalid dtype")
	}
	return t
}

// FromFloat32 wraps data without copying. It panics when the length does not
// match the shape.
func FromFloat32(shape []int, data []float32) *Tensor {
	checkLen(shape, len(data))
	return &Tensor{DType: Float32, Shape: slices.Clone(shape), F32: data}
}

// FromInt64 wraps data without copying.
func FromInt64(shape []int, data []int64) *Tensor {
	checkLen(shape, len(data))
	return &Tensor{DType: Int64, Shape: slices.Clone(shape), I64: data}
}

// FromInt32 wraps data without copying.
func FromInt32(shape []int, data []int32) *Tensor {
	checkLen(shape, len(data))
	return &Tensor{DType: Int32, Shape: slices.Clone(shape), I32: data}
}

// FromInt8 wraps data without copying.
func FromInt8(shape []int, data []int8) *Tensor {
	checkLen(shape, len(data))
	return &Tensor{DType: Int8, Shape: slices.Clone(shape), I8: data}
}

// FromUint8 wraps data without copying.
func FromUint8(shape []int, data []uint8) *Tensor {
	checkLen(shape, len(data))
	return &Tensor{DType: Uint8, Shape: slices.Clone(shape), U8: data}
}

// Scalar returns a rank-0 float32 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{DType: Float32, Shape: []int{}, F32: []float32{v}}
}

func checkLen(shape []int, n int) {
	if NumElements(shape) != n {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", n, shape))
	}
}

// NumElements returns the product of shape. A scalar has one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return NumElements(t.Shape) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", t.DType, strings.Join(dims, ","))
}

// Reshape returns a view with a new shape sharing t's storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElements(shape) != t.Len() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape)
	}
	v := *t
	v.Shape = slices.Clone(shape)
	return &v, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{DType: t.DType, Shape: slices.Clone(t.Shape)}
	c.F32 = slices.Clone(t.F32)
	c.I64 = slices.Clone(t.I64)
	c.I32 = slices.Clone(t.I32)
	c.I8 = slices.Clone(t.I8)
	c.U8 = slices.Clone(t.U8)
	return c
}

// Float32s returns the elements converted to float32. Float32 tensors return
// their backing slice.
func (t *Tensor) Float32s() []float32 {
	switch t.DType {
	case Float32:
		return t.F32
	case Int64:
		return convert[int64, float32](t.I64)
	case Int32:
		return convert[int32, float32](t.I32)
	case Int8:
		return convert[int8, float32](t.I8)
	case Uint8:
		return convert[uint8, float32](t.U8)
	}
	return nil
}

// Int64s returns the elements converted to int64. Int64 tensors return their
// backing slice.
func (t *Tensor) Int64s() []int64 {
	switch t.DType {
	case Int64:
		return t.I64
	case Float32:
		return convert[float32, int64](t.F32)
	case Int32:
		return convert[int32, int64](t.I32)
	case Int8:
		return convert[int8, int64](t.I8)
	case Uint8:
		return convert[uint8, int64](t.U8)
	}
	return nil
}

type number interface {
	~float32 | ~int64 | ~int32 | ~int8 | ~uint8
}

func convert[S, D number](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}

// Equal reports whether a and b have the same dtype, shape and elements.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !slices.Equal(a.Shape, b.Shape) {
		return false
	}
	switch a.DType {
	case Float32:
		return slices.Equal(a.F32, b.F32)
	case Int64:
		return slices.Equal(a.I64, b.I64)
	case Int32:
		return slices.Equal(a.I32, b.I32)
	case Int8:
		return slices.Equal(a.I8, b.I8)
	case Uint8:
		return slices.Equal(a.U8, b.U8)
	}
	return false
}
