// Package quant holds the linear (affine) integer quantization arithmetic
// shared by the static quantizer and the interpreter's quantized kernels.
package quant

import (
	"fmt"
	"math"
)

// Type is a quantized element type.
type Type int

const (
	QInt8 Type = iota
	QUInt8
)

func (t Type) String() string {
	switch t {
	case QInt8:
		return "QInt8"
	case QUInt8:
		return "QUInt8"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType accepts the names used on the command line and in config files.
func ParseType(s string) (Type, error) {
	switch s {
	case "QInt8", "qint8", "int8", "":
		return QInt8, nil
	case "QUInt8", "quint8", "uint8":
		return QUInt8, nil
	default:
		return 0, fmt.Errorf("unknown quantization type %q", s)
	}
}

// Range returns the integer bounds for t. Symmetric int8 drops -128 so the
// range is centred on zero; reduceRange keeps one bit of headroom.
func (t Type) Range(reduceRange, symmetric bool) (qmin, qmax int32) {
	switch {
	case t == QInt8 && symmetric && reduceRange:
		return -64, 64
	case t == QInt8 && symmetric:
		return -127, 127
	case t == QInt8 && reduceRange:
		return -64, 64
	case t == QInt8:
		return -128, 127
	case t == QUInt8 && reduceRange:
		return 0, 127
	default:
		return 0, 255
	}
}

// Params describes one affine mapping real = (q - ZeroPoint) * Scale.
type Params struct {
	Scale     float32
	ZeroPoint int32
}

// ComputeParams derives scale and zero point from an observed range. The
// range is first widened to contain zero; a symmetric mapping additionally
// centres it. A degenerate range yields scale 1 and zero point 0.
func ComputeParams(rmin, rmax float32, qmin, qmax int32, symmetric bool) Params {
	rmin = min(rmin, 0)
	rmax = max(rmax, 0)
	if symmetric {
		absMax := max(-rmin, rmax)
		rmin, rmax = -absMax, absMax
	}
	scale := (rmax - rmin) / float32(qmax-qmin)
	if scale == 0 || math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
		return Params{Scale: 1, ZeroPoint: 0}
	}
	zp := RoundHalfEven(float32(qmin) - rmin/scale)
	return Params{Scale: scale, ZeroPoint: clamp(int32(zp), qmin, qmax)}
}

// RoundHalfEven rounds to the nearest integer, ties to even.
func RoundHalfEven(x float32) float32 {
	return float32(math.RoundToEven(float64(x)))
}

// Quantize maps x to the integer grid of p, saturating to [qmin, qmax].
func (p Params) Quantize(x float32, qmin, qmax int32) int32 {
	v := float64(RoundHalfEven(x/p.Scale)) + float64(p.ZeroPoint)
	switch {
	case math.IsNaN(v):
		return clamp(p.ZeroPoint, qmin, qmax)
	case v < float64(qmin):
		return qmin
	case v > float64(qmax):
		return qmax
	}
	return int32(v)
}

// Dequantize maps q back to a real value.
func (p Params) Dequantize(q int32) float32 {
	return float32(q-p.ZeroPoint) * p.Scale
}

// Requantize maps an int32 accumulator whose real scale is accScale onto
// the output grid described by out.
func Requantize(acc int32, accScale float32, out Params, qmin, qmax int32) int32 {
	x := float32(float64(acc) * float64(accScale) / float64(out.Scale))
	v := float64(RoundHalfEven(x)) + float64(out.ZeroPoint)
	switch {
	case v < float64(qmin):
		return qmin
	case v > float64(qmax):
		return qmax
	}
	return int32(v)
}

// MinMax returns the smallest and largest finite values of data. Both are 0
// when data holds no finite value.
func MinMax(data []float32) (lo, hi float32) {
	first := true
	for _, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func clamp(v, lo, hi int32) int32 {
	return min(max(v, lo), hi)
}
