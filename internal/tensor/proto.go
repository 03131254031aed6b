package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// ONNXType maps a DType to its ONNX element type.
func (d DType) ONNXType() onnx.DataType {
	switch d {
	case Float32:
		return onnx.DataTypeFloat
	case Int64:
		return onnx.DataTypeInt64
	case Int32:
		return onnx.DataTypeInt32
	case Int8:
		return onnx.DataTypeInt8
	case Uint8:
		return onnx.DataTypeUint8
	default:
		return onnx.DataTypeUndefined
	}
}

// DTypeFromONNX maps an ONNX element type onto the DType used to hold it in
// memory. FLOAT16 and DOUBLE widen or narrow to Float32.
func DTypeFromONNX(dt onnx.DataType) (DType, error) {
	switch dt {
	case onnx.DataTypeFloat, onnx.DataTypeFloat16, onnx.DataTypeDouble:
		return Float32, nil
	case onnx.DataTypeInt64:
		return Int64, nil
	case onnx.DataTypeInt32:
		return Int32, nil
	case onnx.DataTypeInt8:
		return Int8, nil
	case onnx.DataTypeUint8, onnx.DataTypeBool:
		return Uint8, nil
	default:
		return Invalid, fmt.Errorf("%w: onnx %s", ErrDType, dt)
	}
}

// FromProto decodes an ONNX TensorProto.
func FromProto(p *onnx.Tensor) (*Tensor, error) {
	dtype, err := DTypeFromONNX(p.DataType)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", p.Name, err)
	}
	shape := make([]int, len(p.Dims))
	for i, d := range p.Dims {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q: %w: negative dim %d", p.Name, ErrShape, d)
		}
		shape[i] = int(d)
	}
	n := NumElements(shape)
	t := New(dtype, shape...)

	if len(p.RawData) > 0 {
		if err := decodeRaw(t, p.DataType, p.RawData, n); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", p.Name, err)
		}
		return t, nil
	}

	var got int
	switch p.DataType {
	case onnx.DataTypeFloat:
		got = copy(t.F32, p.FloatData)
	case onnx.DataTypeDouble:
		for i, v := range p.DoubleData {
			if i < n {
				t.F32[i] = float32(v)
			}
		}
		got = len(p.DoubleData)
	case onnx.DataTypeInt64:
		got = copy(t.I64, p.Int64Data)
	case onnx.DataTypeInt32:
		got = copy(t.I32, p.Int32Data)
	case onnx.DataTypeInt8:
		for i, v := range p.Int32Data {
			if i < n {
				t.I8[i] = int8(v)
			}
		}
		got = len(p.Int32Data)
	case onnx.DataTypeUint8, onnx.DataTypeBool:
		for i, v := range p.Int32Data {
			if i < n {
				t.U8[i] = uint8(v)
			}
		}
		got = len(p.Int32Data)
	case onnx.DataTypeFloat16:
		// FLOAT16 values are stored as their bit patterns in int32_data.
		for i, v := range p.Int32Data {
			if i < n {
				t.F32[i] = float16.Frombits(uint16(v)).Float32()
			}
		}
		got = len(p.Int32Data)
	}
	if got != n {
		return nil, fmt.Errorf("tensor %q: %w: %d values for shape %v", p.Name, ErrShape, got, shape)
	}
	return t, nil
}

func decodeRaw(t *Tensor, dt onnx.DataType, raw []byte, n int) error {
	var elem int
	switch dt {
	case onnx.DataTypeFloat, onnx.DataTypeInt32:
		elem = 4
	case onnx.DataTypeInt64, onnx.DataTypeDouble:
		elem = 8
	case onnx.DataTypeFloat16:
		elem = 2
	default:
		elem = 1
	}
	if len(raw) != n*elem {
		return fmt.Errorf("%w: raw data has %d bytes, want %d", ErrShape, len(raw), n*elem)
	}
	for i := range n {
		switch dt {
		case onnx.DataTypeFloat:
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case onnx.DataTypeDouble:
			t.F32[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		case onnx.DataTypeFloat16:
			t.F32[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		case onnx.DataTypeInt64:
			t.I64[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		case onnx.DataTypeInt32:
			t.I32[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		case onnx.DataTypeInt8:
			t.I8[i] = int8(raw[i])
		default:
			t.U8[i] = raw[i]
		}
	}
	return nil
}

// ToProto encodes t as an ONNX TensorProto with little-endian raw data.
func ToProto(name string, t *Tensor) *onnx.Tensor {
	p := &onnx.Tensor{Name: name, DataType: t.DType.ONNXType()}
	p.Dims = make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		p.Dims[i] = int64(d)
	}
	n := t.Len()
	raw := make([]byte, n*t.DType.Size())
	for i := range n {
		switch t.DType {
		case Float32:
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(t.F32[i]))
		case Int64:
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(t.I64[i]))
		case Int32:
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(t.I32[i]))
		case Int8:
			raw[i] = byte(t.I8[i])
		case Uint8:
			raw[i] = t.U8[i]
		}
	}
	p.RawData = raw
	return p
}
