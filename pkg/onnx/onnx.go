// Package onnx reads and writes the subset of the ONNX protobuf model format
// used by the quantization pipeline: models, graphs, nodes, attributes,
// tensors and value infos.
//
// The structs mirror onnx.proto field for field. They are converted to and
// from dynamic protobuf messages described by the embedded onnx.textproto
// schema and encoded by the protobuf runtime in deterministic mode, so
// encoding the same Model twice yields identical bytes.
package onnx

// DataType mirrors TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeUint8     DataType = 2
	DataTypeInt8      DataType = 3
	DataTypeUint16    DataType = 4
	DataTypeInt16     DataType = 5
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
	DataTypeString    DataType = 8
	DataTypeBool      DataType = 9
	DataTypeFloat16   DataType = 10
	DataTypeDouble    DataType = 11
)

func (d DataType) String() string {
	switch d {
	case DataTypeFloat:
		return "FLOAT"
	case DataTypeUint8:
		return "UINT8"
	case DataTypeInt8:
		return "INT8"
	case DataTypeUint16:
		return "UINT16"
	case DataTypeInt16:
		return "INT16"
	case DataTypeInt32:
		return "INT32"
	case DataTypeInt64:
		return "INT64"
	case DataTypeString:
		return "STRING"
	case DataTypeBool:
		return "BOOL"
	case DataTypeFloat16:
		return "FLOAT16"
	case DataTypeDouble:
		return "DOUBLE"
	default:
		return "UNDEFINED"
	}
}

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

const (
	// IRVersion is the IR version written by this package (ONNX 1.12+, opset 17).
	IRVersion = 8
	// DefaultOpset is the default-domain opset used by exported models.
	DefaultOpset = 17
	// MicrosoftDomain hosts contrib operators such as QGemm.
	MicrosoftDomain = "com.microsoft"
)

// Model mirrors ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	OpsetImports    []OpsetID
	Metadata        []StringEntry
}

// OpsetID mirrors OperatorSetIdProto.
type OpsetID struct {
	Domain  string
	Version int64
}

// StringEntry mirrors StringStringEntryProto.
type StringEntry struct {
	Key   string
	Value string
}

// Graph mirrors GraphProto.
type Graph struct {
	Nodes        []*Node
	Name         string
	Initializers []*Tensor
	DocString    string
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo
}

// Node mirrors NodeProto.
type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []*Attribute
	DocString  string
	Domain     string
}

// Attribute mirrors AttributeProto.
type Attribute struct {
	Name    string
	F       float32
	I       int64
	S       []byte
	T       *Tensor
	G       *Graph
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Type    AttributeType
}

// Tensor mirrors TensorProto. Data lives in RawData (little endian) or in one
// of the typed fields, depending on the writer.
type Tensor struct {
	Dims       []int64
	DataType   DataType
	FloatData  []float32
	Int32Data  []int32
	Int64Data  []int64
	Name       string
	RawData    []byte
	DoubleData []float64
	DocString  string
}

// ValueInfo mirrors ValueInfoProto. Type is nil when the tensor type is
// unknown.
type ValueInfo struct {
	Name      string
	Type      *TensorType
	DocString string
}

// TensorType mirrors TypeProto.Tensor. Shape is nil when the rank is unknown.
type TensorType struct {
	ElemType DataType
	Shape    *Shape
}

// Shape mirrors TensorShapeProto.
type Shape struct {
	Dims []Dim
}

// Dim mirrors TensorShapeProto.Dimension. A Dim with neither a value nor a
// param is unknown.
type Dim struct {
	Value    int64
	Param    string
	HasValue bool
}

// DimValue returns a fixed dimension.
func DimValue(v int64) Dim { return Dim{Value: v, HasValue: true} }

// DimParam returns a symbolic dimension.
func DimParam(p string) Dim { return Dim{Param: p} }

// Known reports whether the dimension has a fixed value.
func (d Dim) Known() bool { return d.HasValue }

// Symbolic reports whether the dimension is a named parameter.
func (d Dim) Symbolic() bool { return !d.HasValue && d.Param != "" }
