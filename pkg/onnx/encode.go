package onnx

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Marshal encodes m in the ONNX protobuf wire format. The encoding is
// deterministic.
func Marshal(m *Model) ([]byte, error) {
	if m == nil {
		return nil, ErrNilModel
	}
	msg, err := newModelProto()
	if err != nil {
		return nil, err
	}
	fillModel(msg, m)
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func fillModel(pm protoreflect.Message, m *Model) {
	setInt64(pm, "ir_version", m.IRVersion)
	setString(pm, "producer_name", m.ProducerName)
	setString(pm, "producer_version", m.ProducerVersion)
	setString(pm, "domain", m.Domain)
	setInt64(pm, "model_version", m.ModelVersion)
	setString(pm, "doc_string", m.DocString)
	if m.Graph != nil {
		fillGraph(mutable(pm, "graph"), m.Graph)
	}
	for _, op := range m.OpsetImports {
		om := appendMessage(pm, "opset_import")
		setString(om, "domain", op.Domain)
		setInt64(om, "version", op.Version)
	}
	for _, e := range m.Metadata {
		em := appendMessage(pm, "metadata_props")
		setString(em, "key", e.Key)
		setString(em, "value", e.Value)
	}
}

func fillGraph(pm protoreflect.Message, g *Graph) {
	for _, n := range g.Nodes {
		fillNode(appendMessage(pm, "node"), n)
	}
	setString(pm, "name", g.Name)
	for _, t := range g.Initializers {
		fillTensor(appendMessage(pm, "initializer"), t)
	}
	setString(pm, "doc_string", g.DocString)
	for _, vi := range g.Inputs {
		fillValueInfo(appendMessage(pm, "input"), vi)
	}
	for _, vi := range g.Outputs {
		fillValueInfo(appendMessage(pm, "output"), vi)
	}
	for _, vi := range g.ValueInfo {
		fillValueInfo(appendMessage(pm, "value_info"), vi)
	}
}

func fillNode(pm protoreflect.Message, n *Node) {
	// Optional inputs are encoded as empty strings and must be kept.
	appendStrings(pm, "input", n.Inputs)
	appendStrings(pm, "output", n.Outputs)
	setString(pm, "name", n.Name)
	setString(pm, "op_type", n.OpType)
	for _, a := range n.Attributes {
		fillAttribute(appendMessage(pm, "attribute"), a)
	}
	setString(pm, "doc_string", n.DocString)
	setString(pm, "domain", n.Domain)
}

func fillAttribute(pm protoreflect.Message, a *Attribute) {
	setString(pm, "name", a.Name)
	switch a.Type {
	case AttributeFloat:
		pm.Set(field(pm, "f"), protoreflect.ValueOfFloat32(a.F))
	case AttributeInt:
		pm.Set(field(pm, "i"), protoreflect.ValueOfInt64(a.I))
	case AttributeString:
		pm.Set(field(pm, "s"), protoreflect.ValueOfBytes(a.S))
	case AttributeTensor:
		if a.T != nil {
			fillTensor(mutable(pm, "t"), a.T)
		}
	case AttributeGraph:
		if a.G != nil {
			fillGraph(mutable(pm, "g"), a.G)
		}
	case AttributeFloats:
		l := list(pm, "floats")
		for _, f := range a.Floats {
			l.Append(protoreflect.ValueOfFloat32(f))
		}
	case AttributeInts:
		l := list(pm, "ints")
		for _, v := range a.Ints {
			l.Append(protoreflect.ValueOfInt64(v))
		}
	case AttributeStrings:
		l := list(pm, "strings")
		for _, s := range a.Strings {
			l.Append(protoreflect.ValueOfBytes(s))
		}
	}
	pm.Set(field(pm, "type"), protoreflect.ValueOfEnum(protoreflect.EnumNumber(a.Type)))
}

func fillTensor(pm protoreflect.Message, t *Tensor) {
	if len(t.Dims) > 0 {
		l := list(pm, "dims")
		for _, d := range t.Dims {
			l.Append(protoreflect.ValueOfInt64(d))
		}
	}
	if t.DataType != DataTypeUndefined {
		pm.Set(field(pm, "data_type"), protoreflect.ValueOfInt32(int32(t.DataType)))
	}
	if len(t.FloatData) > 0 {
		l := list(pm, "float_data")
		for _, f := range t.FloatData {
			l.Append(protoreflect.ValueOfFloat32(f))
		}
	}
	if len(t.Int32Data) > 0 {
		l := list(pm, "int32_data")
		for _, v := range t.Int32Data {
			l.Append(protoreflect.ValueOfInt32(v))
		}
	}
	if len(t.Int64Data) > 0 {
		l := list(pm, "int64_data")
		for _, v := range t.Int64Data {
			l.Append(protoreflect.ValueOfInt64(v))
		}
	}
	setString(pm, "name", t.Name)
	if len(t.RawData) > 0 {
		pm.Set(field(pm, "raw_data"), protoreflect.ValueOfBytes(t.RawData))
	}
	if len(t.DoubleData) > 0 {
		l := list(pm, "double_data")
		for _, f := range t.DoubleData {
			l.Append(protoreflect.ValueOfFloat64(f))
		}
	}
	setString(pm, "doc_string", t.DocString)
}

func fillValueInfo(pm protoreflect.Message, vi *ValueInfo) {
	setString(pm, "name", vi.Name)
	if vi.Type != nil {
		tt := mutable(mutable(pm, "type"), "tensor_type")
		tt.Set(field(tt, "elem_type"), protoreflect.ValueOfInt32(int32(vi.Type.ElemType)))
		if vi.Type.Shape != nil {
			sm := mutable(tt, "shape")
			for _, d := range vi.Type.Shape.Dims {
				dm := appendMessage(sm, "dim")
				switch {
				case d.HasValue:
					dm.Set(field(dm, "dim_value"), protoreflect.ValueOfInt64(d.Value))
				case d.Param != "":
					dm.Set(field(dm, "dim_param"), protoreflect.ValueOfString(d.Param))
				}
			}
		}
	}
	setString(pm, "doc_string", vi.DocString)
}

// mutable returns the singular message field name of pm, creating it.
func mutable(pm protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return pm.Mutable(field(pm, name)).Message()
}

// appendMessage appends an empty element to the repeated message field name.
func appendMessage(pm protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return list(pm, name).AppendMutable().Message()
}

func list(pm protoreflect.Message, name protoreflect.Name) protoreflect.List {
	return pm.Mutable(field(pm, name)).List()
}

func appendStrings(pm protoreflect.Message, name protoreflect.Name, ss []string) {
	if len(ss) == 0 {
		return
	}
	l := list(pm, name)
	for _, s := range ss {
		l.Append(protoreflect.ValueOfString(s))
	}
}

func setString(pm protoreflect.Message, name protoreflect.Name, s string) {
	if s != "" {
		pm.Set(field(pm, name), protoreflect.ValueOfString(s))
	}
}

func setInt64(pm protoreflect.Message, name protoreflect.Name, v int64) {
	if v != 0 {
		pm.Set(field(pm, name), protoreflect.ValueOfInt64(v))
	}
}
