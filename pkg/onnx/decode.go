package onnx

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// tensorDataLocationExternal is TensorProto.DataLocation.EXTERNAL.
const tensorDataLocationExternal = 1

// Unmarshal decodes an ONNX model from its protobuf wire encoding. Fields
// outside the modelled subset are ignored.
func Unmarshal(b []byte) (*Model, error) {
	msg, err := newModelProto()
	if err != nil {
		return nil, err
	}
	if err := (proto.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptModel, err)
	}
	m, err := readModel(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptModel, err)
	}
	return m, nil
}

func readModel(pm protoreflect.Message) (*Model, error) {
	m := &Model{
		IRVersion:       getInt64(pm, "ir_version"),
		ProducerName:    getString(pm, "producer_name"),
		ProducerVersion: getString(pm, "producer_version"),
		Domain:          getString(pm, "domain"),
		ModelVersion:    getInt64(pm, "model_version"),
		DocString:       getString(pm, "doc_string"),
	}
	if gm, ok := get(pm, "graph"); ok {
		g, err := readGraph(gm)
		if err != nil {
			return nil, fmt.Errorf("graph: %w", err)
		}
		m.Graph = g
	}
	for _, om := range messages(pm, "opset_import") {
		m.OpsetImports = append(m.OpsetImports, OpsetID{
			Domain:  getString(om, "domain"),
			Version: getInt64(om, "version"),
		})
	}
	for _, em := range messages(pm, "metadata_props") {
		m.Metadata = append(m.Metadata, StringEntry{
			Key:   getString(em, "key"),
			Value: getString(em, "value"),
		})
	}
	return m, nil
}

func readGraph(pm protoreflect.Message) (*Graph, error) {
	g := &Graph{
		Name:      getString(pm, "name"),
		DocString: getString(pm, "doc_string"),
	}
	for _, nm := range messages(pm, "node") {
		n, err := readNode(nm)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", len(g.Nodes), err)
		}
		g.Nodes = append(g.Nodes, n)
	}
	for _, tm := range messages(pm, "initializer") {
		t, err := readTensor(tm)
		if err != nil {
			return nil, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
		}
		g.Initializers = append(g.Initializers, t)
	}
	for _, vm := range messages(pm, "input") {
		g.Inputs = append(g.Inputs, readValueInfo(vm))
	}
	for _, vm := range messages(pm, "output") {
		g.Outputs = append(g.Outputs, readValueInfo(vm))
	}
	for _, vm := range messages(pm, "value_info") {
		g.ValueInfo = append(g.ValueInfo, readValueInfo(vm))
	}
	return g, nil
}

func readNode(pm protoreflect.Message) (*Node, error) {
	n := &Node{
		Inputs:    getStrings(pm, "input"),
		Outputs:   getStrings(pm, "output"),
		Name:      getString(pm, "name"),
		OpType:    getString(pm, "op_type"),
		DocString: getString(pm, "doc_string"),
		Domain:    getString(pm, "domain"),
	}
	for _, am := range messages(pm, "attribute") {
		a, err := readAttribute(am)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", getString(am, "name"), err)
		}
		n.Attributes = append(n.Attributes, a)
	}
	return n, nil
}

func readAttribute(pm protoreflect.Message) (*Attribute, error) {
	a := &Attribute{
		Name: getString(pm, "name"),
		F:    float32(pm.Get(field(pm, "f")).Float()),
		I:    getInt64(pm, "i"),
		Type: AttributeType(pm.Get(field(pm, "type")).Enum()),
	}
	if pm.Has(field(pm, "s")) {
		a.S = clone(pm.Get(field(pm, "s")).Bytes())
	}
	if tm, ok := get(pm, "t"); ok {
		t, err := readTensor(tm)
		if err != nil {
			return nil, err
		}
		a.T = t
	}
	if gm, ok := get(pm, "g"); ok {
		g, err := readGraph(gm)
		if err != nil {
			return nil, err
		}
		a.G = g
	}
	if l := pm.Get(field(pm, "floats")).List(); l.Len() > 0 {
		a.Floats = make([]float32, l.Len())
		for i := range a.Floats {
			a.Floats[i] = float32(l.Get(i).Float())
		}
	}
	a.Ints = getInt64s(pm, "ints")
	if l := pm.Get(field(pm, "strings")).List(); l.Len() > 0 {
		a.Strings = make([][]byte, l.Len())
		for i := range a.Strings {
			a.Strings[i] = clone(l.Get(i).Bytes())
		}
	}
	return a, nil
}

func readTensor(pm protoreflect.Message) (*Tensor, error) {
	t := &Tensor{
		Dims:      getInt64s(pm, "dims"),
		DataType:  DataType(pm.Get(field(pm, "data_type")).Int()),
		Int64Data: getInt64s(pm, "int64_data"),
		Name:      getString(pm, "name"),
		DocString: getString(pm, "doc_string"),
	}
	if pm.Get(field(pm, "external_data")).List().Len() > 0 ||
		pm.Get(field(pm, "data_location")).Enum() == tensorDataLocationExternal {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, ErrExternalData)
	}
	if l := pm.Get(field(pm, "float_data")).List(); l.Len() > 0 {
		t.FloatData = make([]float32, l.Len())
		for i := range t.FloatData {
			t.FloatData[i] = float32(l.Get(i).Float())
		}
	}
	if l := pm.Get(field(pm, "int32_data")).List(); l.Len() > 0 {
		t.Int32Data = make([]int32, l.Len())
		for i := range t.Int32Data {
			t.Int32Data[i] = int32(l.Get(i).Int())
		}
	}
	if pm.Has(field(pm, "raw_data")) {
		t.RawData = clone(pm.Get(field(pm, "raw_data")).Bytes())
	}
	if l := pm.Get(field(pm, "double_data")).List(); l.Len() > 0 {
		t.DoubleData = make([]float64, l.Len())
		for i := range t.DoubleData {
			t.DoubleData[i] = l.Get(i).Float()
		}
	}
	return t, nil
}

// readValueInfo keeps only tensor types; other TypeProto variants leave
// Type nil.
func readValueInfo(pm protoreflect.Message) *ValueInfo {
	vi := &ValueInfo{
		Name:      getString(pm, "name"),
		DocString: getString(pm, "doc_string"),
	}
	tp, ok := get(pm, "type")
	if !ok {
		return vi
	}
	tm, ok := get(tp, "tensor_type")
	if !ok {
		return vi
	}
	vi.Type = &TensorType{ElemType: DataType(tm.Get(field(tm, "elem_type")).Int())}
	if sm, ok := get(tm, "shape"); ok {
		shape := &Shape{}
		for _, dm := range messages(sm, "dim") {
			var d Dim
			if dm.Has(field(dm, "dim_value")) {
				d = DimValue(getInt64(dm, "dim_value"))
			} else if dm.Has(field(dm, "dim_param")) {
				d = DimParam(getString(dm, "dim_param"))
			}
			shape.Dims = append(shape.Dims, d)
		}
		vi.Type.Shape = shape
	}
	return vi
}

// get returns the singular message field name when it is set.
func get(pm protoreflect.Message, name protoreflect.Name) (protoreflect.Message, bool) {
	fd := field(pm, name)
	if !pm.Has(fd) {
		return nil, false
	}
	return pm.Get(fd).Message(), true
}

func messages(pm protoreflect.Message, name protoreflect.Name) []protoreflect.Message {
	l := pm.Get(field(pm, name)).List()
	out := make([]protoreflect.Message, l.Len())
	for i := range out {
		out[i] = l.Get(i).Message()
	}
	return out
}

func getString(pm protoreflect.Message, name protoreflect.Name) string {
	return pm.Get(field(pm, name)).String()
}

func getInt64(pm protoreflect.Message, name protoreflect.Name) int64 {
	return pm.Get(field(pm, name)).Int()
}

func getStrings(pm protoreflect.Message, name protoreflect.Name) []string {
	l := pm.Get(field(pm, name)).List()
	if l.Len() == 0 {
		return nil
	}
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

func getInt64s(pm protoreflect.Message, name protoreflect.Name) []int64 {
	l := pm.Get(field(pm, name)).List()
	if l.Len() == 0 {
		return nil
	}
	out := make([]int64, l.Len())
	for i := range out {
		out[i] = l.Get(i).Int()
	}
	return out
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
