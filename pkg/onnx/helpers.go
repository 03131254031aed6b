package onnx

// Attr returns the attribute called name, or nil.
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// AttrInt returns an integer attribute or def when absent.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return def
}

// AttrFloat returns a float attribute or def when absent.
func (n *Node) AttrFloat(name string, def float32) float32 {
	if a := n.Attr(name); a != nil {
		return a.F
	}
	return def
}

// AttrInts returns an integer list attribute and whether it was present.
func (n *Node) AttrInts(name string) ([]int64, bool) {
	if a := n.Attr(name); a != nil {
		return a.Ints, true
	}
	return nil, false
}

// AttrString returns a string attribute or def when absent.
func (n *Node) AttrString(name, def string) string {
	if a := n.Attr(name); a != nil {
		return string(a.S)
	}
	return def
}

// AttrTensor returns a tensor attribute, or nil.
func (n *Node) AttrTensor(name string) *Tensor {
	if a := n.Attr(name); a != nil {
		return a.T
	}
	return nil
}

func IntAttr(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: v}
}

func FloatAttr(name string, v float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: v}
}

func IntsAttr(name string, v ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInts, Ints: v}
}

func StringAttr(name, v string) *Attribute {
	return &Attribute{Name: name, Type: AttributeString, S: []byte(v)}
}

func TensorAttr(name string, t *Tensor) *Attribute {
	return &Attribute{Name: name, Type: AttributeTensor, T: t}
}

// TensorValueInfo builds a tensor value info. A nil dims slice leaves the
// shape unknown, matching onnx.helper.make_tensor_value_info(name, type, None).
func TensorValueInfo(name string, elem DataType, dims []Dim) *ValueInfo {
	tt := &TensorType{ElemType: elem}
	if dims != nil {
		tt.Shape = &Shape{Dims: append([]Dim(nil), dims...)}
	}
	return &ValueInfo{Name: name, Type: tt}
}

// Initializer returns the initializer called name, or nil.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// InputNames lists graph input names in declaration order.
func (g *Graph) InputNames() []string {
	names := make([]string, len(g.Inputs))
	for i, vi := range g.Inputs {
		names[i] = vi.Name
	}
	return names
}

// OutputNames lists graph output names in declaration order.
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, vi := range g.Outputs {
		names[i] = vi.Name
	}
	return names
}

// Opset returns the imported opset version for domain, or 0.
func (m *Model) Opset(domain string) int64 {
	for _, op := range m.OpsetImports {
		if op.Domain == domain || (domain == "ai.onnx" && op.Domain == "") {
			return op.Version
		}
	}
	return 0
}

// EnsureOpset adds an opset import for domain when it is missing.
func (m *Model) EnsureOpset(domain string, version int64) {
	if m.Opset(domain) != 0 {
		return
	}
	m.OpsetImports = append(m.OpsetImports, OpsetID{Domain: domain, Version: version})
}
