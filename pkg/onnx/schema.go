package onnx

import (
	_ "embed"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

//go:embed onnx.textproto
var schemaText []byte

// schema holds the message descriptors of onnx.proto.
type schema struct {
	file  protoreflect.FileDescriptor
	model protoreflect.MessageDescriptor
}

var loadSchema = sync.OnceValues(func() (*schema, error) {
	var fdp descriptorpb.FileDescriptorProto
	if err := prototext.Unmarshal(schemaText, &fdp); err != nil {
		return nil, fmt.Errorf("onnx schema: %w", err)
	}
	fd, err := protodesc.NewFile(&fdp, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx schema: %w", err)
	}
	model := fd.Messages().ByName("ModelProto")
	if model == nil {
		return nil, fmt.Errorf("onnx schema: ModelProto missing")
	}
	return &schema{file: fd, model: model}, nil
})

// newModelProto returns an empty ModelProto message.
func newModelProto() (*dynamicpb.Message, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}
	return dynamicpb.NewMessage(s.model), nil
}

// field resolves a field of m by its onnx.proto name. The schema is fixed,
// so an unknown name is a programming error.
func field(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("onnx: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}
