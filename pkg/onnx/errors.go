package onnx

import "errors"

var (
	ErrNilModel       = errors.New("onnx: nil model")
	ErrCorruptModel   = errors.New("onnx: corrupt model")
	ErrExternalData   = errors.New("onnx: external tensor data is not supported")
	ErrNoGraph        = errors.New("onnx: model has no graph")
	ErrTensorNotFound = errors.New("onnx: tensor not found")
)
