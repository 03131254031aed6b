// Package quantize implements static post-training quantization of ONNX
// graphs: activation ranges are calibrated with MinMax on a data reader and
// linear operators are rewritten into their integer QOperator forms.
package quantize

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/metrics"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

var (
	ErrNoCalibrationData = errors.New("quantize: calibration reader produced no data")
	ErrUnsupportedFormat = errors.New("quantize: unsupported quantization format")
)

// Format selects how quantized operators are represented.
type Format string

// QOperator replaces operators with their integer counterparts
// (QLinearMatMul, QGemm) surrounded by QuantizeLinear/DequantizeLinear.
const QOperator Format = "QOperator"

// Options configures static quantization.
type Options struct {
	OpTypes             []string
	PerChannel          bool
	ReduceRange         bool
	ActivationType      quant.Type
	WeightType          quant.Type
	ActivationSymmetric bool
	WeightSymmetric     bool
	Format              Format
	Device              runtime.Device
}

// DefaultOptions quantizes MatMul and Gemm to int8 with per-channel
// symmetric weights and asymmetric activations.
func DefaultOptions() Options {
	return Options{
		OpTypes:         []string{"MatMul", "Gemm"},
		PerChannel:      true,
		ActivationType:  quant.QInt8,
		WeightType:      quant.QInt8,
		WeightSymmetric: true,
		Format:          QOperator,
		Device:          runtime.Auto,
	}
}

// Static quantizes the model at in and writes the result to out.
func Static(ctx context.Context, in, out string, reader CalibrationDataReader, opts Options) error {
	m, err := onnx.ReadFile(in)
	if err != nil {
		return err
	}
	q, err := StaticModel(ctx, m, reader, opts)
	if err != nil {
		return err
	}
	return onnx.WriteFile(out, q)
}

// StaticModel calibrates m with reader and returns the quantized model. m is
// not modified.
func StaticModel(ctx context.Context, m *onnx.Model, reader CalibrationDataReader, opts Options) (*onnx.Model, error) {
	if opts.Format == "" {
		opts.Format = QOperator
	}
	if opts.Format != QOperator {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, opts.Format)
	}
	if len(opts.OpTypes) == 0 {
		opts.OpTypes = DefaultOptions().OpTypes
	}
	if m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	log := logger.FromContext(ctx)

	work, err := graph.PreprocessModel(m)
	if err != nil {
		return nil, err
	}
	names := calibrationTargets(work.Graph, opts.OpTypes)
	log.Info("calibrating", "tensors", len(names), "op_types", opts.OpTypes)
	ranges, err := Calibrate(ctx, work, reader, names, opts.Device)
	if err != nil {
		return nil, err
	}

	q := newQuantizer(work, ranges, opts)
	if err := q.run(); err != nil {
		return nil, err
	}
	metrics.QuantizedNodes.Set(float64(q.count))
	log.Info("quantized graph", "nodes_quantized", q.count, "nodes", len(work.Graph.Nodes))
	return work, nil
}
