// Package eval measures top-1 classification accuracy of an exported model.
package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/internal/tensor"
)

var ErrLogitsShape = errors.New("eval: logits must be [batch, classes]")

// Options controls evaluation.
type Options struct {
	Device runtime.Device
	// MaxBatches limits the number of batches; 0 means all.
	MaxBatches int
}

// Result holds top-1 counts. Top1 is a percentage.
type Result struct {
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Top1    float64 `json:"top1"`
}

func (r Result) String() string {
	return fmt.Sprintf("top-1 %.3f%% (%d/%d)", r.Top1, r.Correct, r.Total)
}

// Top1 runs the model at modelPath over src and compares the argmax of its
// first output with the batch labels.
func Top1(ctx context.Context, modelPath string, src dataset.Source, opts Options) (Result, error) {
	sess, err := runtime.Open(modelPath, runtime.Options{Device: opts.Device})
	if err != nil {
		return Result{}, err
	}
	inputs := sess.InputNames()
	outputs := sess.OutputNames()
	if len(inputs) == 0 || len(outputs) == 0 {
		return Result{}, fmt.Errorf("eval: %s has no input or output", modelPath)
	}

	log := logger.FromContext(ctx)
	var r Result
	src.Reset()
	for b := 0; opts.MaxBatches <= 0 || b < opts.MaxBatches; b++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if batch == nil {
			break
		}
		outs, err := sess.Run(ctx, outputs[:1], map[string]*tensor.Tensor{inputs[0]: batch.Images})
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", b, err)
		}
		pred, err := Argmax(outs[0])
		if err != nil {
			return Result{}, err
		}
		if len(pred) != batch.Size() {
			return Result{}, fmt.Errorf("%w: got %d rows for %d labels", ErrLogitsShape, len(pred), batch.Size())
		}
		for i, p := range pred {
			if p == batch.Labels[i] {
				r.Correct++
			}
		}
		r.Total += batch.Size()
		log.Debug("evaluated batch", "batch", b, "correct", r.Correct, "total", r.Total)
	}
	r.Top1 = 100 * float64(r.Correct) / float64(max(1, r.Total))
	return r, nil
}

// Argmax returns the index of the largest logit of each row. Ties resolve to
// the lowest index.
func Argmax(logits *tensor.Tensor) ([]int, error) {
	if logits.Rank() != 2 || logits.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: got %v %v", ErrLogitsShape, logits.DType, logits.Shape)
	}
	rows, cols := logits.Shape[0], logits.Shape[1]
	if cols == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrLogitsShape)
	}
	pred := make([]int, rows)
	for i := range rows {
		row := logits.F32[i*cols : (i+1)*cols]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		pred[i] = best
	}
	return pred, nil
}
