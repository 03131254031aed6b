// Package activations runs a graph whose intermediate tensors were exposed as
// outputs and stores the collected values as an .npz archive.
package activations

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/metrics"
	"github.com/samcharles93/vitptq/internal/npz"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	ErrOutputNotFound = errors.New("activations: tensor is not a model output")
	ErrNoTensors      = errors.New("activations: no tensors requested")
)

// OutputNotFoundError names a requested tensor the model does not expose.
type OutputNotFoundError struct {
	Name  string
	Model string
}

func (e *OutputNotFoundError) Error() string {
	return fmt.Sprintf("tensor %s not found in outputs of %s", e.Name, e.Model)
}

func (e *OutputNotFoundError) Unwrap() error { return ErrOutputNotFound }

// Options controls collection.
type Options struct {
	// MaxBatches limits the number of batches; 0 means all.
	MaxBatches int
	Device     runtime.Device
	Compress   bool
}

// Collect runs the model at modelPath over src, feeding each batch as
// inputName, and writes the named outputs concatenated along the batch axis
// to npzPath. names must be non-empty and all of them graph outputs; both
// are checked before any batch runs.
func Collect(ctx context.Context, modelPath string, src dataset.Source, inputName string, names []string, npzPath string, opts Options) error {
	if len(names) == 0 {
		return fmt.Errorf("%w for %s", ErrNoTensors, modelPath)
	}
	log := logger.FromContext(ctx).With("model", modelPath)
	sess, err := runtime.Open(modelPath, runtime.Options{Device: opts.Device})
	if err != nil {
		return err
	}
	outputs := sess.OutputNames()
	for _, name := range names {
		if !slices.Contains(outputs, name) {
			return &OutputNotFoundError{Name: name, Model: modelPath}
		}
	}

	a, err := collect(ctx, sess, src, inputName, names, opts.MaxBatches)
	if err != nil {
		return err
	}
	for _, name := range a.Names() {
		t, _ := a.Get(name)
		if t.DType != tensor.Float32 {
			continue
		}
		if nans, infs := metrics.RecordNonFinite(name, t.F32); nans+infs > 0 {
			log.Warn("non-finite activations", "tensor", name, "nan", nans, "inf", infs)
		}
	}
	if err := npz.Write(npzPath, a, opts.Compress); err != nil {
		return err
	}
	metrics.ActivationArrays.WithLabelValues(npzPath).Add(float64(a.Len()))
	log.Info("saved activations", "path", npzPath, "arrays", a.Len())
	return nil
}

func collect(ctx context.Context, sess *runtime.Session, src dataset.Source, inputName string, names []string, maxBatches int) (*npz.Archive, error) {
	chunks := make([][]*tensor.Tensor, len(names))
	src.Reset()
	for b := 0; maxBatches <= 0 || b < maxBatches; b++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		outs, err := sess.Run(ctx, names, map[string]*tensor.Tensor{inputName: batch.Images})
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b, err)
		}
		for i, t := range outs {
			chunks[i] = append(chunks[i], t)
		}
	}

	a := npz.New()
	for i, name := range names {
		if len(chunks[i]) == 0 {
			return nil, fmt.Errorf("%w: no batches for %s", dataset.ErrEmpty, name)
		}
		t, err := tensor.Concat(0, chunks[i]...)
		if err != nil {
			return nil, fmt.Errorf("concatenate %s: %w", name, err)
		}
		a.Set(name, t)
	}
	return a, nil
}
