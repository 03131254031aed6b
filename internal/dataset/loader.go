package dataset

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/vitptq/internal/tensor"
)

// Loader batches a dataset in index order without shuffling. The last batch
// may be smaller than the batch size. Samples of a batch are decoded by up to
// Workers goroutines; their order in the batch is always the index order.
type Loader struct {
	ds        Dataset
	batchSize int
	workers   int
	pos       int
}

// NewLoader returns a loader over ds. workers <= 0 decodes serially.
func NewLoader(ds Dataset, batchSize, workers int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	return &Loader{ds: ds, batchSize: batchSize, workers: max(1, workers)}, nil
}

// NumBatches returns the number of batches per pass.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Len returns the number of samples per pass.
func (l *Loader) Len() int { return l.ds.Len() }

func (l *Loader) Reset() { l.pos = 0 }

func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := l.pos
	end := min(start+l.batchSize, l.ds.Len())
	if start >= end {
		return nil, nil
	}

	samples := make([]Sample, end-start)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := l.ds.Get(start + i)
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	l.pos = end
	return Stack(samples)
}

// Stack concatenates samples of identical shape into a batch.
func Stack(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrEmpty)
	}
	shape := samples[0].Image.Shape
	per := samples[0].Image.Len()
	images := tensor.New(tensor.Float32, append([]int{len(samples)}, shape...)...)
	labels := make([]int, len(samples))
	for i, s := range samples {
		if !slices.Equal(s.Image.Shape, shape) {
			return nil, fmt.Errorf("%w: sample %d has shape %v, batch has %v", tensor.ErrShape, i, s.Image.Shape, shape)
		}
		copy(images.F32[i*per:], s.Image.F32)
		labels[i] = s.Label
	}
	return &Batch{Images: images, Labels: labels}, nil
}
