// Package dataset provides the evaluation image datasets used for
// calibration, activation collection and accuracy measurement, together with
// a batching loader.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	ErrUnknownDataset = errors.New("dataset: unknown dataset")
	ErrEmpty          = errors.New("dataset: no samples")
	ErrCorrupt        = errors.New("dataset: corrupt sample")
	ErrIndex          = errors.New("dataset: index out of range")
)

// Sample is one preprocessed image [3,H,W] and its class index.
type Sample struct {
	Image *tensor.Tensor
	Label int
}

// Dataset is a random-access collection of samples.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// Batch is a stack of samples: Images is [B,3,H,W].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// Source yields batches in a fixed order. Next returns nil, nil once the
// source is exhausted; Reset starts over from the first batch.
type Source interface {
	Next(ctx context.Context) (*Batch, error)
	Reset()
}

// Kind names a supported dataset layout.
type Kind string

const (
	ImageNet    Kind = "IMNET"
	CIFAR       Kind = "CIFAR"
	INat        Kind = "INAT"
	INat19      Kind = "INAT19"
	DefaultKind      = ImageNet
)

// Kinds lists the accepted --data-set values.
func Kinds() []Kind { return []Kind{CIFAR, ImageNet, INat, INat19} }

// ParseKind validates a dataset name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(s))
	for _, v := range Kinds() {
		if k == v {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataset, s)
}

// Build opens the validation split of a dataset and applies the evaluation
// transform for imgSize.
func Build(kind Kind, dataPath string, imgSize int) (Dataset, error) {
	tf := EvalTransform(imgSize)
	switch kind {
	case CIFAR:
		ds, err := OpenCIFAR(dataPath, tf)
		if err != nil {
			return nil, err
		}
		return ds, nil
	case ImageNet, INat, INat19:
		ds, err := OpenImageFolder(filepath.Join(dataPath, "val"), tf)
		if err != nil {
			return nil, err
		}
		return ds, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, kind)
}

type subset struct {
	ds Dataset
	n  int
}

// Subset exposes the first n samples of ds. n is clamped to ds.Len().
func Subset(ds Dataset, n int) Dataset {
	return &subset{ds: ds, n: max(0, min(n, ds.Len()))}
}

func (s *subset) Len() int { return s.n }

func (s *subset) Get(i int) (Sample, error) {
	if i < 0 || i >= s.n {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, s.n)
	}
	return s.ds.Get(i)
}
