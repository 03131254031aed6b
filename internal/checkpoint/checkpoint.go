// Package checkpoint loads pretrained weights into flat state dicts and
// adapts them to a target model: classifier heads whose shape differs are
// dropped and position embeddings are resized to the target patch grid.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/safetensors"
	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported format")
	ErrInvalidCheckpoint = errors.New("checkpoint: invalid checkpoint")
)

// StateDict maps parameter names to tensors.
type StateDict map[string]*tensor.Tensor

// Names returns the keys in sorted order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Load reads a checkpoint. Files ending in .safetensors are read directly;
// .pth, .pt and .bin files are unpickled as PyTorch archives. When the
// archive is a training checkpoint the weights under its "model" entry are
// returned.
func Load(path string) (StateDict, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return loadSafetensors(path)
	case ".pth", ".pt", ".bin":
		return loadTorch(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Save writes sd as safetensors.
func Save(path string, sd StateDict) error {
	return safetensors.Write(path, sd, map[string]string{"format": "pt"})
}

func loadSafetensors(path string) (StateDict, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	all, err := f.ReadAll()
	if err != nil {
		return nil, err
	}
	return StateDict(all), nil
}

func loadTorch(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCheckpoint, path, err)
	}
	if inner, ok := lookup(obj, "model"); ok {
		obj = inner
	}
	sd := make(StateDict)
	err = each(obj, func(key string, v any) error {
		pt, ok := v.(*pytorch.Tensor)
		if !ok {
			// Buffers such as num_batches_tracked may be plain numbers.
			return nil
		}
		t, err := fromTorch(pt)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		sd[key] = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCheckpoint, path, err)
	}
	if len(sd) == 0 {
		return nil, fmt.Errorf("%w: %s holds no tensors", ErrInvalidCheckpoint, path)
	}
	return sd, nil
}

func lookup(obj any, key string) (any, bool) {
	switch d := obj.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		return d.Get(key)
	}
	return nil, false
}

func each(obj any, fn func(key string, v any) error) error {
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			if err := fn(key, d.MustGet(k)); err != nil {
				return err
			}
		}
		return nil
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			key, ok := entry.Key.(string)
			if !ok {
				continue
			}
			if err := fn(key, entry.Value); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unexpected top-level object %T", obj)
}

// fromTorch copies a possibly strided view out of its storage.
func fromTorch(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	shape := slices.Clone(pt.Size)
	n := tensor.NumElements(shape)
	idx := stridedIndex(shape, pt.Stride, pt.StorageOffset)

	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		return tensor.FromFloat32(shape, gatherF32(s.Data, idx, n, func(v float32) float32 { return v })), nil
	case *pytorch.HalfStorage:
		return tensor.FromFloat32(shape, gatherF32(s.Data, idx, n, func(v float32) float32 { return v })), nil
	case *pytorch.BFloat16Storage:
		return tensor.FromFloat32(shape, gatherF32(s.Data, idx, n, func(v float32) float32 { return v })), nil
	case *pytorch.DoubleStorage:
		return tensor.FromFloat32(shape, gatherF32(s.Data, idx, n, func(v float64) float32 { return float32(v) })), nil
	case *pytorch.LongStorage:
		out := make([]int64, n)
		for i, j := range idx {
			out[i] = s.Data[j]
		}
		return tensor.FromInt64(shape, out), nil
	case *pytorch.IntStorage:
		out := make([]int64, n)
		for i, j := range idx {
			out[i] = int64(s.Data[j])
		}
		return tensor.FromInt64(shape, out), nil
	}
	return nil, fmt.Errorf("%w: storage %T", ErrUnsupportedFormat, pt.Source)
}

func gatherF32[T any](data []T, idx []int, n int, conv func(T) float32) []float32 {
	out := make([]float32, n)
	for i, j := range idx {
		out[i] = conv(data[j])
	}
	return out
}

// stridedIndex lists the storage offset of every element in row-major order.
func stridedIndex(shape, stride []int, offset int) []int {
	n := tensor.NumElements(shape)
	if len(stride) != len(shape) {
		stride = tensor.Strides(shape)
	}
	idx := make([]int, n)
	pos := make([]int, len(shape))
	for i := range n {
		off := offset
		for d, p := range pos {
			off += p * stride[d]
		}
		idx[i] = off
		for d := len(pos) - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < shape[d] {
				break
			}
			pos[d] = 0
		}
	}
	return idx
}

// headKeys are the classifier parameters that depend on the number of
// classes.
var headKeys = []string{"head.weight", "head.bias", "head_dist.weight", "head_dist.bias"}

// DropMismatchedHeads removes classifier entries whose shape differs from
// the target model's and returns their names.
func DropMismatchedHeads(sd StateDict, want map[string][]int, log logger.Logger) []string {
	var dropped []string
	for _, k := range headKeys {
		t, ok := sd[k]
		if !ok {
			continue
		}
		shape, ok := want[k]
		if !ok || slices.Equal(shape, t.Shape) {
			continue
		}
		log.Info("removing key from pretrained checkpoint", "key", k, "checkpoint_shape", t.Shape, "model_shape", shape)
		delete(sd, k)
		dropped = append(dropped, k)
	}
	return dropped
}
