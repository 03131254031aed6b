// Package npz reads and writes numpy .npz archives: zip files holding one
// .npy entry per named array, as produced by numpy.savez.
package npz

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	ErrCorrupt          = errors.New("npz: corrupt archive")
	ErrUnsupportedDType = errors.New("npz: unsupported dtype")
)

const npyExt = ".npy"

// Archive is an ordered set of named arrays.
type Archive struct {
	names  []string
	arrays map[string]*tensor.Tensor
}

func New() *Archive {
	return &Archive{arrays: make(map[string]*tensor.Tensor)}
}

// Set stores t under name. Replacing an array keeps its position.
func (a *Archive) Set(name string, t *tensor.Tensor) {
	if _, ok := a.arrays[name]; !ok {
		a.names = append(a.names, name)
	}
	a.arrays[name] = t
}

func (a *Archive) Get(name string) (*tensor.Tensor, bool) {
	t, ok := a.arrays[name]
	return t, ok
}

// Names lists array names in insertion order.
func (a *Archive) Names() []string { return slices.Clone(a.names) }

func (a *Archive) Len() int { return len(a.names) }

// Entry describes an array without its data.
type Entry struct {
	Name  string
	Shape []int
	DType tensor.DType
}

// Descr returns the numpy dtype string of the entry.
func (e Entry) Descr() string { return Descr(e.DType) }

// ShapeString formats the shape as a Python tuple, e.g. "(4, 197, 192)".
func (e Entry) ShapeString() string { return shapeLiteral(e.Shape) }

// Write stores a at path. Entries are deflated when compress is set, as
// numpy.savez_compressed does, and stored otherwise.
func Write(path string, a *Archive, compress bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".npz-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	method := zip.Store
	if compress {
		method = zip.Deflate
	}
	zw := zip.NewWriter(tmp)
	for _, name := range a.names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name + npyExt, Method: method})
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if err := writeNPY(w, a.arrays[name]); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("npz: array %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads every array of the archive at path.
func Read(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	defer func() { _ = zr.Close() }()

	a := New()
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, npyExt) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, f.Name, err)
		}
		t, err := readNPY(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		a.Set(strings.TrimSuffix(f.Name, npyExt), t)
	}
	return a, nil
}

// List reads only the array headers of the archive at path.
func List(path string) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	defer func() { _ = zr.Close() }()

	var entries []Entry
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, npyExt) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, f.Name, err)
		}
		h, err := readHeader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		entries = append(entries, Entry{Name: strings.TrimSuffix(f.Name, npyExt), Shape: h.Shape, DType: h.DType})
	}
	return entries, nil
}
