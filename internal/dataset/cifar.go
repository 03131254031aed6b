package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	cifarSide  = 32
	cifarPixel = cifarSide * cifarSide
	cifarImage = 3 * cifarPixel
)

// CIFARFile describes one binary CIFAR test file: the number of label bytes
// preceding each image and which of them is the class.
type CIFARFile struct {
	Name        string
	LabelBytes  int
	LabelOffset int
}

// CIFAR10Test and CIFAR100Test are the test splits of the binary releases.
var (
	CIFAR10Test  = CIFARFile{Name: "test_batch.bin", LabelBytes: 1}
	CIFAR100Test = CIFARFile{Name: "test.bin", LabelBytes: 2, LabelOffset: 1}
)

// CIFARSet holds a decoded CIFAR test split in memory.
type CIFARSet struct {
	Path string

	images    [][]byte
	labels    []int
	transform Transform
}

// OpenCIFAR looks for a CIFAR-10 or CIFAR-100 binary test split under root
// or its usual extraction directories.
func OpenCIFAR(root string, tf Transform) (*CIFARSet, error) {
	candidates := []struct {
		dir  string
		spec CIFARFile
	}{
		{root, CIFAR10Test},
		{filepath.Join(root, "cifar-10-batches-bin"), CIFAR10Test},
		{root, CIFAR100Test},
		{filepath.Join(root, "cifar-100-binary"), CIFAR100Test},
	}
	for _, c := range candidates {
		path := filepath.Join(c.dir, c.spec.Name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return ReadCIFAR(path, c.spec, tf)
	}
	return nil, fmt.Errorf("%w: no CIFAR test split under %s", ErrEmpty, root)
}

// ReadCIFAR loads every record of a binary CIFAR file.
func ReadCIFAR(path string, spec CIFARFile, tf Transform) (*CIFARSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := spec.LabelBytes + cifarImage
	if len(data) == 0 || len(data)%rec != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes, not a multiple of %d", ErrCorrupt, path, len(data), rec)
	}
	n := len(data) / rec
	ds := &CIFARSet{Path: path, transform: tf, images: make([][]byte, n), labels: make([]int, n)}
	for i := range n {
		r := data[i*rec : (i+1)*rec]
		ds.labels[i] = int(r[spec.LabelOffset])
		ds.images[i] = r[spec.LabelBytes:]
	}
	return ds, nil
}

func (d *CIFARSet) Len() int { return len(d.images) }

func (d *CIFARSet) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.images) {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(d.images))
	}
	// Records store the red, green and blue planes one after another.
	px := d.images[i]
	img := image.NewRGBA(image.Rect(0, 0, cifarSide, cifarSide))
	for p := range cifarPixel {
		img.SetRGBA(p%cifarSide, p/cifarSide, color.RGBA{R: px[p], G: px[cifarPixel+p], B: px[2*cifarPixel+p], A: 0xff})
	}
	return Sample{Image: d.transform(img), Label: d.labels[i]}, nil
}
