package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png", ".tif", ".tiff", ".webp"}

// ImageFolder is a dataset laid out as root/<class>/<image>. Classes are
// numbered in sorted directory order and images are listed in sorted order.
type ImageFolder struct {
	Root    string
	Classes []string

	files     []string
	labels    []int
	transform Transform
}

// OpenImageFolder indexes root.
func OpenImageFolder(root string, tf Transform) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	ds := &ImageFolder{Root: root, transform: tf}
	for _, e := range entries {
		if e.IsDir() {
			ds.Classes = append(ds.Classes, e.Name())
		}
	}
	slices.Sort(ds.Classes)
	for label, class := range ds.Classes {
		var files []string
		err := filepath.WalkDir(filepath.Join(root, class), func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && slices.Contains(imageExts, strings.ToLower(filepath.Ext(path))) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		slices.Sort(files)
		for _, f := range files {
			ds.files = append(ds.files, f)
			ds.labels = append(ds.labels, label)
		}
	}
	if len(ds.files) == 0 {
		return nil, fmt.Errorf("%w: no images under %s", ErrEmpty, root)
	}
	return ds, nil
}

func (d *ImageFolder) Len() int { return len(d.files) }

func (d *ImageFolder) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.files) {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(d.files))
	}
	f, err := os.Open(d.files[i])
	if err != nil {
		return Sample{}, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, d.files[i], err)
	}
	return Sample{Image: d.transform(img), Label: d.labels[i]}, nil
}
