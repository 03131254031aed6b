package onnx

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile loads and decodes the model stored at path.
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Graph == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoGraph)
	}
	return m, nil
}

// WriteFile encodes m and writes it to path. The file is written to a
// temporary sibling first and renamed, so readers never observe a partial
// model.
func WriteFile(path string, m *Model) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".onnx-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Clone returns a deep copy of m.
func Clone(m *Model) (*Model, error) {
	data, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
