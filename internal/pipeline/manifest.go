package pipeline

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/vitptq/internal/eval"
)

// File names written to the output directory.
const (
	FloatModelFile       = "model_float.onnx"
	PreprocessedFile     = "model_preprocessed.onnx"
	ExtractedFloatFile   = "extracted_attn_float.onnx"
	FloatDetailedFile    = "float_detailed.onnx"
	QuantizedFile        = "model_quantized.onnx"
	ExtractedQuantFile   = "extracted_attn_quant.onnx"
	QuantDetailedFile    = "quant_detailed.onnx"
	FloatActivationsFile = "attn_float_activations.npz"
	QuantActivationsFile = "attn_quant_activations.npz"
	ManifestFile         = "manifest.json"
)

// Artifacts holds the path of every file a run produces.
type Artifacts struct {
	FloatModel       string `json:"float_model"`
	Preprocessed     string `json:"preprocessed"`
	ExtractedFloat   string `json:"extracted_float"`
	FloatDetailed    string `json:"float_detailed"`
	Quantized        string `json:"quantized"`
	ExtractedQuant   string `json:"extracted_quant"`
	QuantDetailed    string `json:"quant_detailed"`
	FloatActivations string `json:"float_activations"`
	QuantActivations string `json:"quant_activations"`
	Manifest         string `json:"manifest"`
}

// ArtifactsIn returns the artifact paths under dir.
func ArtifactsIn(dir string) Artifacts {
	p := func(name string) string { return filepath.Join(dir, name) }
	return Artifacts{
		FloatModel:       p(FloatModelFile),
		Preprocessed:     p(PreprocessedFile),
		ExtractedFloat:   p(ExtractedFloatFile),
		FloatDetailed:    p(FloatDetailedFile),
		Quantized:        p(QuantizedFile),
		ExtractedQuant:   p(ExtractedQuantFile),
		QuantDetailed:    p(QuantDetailedFile),
		FloatActivations: p(FloatActivationsFile),
		QuantActivations: p(QuantActivationsFile),
		Manifest:         p(ManifestFile),
	}
}

// CheckpointReport records how the checkpoint was adapted to the model.
type CheckpointReport struct {
	Path         string   `json:"path"`
	Dropped      []string `json:"dropped,omitempty"`
	Interpolated bool     `json:"interpolated"`
	Missing      []string `json:"missing,omitempty"`
	Unexpected   []string `json:"unexpected,omitempty"`
}

// Manifest describes one completed run.
type Manifest struct {
	RunID              string           `json:"run_id"`
	Version            string           `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	Config             Config           `json:"config"`
	Artifacts          Artifacts        `json:"artifacts"`
	Checkpoint         CheckpointReport `json:"checkpoint"`
	CalibrationSamples int              `json:"calibration_samples"`
	FloatTensors       []string         `json:"float_tensors"`
	QuantTensors       []string         `json:"quant_tensors"`
	Eval               *eval.Result     `json:"eval,omitempty"`
}

// WriteManifest stores m as indented JSON.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
