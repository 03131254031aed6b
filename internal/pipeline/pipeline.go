// Package pipeline runs the export, preprocess, extract, quantize and
// activation collection stages in order, each reading the files the previous
// stage wrote to the output directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/vitptq/internal/activations"
	"github.com/samcharles93/vitptq/internal/checkpoint"
	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/eval"
	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/metrics"
	"github.com/samcharles93/vitptq/internal/quantize"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/internal/version"
	"github.com/samcharles93/vitptq/internal/vit"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

var ErrConfig = errors.New("pipeline: invalid configuration")

// Config holds every option of a quantization run.
type Config struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
	Model     string `json:"model" yaml:"model"`
	Degree    int    `json:"degree" yaml:"degree"`
	// BitsAct and BitsWt are recorded but do not change the quantizer, which
	// always emits int8.
	BitsAct   int             `json:"bits_act" yaml:"bits_act"`
	BitsWt    int             `json:"bits_wt" yaml:"bits_wt"`
	BatchSize int             `json:"batch_size" yaml:"batch_size"`
	ImgSize   int             `json:"img_size" yaml:"img_size"`
	Workers   int             `json:"workers" yaml:"workers"`
	Out       string          `json:"out" yaml:"out"`
	DataPath  string          `json:"data_path" yaml:"data_path"`
	DataSet   dataset.Kind    `json:"data_set" yaml:"data_set"`
	NumCalib  int             `json:"num_calib" yaml:"num_calib"`
	Device    runtime.Device  `json:"device" yaml:"device"`
	Landmarks graph.Landmarks `json:"landmarks" yaml:"landmarks"`
	Evaluate  bool            `json:"evaluate" yaml:"evaluate"`
	Compress  bool            `json:"compress" yaml:"compress"`
	// Seed initializes parameters the checkpoint does not provide.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the defaults of the quantize command.
func DefaultConfig() Config {
	return Config{
		Model:     "deit_tiny_patch16_224",
		Degree:    1,
		BitsAct:   8,
		BitsWt:    8,
		BatchSize: 64,
		ImgSize:   224,
		Workers:   4,
		Out:       "ptq_out",
		DataSet:   dataset.DefaultKind,
		NumCalib:  512,
		Device:    runtime.Auto,
		Landmarks: graph.DefaultLandmarks(),
	}
}

// Validate reports the first inconsistent option.
func (c Config) Validate() error {
	switch {
	case c.ModelPath == "":
		return fmt.Errorf("%w: model path is required", ErrConfig)
	case c.Out == "":
		return fmt.Errorf("%w: output directory is required", ErrConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfig, c.BatchSize)
	case c.NumCalib <= 0:
		return fmt.Errorf("%w: num-calib must be positive, got %d", ErrConfig, c.NumCalib)
	case c.ImgSize <= 0:
		return fmt.Errorf("%w: image size must be positive, got %d", ErrConfig, c.ImgSize)
	case c.Degree != 1 && c.Degree != 2:
		return fmt.Errorf("%w: degree must be 1 or 2, got %d", ErrConfig, c.Degree)
	}
	return nil
}

// Run executes every stage and writes the manifest last.
func Run(ctx context.Context, cfg Config) (*Manifest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	if cfg.BitsAct != 8 || cfg.BitsWt != 8 {
		log.Warn("bit widths other than 8 are not supported; quantizing to int8", "bits_act", cfg.BitsAct, "bits_wt", cfg.BitsWt)
	}
	if err := os.MkdirAll(cfg.Out, 0o755); err != nil {
		return nil, err
	}

	art := ArtifactsIn(cfg.Out)
	man := &Manifest{
		RunID:     uuid.NewString(),
		Version:   version.String(),
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
		Artifacts: art,
	}

	model, err := stage(ctx, "load", func() (*vit.Model, error) {
		return loadModel(ctx, cfg, &man.Checkpoint)
	})
	if err != nil {
		return nil, err
	}
	if _, err := stage(ctx, "export", func() (struct{}, error) {
		return struct{}{}, vit.ExportFile(model, art.FloatModel, vit.ExportOptions{ProducerVersion: man.Version})
	}); err != nil {
		return nil, err
	}

	ds, err := dataset.Build(cfg.DataSet, cfg.DataPath, cfg.ImgSize)
	if err != nil {
		return nil, err
	}
	calib, err := dataset.NewLoader(dataset.Subset(ds, cfg.NumCalib), cfg.BatchSize, cfg.Workers)
	if err != nil {
		return nil, err
	}
	log.Info("calibration data", "data_set", cfg.DataSet, "samples", calib.Len(), "batches", calib.NumBatches())

	if _, err := stage(ctx, "preprocess", func() (struct{}, error) {
		return struct{}{}, graph.Preprocess(art.FloatModel, art.Preprocessed)
	}); err != nil {
		return nil, err
	}

	man.FloatTensors, err = stage(ctx, "extract_float", func() ([]string, error) {
		return extractRegion(cfg.Landmarks, art.Preprocessed, art.ExtractedFloat, art.FloatDetailed, graph.Float)
	})
	if err != nil {
		return nil, err
	}

	reader := quantize.NewDataReader(calib, cfg.NumCalib, vit.InputName)
	if _, err := stage(ctx, "quantize", func() (struct{}, error) {
		opts := quantize.DefaultOptions()
		opts.Device = cfg.Device
		return struct{}{}, quantize.Static(ctx, art.Preprocessed, art.Quantized, reader, opts)
	}); err != nil {
		return nil, err
	}
	man.CalibrationSamples = reader.Seen()

	man.QuantTensors, err = stage(ctx, "extract_quant", func() ([]string, error) {
		return extractRegion(cfg.Landmarks, art.Quantized, art.ExtractedQuant, art.QuantDetailed, graph.Quantized)
	})
	if err != nil {
		return nil, err
	}

	collectOpts := activations.Options{Device: cfg.Device, Compress: cfg.Compress}
	if _, err := stage(ctx, "collect_float", func() (struct{}, error) {
		return struct{}{}, activations.Collect(ctx, art.FloatDetailed, calib, vit.InputName, man.FloatTensors, art.FloatActivations, collectOpts)
	}); err != nil {
		return nil, err
	}
	if _, err := stage(ctx, "collect_quant", func() (struct{}, error) {
		return struct{}{}, activations.Collect(ctx, art.QuantDetailed, calib, vit.InputName, man.QuantTensors, art.QuantActivations, collectOpts)
	}); err != nil {
		return nil, err
	}

	if cfg.Evaluate {
		loader, err := dataset.NewLoader(ds, cfg.BatchSize, cfg.Workers)
		if err != nil {
			return nil, err
		}
		res, err := stage(ctx, "evaluate", func() (eval.Result, error) {
			return eval.Top1(ctx, art.Quantized, loader, eval.Options{Device: cfg.Device})
		})
		if err != nil {
			return nil, err
		}
		log.Info("quantized model accuracy", "top1", res.Top1, "correct", res.Correct, "total", res.Total)
		man.Eval = &res
	}

	if err := WriteManifest(art.Manifest, man); err != nil {
		return nil, err
	}
	log.Info("pipeline finished", "run_id", man.RunID, "out", cfg.Out)
	return man, nil
}

// stage runs fn under a timer and logs its boundaries.
func stage[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	log := logger.FromContext(ctx).With("stage", name)
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	log.Info("stage started")
	start := time.Now()
	done := metrics.ObserveStage(name)
	v, err := fn()
	done()
	if err != nil {
		return v, fmt.Errorf("%s: %w", name, err)
	}
	log.Info("stage finished", "elapsed", time.Since(start).Round(time.Millisecond))
	return v, nil
}

// loadModel builds the architecture and fills it from the checkpoint, adapting
// classifier heads and the position embedding where the shapes differ.
func loadModel(ctx context.Context, cfg Config, report *CheckpointReport) (*vit.Model, error) {
	log := logger.FromContext(ctx)
	arch, err := vit.Lookup(cfg.Model)
	if err != nil {
		return nil, err
	}
	arch.Degree = cfg.Degree
	arch.ImgSize = cfg.ImgSize
	log.Info("creating model", "model", arch.Name, "degree", arch.Degree, "img_size", arch.ImgSize)
	model, err := vit.New(arch, cfg.Seed)
	if err != nil {
		return nil, err
	}

	sd, err := checkpoint.Load(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	report.Path = cfg.ModelPath
	report.Dropped = checkpoint.DropMismatchedHeads(sd, model.Shapes(), log)
	report.Interpolated, err = checkpoint.InterpolatePosEmbed(sd, arch.NumPatches(), arch.NumExtraTokens(), log)
	if err != nil {
		return nil, err
	}
	if report.Interpolated {
		log.Info("interpolated position embedding", "patches", arch.NumPatches())
	}
	report.Missing, report.Unexpected, err = model.LoadStateDict(sd, false)
	if err != nil {
		return nil, err
	}
	if len(report.Missing) > 0 || len(report.Unexpected) > 0 {
		log.Warn("checkpoint does not match model", "missing", len(report.Missing), "unexpected", len(report.Unexpected))
	}
	return model, nil
}

// extractRegion cuts the attention region between the landmarks out of the
// model at in, lists its linear-op tensors and writes a copy of the full
// model exposing them as outputs.
func extractRegion(lm graph.Landmarks, in, extracted, detailed string, variant graph.Variant) ([]string, error) {
	m, err := onnx.ReadFile(in)
	if err != nil {
		return nil, err
	}
	lm, err = lm.Resolve(m)
	if err != nil {
		return nil, err
	}
	if err := graph.ExtractFile(in, extracted, []string{lm.BlockInput}, []string{lm.BlockOutput}); err != nil {
		return nil, err
	}
	names, err := graph.CollectLinearTensorsFile(extracted, variant)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no %s linear tensors between %s and %s", graph.ErrInvalidGraph, variant, lm.BlockInput, lm.BlockOutput)
	}
	if err := graph.AddOutputsFile(in, names, detailed); err != nil {
		return nil, err
	}
	return names, nil
}
