// Package vit builds DeiT-style vision transformers with Taylor-approximated
// (ViTALiTy) attention and exports them as ONNX graphs.
package vit

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnknownArch  = errors.New("vit: unknown architecture")
	ErrInvalidParam = errors.New("vit: invalid parameter")
)

// Config describes one architecture.
type Config struct {
	Name       string
	ImgSize    int
	PatchSize  int
	InChans    int
	EmbedDim   int
	Depth      int
	NumHeads   int
	MLPRatio   int
	NumClasses int
	Distilled  bool
	// Degree selects the Taylor expansion order of the attention kernel:
	// 1 for the linear form, 2 for the quadratic form.
	Degree int
	Eps    float32
}

var archs = map[string]Config{
	"deit_tiny_patch16_224":            {ImgSize: 224, PatchSize: 16, EmbedDim: 192, Depth: 12, NumHeads: 3},
	"deit_small_patch16_224":           {ImgSize: 224, PatchSize: 16, EmbedDim: 384, Depth: 12, NumHeads: 6},
	"deit_base_patch16_224":            {ImgSize: 224, PatchSize: 16, EmbedDim: 768, Depth: 12, NumHeads: 12},
	"deit_tiny_distilled_patch16_224":  {ImgSize: 224, PatchSize: 16, EmbedDim: 192, Depth: 12, NumHeads: 3, Distilled: true},
	"deit_small_distilled_patch16_224": {ImgSize: 224, PatchSize: 16, EmbedDim: 384, Depth: 12, NumHeads: 6, Distilled: true},
	"deit_base_distilled_patch16_224":  {ImgSize: 224, PatchSize: 16, EmbedDim: 768, Depth: 12, NumHeads: 12, Distilled: true},
	// Small enough to run end to end on CPU in tests and smoke runs.
	"deit_micro_patch8_32": {ImgSize: 32, PatchSize: 8, EmbedDim: 32, Depth: 2, NumHeads: 2},
}

// Archs lists the registered architecture names.
func Archs() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the configuration registered as name, completed with the
// defaults shared by every DeiT variant.
func Lookup(name string) (Config, error) {
	cfg, ok := archs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownArch, name, Archs())
	}
	cfg.Name = name
	cfg.InChans = 3
	cfg.MLPRatio = 4
	cfg.NumClasses = 1000
	cfg.Degree = 1
	cfg.Eps = 1e-6
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.PatchSize <= 0 || c.ImgSize <= 0 || c.ImgSize%c.PatchSize != 0:
		return fmt.Errorf("%w: image size %d is not a multiple of patch size %d", ErrInvalidParam, c.ImgSize, c.PatchSize)
	case c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0:
		return fmt.Errorf("%w: embed dim %d is not divisible by %d heads", ErrInvalidParam, c.EmbedDim, c.NumHeads)
	case c.Degree != 1 && c.Degree != 2:
		return fmt.Errorf("%w: degree must be 1 or 2, got %d", ErrInvalidParam, c.Degree)
	case c.Depth <= 0 || c.NumClasses <= 0 || c.InChans <= 0 || c.MLPRatio <= 0:
		return fmt.Errorf("%w: depth, classes, channels and mlp ratio must be positive", ErrInvalidParam)
	}
	return nil
}

// GridSize is the number of patches along one side of the image.
func (c Config) GridSize() int { return c.ImgSize / c.PatchSize }

// NumPatches is the number of patch tokens.
func (c Config) NumPatches() int { return c.GridSize() * c.GridSize() }

// NumExtraTokens counts the class token and, for distilled models, the
// distillation token.
func (c Config) NumExtraTokens() int {
	if c.Distilled {
		return 2
	}
	return 1
}

// HeadDim is the per-head channel count.
func (c Config) HeadDim() int { return c.EmbedDim / c.NumHeads }
