package vit

import (
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/internal/tensor"
)

const initStd = 0.02

// Model is a set of named parameters laid out as in a timm state dict.
type Model struct {
	Config Config

	params map[string]*tensor.Tensor
	order  []string
}

// New allocates a model for cfg and initializes it deterministically from
// seed: linear, embedding and token parameters are drawn from a truncated
// normal with standard deviation 0.02, biases are zero and LayerNorm
// weights are one.
func New(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{Config: cfg, params: make(map[string]*tensor.Tensor)}
	for i, spec := range paramSpecs(cfg) {
		t := tensor.New(tensor.Float32, spec.shape...)
		switch spec.init {
		case initNormal:
			tensor.FillRand(t.F32, initStd, seed+int64(i))
		case initOnes:
			for j := range t.F32 {
				t.F32[j] = 1
			}
		}
		m.params[spec.name] = t
		m.order = append(m.order, spec.name)
	}
	return m, nil
}

type initKind int

const (
	initZeros initKind = iota
	initOnes
	initNormal
)

type paramSpec struct {
	name  string
	shape []int
	init  initKind
}

func paramSpecs(cfg Config) []paramSpec {
	c := cfg.EmbedDim
	hidden := c * cfg.MLPRatio
	p := cfg.PatchSize
	specs := []paramSpec{
		{"cls_token", []int{1, 1, c}, initNormal},
	}
	if cfg.Distilled {
		specs = append(specs, paramSpec{"dist_token", []int{1, 1, c}, initNormal})
	}
	specs = append(specs,
		paramSpec{"pos_embed", []int{1, cfg.NumPatches() + cfg.NumExtraTokens(), c}, initNormal},
		paramSpec{"patch_embed.proj.weight", []int{c, cfg.InChans, p, p}, initNormal},
		paramSpec{"patch_embed.proj.bias", []int{c}, initZeros},
	)
	for i := range cfg.Depth {
		b := fmt.Sprintf("blocks.%d.", i)
		specs = append(specs,
			paramSpec{b + "norm1.weight", []int{c}, initOnes},
			paramSpec{b + "norm1.bias", []int{c}, initZeros},
			paramSpec{b + "attn.qkv.weight", []int{3 * c, c}, initNormal},
			paramSpec{b + "attn.qkv.bias", []int{3 * c}, initZeros},
			paramSpec{b + "attn.proj.weight", []int{c, c}, initNormal},
			paramSpec{b + "attn.proj.bias", []int{c}, initZeros},
			paramSpec{b + "norm2.weight", []int{c}, initOnes},
			paramSpec{b + "norm2.bias", []int{c}, initZeros},
			paramSpec{b + "mlp.fc1.weight", []int{hidden, c}, initNormal},
			paramSpec{b + "mlp.fc1.bias", []int{hidden}, initZeros},
			paramSpec{b + "mlp.fc2.weight", []int{c, hidden}, initNormal},
			paramSpec{b + "mlp.fc2.bias", []int{c}, initZeros},
		)
	}
	specs = append(specs,
		paramSpec{"norm.weight", []int{c}, initOnes},
		paramSpec{"norm.bias", []int{c}, initZeros},
		paramSpec{"head.weight", []int{cfg.NumClasses, c}, initNormal},
		paramSpec{"head.bias", []int{cfg.NumClasses}, initZeros},
	)
	if cfg.Distilled {
		specs = append(specs,
			paramSpec{"head_dist.weight", []int{cfg.NumClasses, c}, initNormal},
			paramSpec{"head_dist.bias", []int{cfg.NumClasses}, initZeros},
		)
	}
	return specs
}

// Param returns the parameter called name, or nil.
func (m *Model) Param(name string) *tensor.Tensor { return m.params[name] }

// ParamNames lists parameter names in registration order.
func (m *Model) ParamNames() []string { return slices.Clone(m.order) }

// Shapes maps every parameter name to its shape.
func (m *Model) Shapes() map[string][]int {
	out := make(map[string][]int, len(m.params))
	for name, t := range m.params {
		out[name] = slices.Clone(t.Shape)
	}
	return out
}

// LoadStateDict copies matching entries of sd into the model. Parameters not
// present in sd keep their current values and are reported as missing;
// entries the model has no use for are reported as unexpected. With strict
// set, either list being non-empty is an error. A shape mismatch is always
// an error.
func (m *Model) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) (missing, unexpected []string, err error) {
	for _, name := range m.order {
		src, ok := sd[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		dst := m.params[name]
		if !slices.Equal(src.Shape, dst.Shape) {
			return nil, nil, fmt.Errorf("%w: size mismatch for %s: checkpoint %v, model %v", ErrInvalidParam, name, src.Shape, dst.Shape)
		}
		copy(dst.F32, src.Float32s())
	}
	for name := range sd {
		if _, ok := m.params[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	slices.Sort(unexpected)
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		return missing, unexpected, fmt.Errorf("%w: %d missing and %d unexpected keys", ErrInvalidParam, len(missing), len(unexpected))
	}
	return missing, unexpected, nil
}
