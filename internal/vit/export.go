package vit

import (
	"fmt"
	"math"
	"strconv"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Graph input and output names of an exported model.
const (
	InputName  = "input"
	OutputName = "logits"
	BatchDim   = "batch"
)

// ExportOptions controls graph metadata.
type ExportOptions struct {
	ProducerVersion string
	// Opset overrides the default ai.onnx opset version.
	Opset int64
}

// Export converts m into an inference graph with a single input
// [batch,3,img,img] and a single output [batch,classes]. The batch axis is
// symbolic. For distilled models only the class-token head is exported.
func Export(m *Model, opts ExportOptions) (*onnx.Model, error) {
	cfg := m.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opset := opts.Opset
	if opset == 0 {
		opset = onnx.DefaultOpset
	}

	b := newBuilder(m, "main_graph")
	logits, err := b.forward()
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", cfg.Name, err)
	}

	g := b.g
	g.Inputs = []*onnx.ValueInfo{onnx.TensorValueInfo(InputName, onnx.DataTypeFloat, []onnx.Dim{
		onnx.DimParam(BatchDim), onnx.DimValue(int64(cfg.InChans)), onnx.DimValue(int64(cfg.ImgSize)), onnx.DimValue(int64(cfg.ImgSize)),
	})}
	g.Outputs = []*onnx.ValueInfo{onnx.TensorValueInfo(logits, onnx.DataTypeFloat, []onnx.Dim{
		onnx.DimParam(BatchDim), onnx.DimValue(int64(cfg.NumClasses)),
	})}

	return &onnx.Model{
		IRVersion:       onnx.IRVersion,
		ProducerName:    "vitptq",
		ProducerVersion: opts.ProducerVersion,
		OpsetImports:    []onnx.OpsetID{{Version: opset}},
		Metadata: []onnx.StringEntry{
			{Key: "arch", Value: cfg.Name},
			{Key: "degree", Value: strconv.Itoa(cfg.Degree)},
			{Key: "img_size", Value: strconv.Itoa(cfg.ImgSize)},
			{Key: "num_classes", Value: strconv.Itoa(cfg.NumClasses)},
		},
		Graph: g,
	}, nil
}

// ExportFile exports m and writes the graph to path.
func ExportFile(m *Model, path string, opts ExportOptions) error {
	om, err := Export(m, opts)
	if err != nil {
		return err
	}
	return onnx.WriteFile(path, om)
}

func (b *builder) forward() (string, error) {
	cfg := b.model.Config
	c := int64(cfg.EmbedDim)
	p := int64(cfg.PatchSize)

	pw, err := b.param("patch_embed.proj.weight")
	if err != nil {
		return "", err
	}
	pb, err := b.param("patch_embed.proj.bias")
	if err != nil {
		return "", err
	}
	x := b.op("/model/patch_embed/proj", "Conv", []string{InputName, pw, pb},
		onnx.IntsAttr("dilations", 1, 1),
		onnx.IntAttr("group", 1),
		onnx.IntsAttr("kernel_shape", p, p),
		onnx.IntsAttr("pads", 0, 0, 0, 0),
		onnx.IntsAttr("strides", p, p),
	)
	x = b.op("/model/patch_embed", "Reshape", []string{x, b.constInts("/model/patch_embed", 0, c, -1)})
	x = b.op("/model/patch_embed", "Transpose", []string{x}, onnx.IntsAttr("perm", 0, 2, 1))

	// Broadcast the extra tokens over the batch: Expand(token, [B, 1, 1]).
	shape := b.op("/model", "Shape", []string{x})
	batch := b.op("/model", "Gather", []string{shape, b.constIndex("/model", 0)}, onnx.IntAttr("axis", 0))
	batch = b.op("/model", "Unsqueeze", []string{batch, b.constInts("/model", 0)})
	expandTo := b.op("/model", "Concat", []string{batch, b.constInts("/model", 1, 1)}, onnx.IntAttr("axis", 0))

	tokenNames := []string{"cls_token"}
	if cfg.Distilled {
		tokenNames = append(tokenNames, "dist_token")
	}
	var tokens []string
	for _, name := range tokenNames {
		tn, err := b.param(name)
		if err != nil {
			return "", err
		}
		tokens = append(tokens, b.op("/model", "Expand", []string{tn, expandTo}))
	}
	x = b.op("/model", "Concat", append(tokens, x), onnx.IntAttr("axis", 1))
	pos, err := b.param("pos_embed")
	if err != nil {
		return "", err
	}
	x = b.op("/model", "Add", []string{x, pos})

	for i := range cfg.Depth {
		if x, err = b.block(i, x); err != nil {
			return "", err
		}
	}

	if x, err = b.layerNorm("/model/norm", x, "norm"); err != nil {
		return "", err
	}
	cls := b.op("/model", "Gather", []string{x, b.constIndex("/model", 0)}, onnx.IntAttr("axis", 1))
	hw, err := b.param("head.weight")
	if err != nil {
		return "", err
	}
	hb, err := b.param("head.bias")
	if err != nil {
		return "", err
	}
	return b.opNamed("/model/head", "Gemm", OutputName, []string{cls, hw, hb},
		onnx.FloatAttr("alpha", 1),
		onnx.FloatAttr("beta", 1),
		onnx.IntAttr("transB", 1),
	), nil
}

func (b *builder) block(i int, x string) (string, error) {
	scope := fmt.Sprintf("/model/blocks/blocks.%d", i)
	prefix := fmt.Sprintf("blocks.%d", i)

	h, err := b.layerNorm(scope+"/norm1", x, prefix+".norm1")
	if err != nil {
		return "", err
	}
	if h, err = b.attention(scope+"/attn", h, prefix+".attn"); err != nil {
		return "", err
	}
	x = b.op(scope, "Add", []string{x, h})

	if h, err = b.layerNorm(scope+"/norm2", x, prefix+".norm2"); err != nil {
		return "", err
	}
	if h, err = b.linear(scope+"/mlp/fc1", h, prefix+".mlp.fc1"); err != nil {
		return "", err
	}
	h = b.gelu(scope+"/mlp/act", h)
	if h, err = b.linear(scope+"/mlp/fc2", h, prefix+".mlp.fc2"); err != nil {
		return "", err
	}
	return b.op(scope, "Add", []string{x, h}), nil
}

func (b *builder) attention(scope, x, prefix string) (string, error) {
	cfg := b.model.Config
	heads := int64(cfg.NumHeads)
	hd := int64(cfg.HeadDim())

	qkv, err := b.linear(scope+"/qkv", x, prefix+".qkv")
	if err != nil {
		return "", err
	}
	qkv = b.op(scope, "Reshape", []string{qkv, b.constInts(scope, 0, 0, 3, heads, hd)})
	qkv = b.op(scope, "Transpose", []string{qkv}, onnx.IntsAttr("perm", 2, 0, 3, 1, 4))
	q := b.op(scope, "Gather", []string{qkv, b.constIndex(scope, 0)}, onnx.IntAttr("axis", 0))
	k := b.op(scope, "Gather", []string{qkv, b.constIndex(scope, 1)}, onnx.IntAttr("axis", 0))
	v := b.op(scope, "Gather", []string{qkv, b.constIndex(scope, 2)}, onnx.IntAttr("axis", 0))

	var out string
	switch cfg.Degree {
	case 1:
		out = b.linearTaylor(scope, q, k, v)
	case 2:
		out = b.quadraticTaylor(scope, q, k, v, float32(1/math.Sqrt(float64(hd))))
	default:
		return "", fmt.Errorf("%w: degree %d", ErrInvalidParam, cfg.Degree)
	}

	out = b.op(scope, "Transpose", []string{out}, onnx.IntsAttr("perm", 0, 2, 1, 3))
	out = b.op(scope, "Reshape", []string{out, b.constInts(scope, 0, 0, int64(cfg.EmbedDim))})
	return b.linear(scope+"/proj", out, prefix+".proj")
}

// linearTaylor emits the first-order Taylor attention over L2-normalized
// queries and keys, which is linear in the sequence length:
//
//	out_i = (sum_j v_j + q_i (K^T V)) / (N + q_i . sum_j k_j)
func (b *builder) linearTaylor(scope, q, k, v string) string {
	q = b.l2Normalize(scope, q)
	k = b.l2Normalize(scope, k)

	kt := b.op(scope, "Transpose", []string{k}, onnx.IntsAttr("perm", 0, 1, 3, 2))
	kv := b.op(scope, "MatMul", []string{kt, v})
	vsum := b.op(scope, "ReduceSum", []string{v, b.constInts(scope, 2)}, onnx.IntAttr("keepdims", 1))
	qkv := b.op(scope, "MatMul", []string{q, kv})
	num := b.op(scope, "Add", []string{vsum, qkv})

	ksum := b.op(scope, "ReduceSum", []string{k, b.constInts(scope, 2)}, onnx.IntAttr("keepdims", 1))
	ksum = b.op(scope, "Transpose", []string{ksum}, onnx.IntsAttr("perm", 0, 1, 3, 2))
	qk := b.op(scope, "MatMul", []string{q, ksum})
	n := b.op(scope, "Shape", []string{k})
	n = b.op(scope, "Gather", []string{n, b.constIndex(scope, 2)}, onnx.IntAttr("axis", 0))
	n = b.op(scope, "Cast", []string{n}, onnx.IntAttr("to", int64(onnx.DataTypeFloat)))
	den := b.op(scope, "Add", []string{qk, n})
	return b.op(scope, "Div", []string{num, den})
}

// quadraticTaylor emits the second-order expansion of softmax attention,
// A = 1 + s + s^2/2 with s = q k^T * scale, normalized per row.
func (b *builder) quadraticTaylor(scope, q, k, v string, scale float32) string {
	kt := b.op(scope, "Transpose", []string{k}, onnx.IntsAttr("perm", 0, 1, 3, 2))
	s := b.op(scope, "MatMul", []string{q, kt})
	s = b.op(scope, "Mul", []string{s, b.constFloat(scope, scale)})
	s2 := b.op(scope, "Mul", []string{s, s})
	s2 = b.op(scope, "Mul", []string{s2, b.constFloat(scope, 0.5)})
	a := b.op(scope, "Add", []string{s, b.constFloat(scope, 1)})
	a = b.op(scope, "Add", []string{a, s2})
	sum := b.op(scope, "ReduceSum", []string{a, b.constInts(scope, -1)}, onnx.IntAttr("keepdims", 1))
	a = b.op(scope, "Div", []string{a, sum})
	return b.op(scope, "MatMul", []string{a, v})
}

func (b *builder) l2Normalize(scope, x string) string {
	norm := b.op(scope, "ReduceL2", []string{x}, onnx.IntsAttr("axes", -1), onnx.IntAttr("keepdims", 1))
	norm = b.op(scope, "Max", []string{norm, b.constFloat(scope, 1e-12)})
	return b.op(scope, "Div", []string{x, norm})
}
