// Package compare measures how far quantized activations drift from their
// float counterparts.
package compare

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/vitptq/internal/npz"
	"github.com/samcharles93/vitptq/internal/quantize"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

// Params maps a float tensor name to the per-tensor quantization parameters
// of its quantized form.
type Params map[string]quant.Params

// ParamsFromModel reads every per-tensor `<name>_scale`/`<name>_zero_point`
// initializer pair of a quantized graph. Per-channel weight parameters are
// skipped.
func ParamsFromModel(m *onnx.Model) (Params, error) {
	if m == nil || m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	p := make(Params)
	for _, init := range m.Graph.Initializers {
		base, ok := strings.CutSuffix(init.Name, quantize.ScaleSuffix)
		if !ok {
			continue
		}
		zpInit := m.Graph.Initializer(base + quantize.ZeroPointSuffix)
		if zpInit == nil {
			continue
		}
		scale, err := tensor.FromProto(init)
		if err != nil {
			return nil, fmt.Errorf("compare: %s: %w", init.Name, err)
		}
		zp, err := tensor.FromProto(zpInit)
		if err != nil {
			return nil, fmt.Errorf("compare: %s: %w", zpInit.Name, err)
		}
		if scale.Len() != 1 || zp.Len() != 1 {
			continue
		}
		p[base] = quant.Params{Scale: scale.Float32s()[0], ZeroPoint: int32(zp.Int64s()[0])}
	}
	return p, nil
}

// ParamsFromFile is ParamsFromModel for the model at path.
func ParamsFromFile(path string) (Params, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParamsFromModel(m)
}

// Pair reports the error between one float array and its quantized match.
type Pair struct {
	Name        string  `json:"name"`
	QuantName   string  `json:"quant_name"`
	Shape       []int   `json:"shape"`
	Dequantized bool    `json:"dequantized"`
	MSE         float64 `json:"mse"`
	MaxAbs      float64 `json:"max_abs"`
	Cosine      float64 `json:"cosine"`
	Err         string  `json:"error,omitempty"`
}

// Report is the result of Compare. FloatOnly and QuantOnly list the names
// that found no partner.
type Report struct {
	Pairs     []Pair   `json:"pairs"`
	FloatOnly []string `json:"float_only"`
	QuantOnly []string `json:"quant_only"`
}

// Compare pairs every float array `name` with `name` or `name_quantized` in
// the quantized archive. Integer arrays are dequantized when params holds an
// entry for name and compared as raw integers otherwise.
func Compare(float, quantized *npz.Archive, params Params) Report {
	var r Report
	used := make(map[string]bool)
	for _, name := range float.Names() {
		f, _ := float.Get(name)
		qname := name
		q, ok := quantized.Get(qname)
		if !ok {
			qname = name + quantize.QuantizedSuffix
			q, ok = quantized.Get(qname)
		}
		if !ok {
			r.FloatOnly = append(r.FloatOnly, name)
			continue
		}
		used[qname] = true
		r.Pairs = append(r.Pairs, pair(name, qname, f, q, params))
	}
	for _, name := range quantized.Names() {
		if !used[name] {
			r.QuantOnly = append(r.QuantOnly, name)
		}
	}
	return r
}

func pair(name, qname string, f, q *tensor.Tensor, params Params) Pair {
	p := Pair{Name: name, QuantName: qname, Shape: slices.Clone(f.Shape)}
	if !slices.Equal(f.Shape, q.Shape) {
		p.Err = fmt.Sprintf("shape mismatch: %v vs %v", f.Shape, q.Shape)
		return p
	}
	a := toFloat64(f.Float32s())
	var b []float64
	if qp, ok := params[name]; ok && q.DType != tensor.Float32 {
		b = make([]float64, q.Len())
		for i, v := range q.Int64s() {
			b[i] = float64(qp.Dequantize(int32(v)))
		}
		p.Dequantized = true
	} else {
		b = toFloat64(q.Float32s())
	}
	if len(a) == 0 {
		return p
	}
	p.MSE = math.Pow(floats.Distance(a, b, 2), 2) / float64(len(a))
	p.MaxAbs = floats.Distance(a, b, math.Inf(1))
	p.Cosine = cosine(a, b)
	return p
}

// cosine is 1 for two zero vectors and 0 when only one is zero.
func cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	switch {
	case na == 0 && nb == 0:
		return 1
	case na == 0 || nb == 0:
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Write prints r as an aligned table.
func (r Report) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d matched, %d float only, %d quantized only\n", len(r.Pairs), len(r.FloatOnly), len(r.QuantOnly)); err != nil {
		return err
	}
	for _, p := range r.Pairs {
		var err error
		if p.Err != "" {
			_, err = fmt.Fprintf(w, "%s\t%s\terror: %s\n", p.Name, p.QuantName, p.Err)
		} else {
			_, err = fmt.Fprintf(w, "%s\t%s\tmse=%.6g\tmax_abs=%.6g\tcos=%.6f\n", p.Name, p.QuantName, p.MSE, p.MaxAbs, p.Cosine)
		}
		if err != nil {
			return err
		}
	}
	for _, n := range r.FloatOnly {
		if _, err := fmt.Fprintf(w, "float only: %s\n", n); err != nil {
			return err
		}
	}
	for _, n := range r.QuantOnly {
		if _, err := fmt.Fprintf(w, "quantized only: %s\n", n); err != nil {
			return err
		}
	}
	return nil
}
