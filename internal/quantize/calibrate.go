package quantize

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/metrics"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/pkg/onnx"
	"github.com/samcharles93/vitptq/pkg/quant"
)

// Range is the observed [Min, Max] of a tensor over the calibration set.
type Range struct {
	Min, Max float32
	seen     bool
}

func (r *Range) update(lo, hi float32) {
	if !r.seen {
		r.Min, r.Max, r.seen = lo, hi, true
		return
	}
	r.Min = min(r.Min, lo)
	r.Max = max(r.Max, hi)
}

// calibrationTargets lists the activation tensors whose ranges the rewrite
// needs: every non-initializer input and the output of each target node.
func calibrationTargets(g *onnx.Graph, opTypes []string) []string {
	inits := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		inits[t.Name] = true
	}
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name == "" || inits[name] || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, n := range g.Nodes {
		if n.Domain != "" || !slices.Contains(opTypes, n.OpType) {
			continue
		}
		for _, in := range n.Inputs {
			add(in)
		}
		if len(n.Outputs) > 0 {
			add(n.Outputs[0])
		}
	}
	return names
}

// Calibrate runs m over every batch of reader and records the min/max of
// each named tensor. The reader is rewound before use.
func Calibrate(ctx context.Context, m *onnx.Model, reader CalibrationDataReader, names []string, device runtime.Device) (map[string]*Range, error) {
	log := logger.FromContext(ctx)
	inputs := make(map[string]bool)
	for _, vi := range m.Graph.Inputs {
		inputs[vi.Name] = true
	}
	var taps []string
	for _, name := range names {
		if !inputs[name] {
			taps = append(taps, name)
		}
	}
	aug, err := graph.AddOutputs(m, taps)
	if err != nil {
		return nil, fmt.Errorf("augment for calibration: %w", err)
	}
	sess, err := runtime.NewSession(aug, runtime.Options{Device: device})
	if err != nil {
		return nil, err
	}

	ranges := make(map[string]*Range, len(names))
	for _, name := range names {
		ranges[name] = &Range{}
	}
	reader.Rewind()
	batches := 0
	for {
		feeds, err := reader.GetNext(ctx)
		if err != nil {
			return nil, err
		}
		if feeds == nil {
			break
		}
		outs, err := sess.Run(ctx, taps, feeds)
		if err != nil {
			return nil, fmt.Errorf("calibration batch %d: %w", batches, err)
		}
		for i, name := range taps {
			ranges[name].update(quant.MinMax(outs[i].Float32s()))
		}
		for name, t := range feeds {
			if r, ok := ranges[name]; ok {
				r.update(quant.MinMax(t.Float32s()))
			}
		}
		batches++
		metrics.CalibrationBatches.Inc()
		log.Debug("calibration batch", "batch", batches, "tensors", len(taps))
	}
	if batches == 0 {
		return nil, ErrNoCalibrationData
	}
	log.Info("calibration finished", "batches", batches, "tensors", len(names))
	return ranges, nil
}
