// Package runtime is a small CPU interpreter for the ONNX graphs produced and
// rewritten by this module. It executes nodes in topological order, one
// kernel per operator, and releases intermediate tensors after their last use.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/tensor"
	"github.com/samcharles93/vitptq/pkg/onnx"
)

var (
	ErrUnsupportedOp = errors.New("runtime: unsupported operator")
	ErrUnknownOutput = errors.New("runtime: unknown output")
	ErrMissingInput  = errors.New("runtime: missing input")
	ErrInputShape    = errors.New("runtime: input shape mismatch")
	ErrKernel        = errors.New("runtime: kernel failed")
)

// Options configures a Session.
type Options struct {
	Device Device
}

// Session holds a prepared graph ready for repeated execution.
type Session struct {
	device  Device
	nodes   []*onnx.Node
	kernels []kernel
	consts  map[string]*tensor.Tensor
	inputs  []*onnx.ValueInfo
	outputs []string

	producer map[string]int
}

// Open reads the model at path and prepares a session for it.
func Open(path string, opts Options) (*Session, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(m, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// NewSession validates m, decodes its initializers and binds a kernel to every
// node. Unsupported operators are reported here rather than at Run time.
func NewSession(m *onnx.Model, opts Options) (*Session, error) {
	if m == nil || m.Graph == nil {
		return nil, onnx.ErrNoGraph
	}
	device, err := NormalizeDevice(string(opts.Device))
	if err != nil {
		return nil, err
	}
	g := m.Graph
	gi, err := graph.Analyze(g)
	if err != nil {
		return nil, err
	}

	s := &Session{
		device:   device.resolve(),
		consts:   make(map[string]*tensor.Tensor, len(g.Initializers)),
		outputs:  g.OutputNames(),
		producer: make(map[string]int),
	}
	for _, t := range g.Initializers {
		ct, err := tensor.FromProto(t)
		if err != nil {
			return nil, fmt.Errorf("initializer %q: %w", t.Name, err)
		}
		s.consts[t.Name] = ct
	}
	for _, vi := range g.Inputs {
		if _, isConst := s.consts[vi.Name]; !isConst {
			s.inputs = append(s.inputs, vi)
		}
	}
	for _, idx := range gi.TopoOrder {
		n := g.Nodes[idx]
		k, ok := lookupKernel(n.Domain, n.OpType)
		if !ok {
			return nil, fmt.Errorf("%w: %s (domain %q) at node %q", ErrUnsupportedOp, n.OpType, n.Domain, n.Name)
		}
		for _, out := range n.Outputs {
			if out != "" {
				s.producer[out] = len(s.nodes)
			}
		}
		s.nodes = append(s.nodes, n)
		s.kernels = append(s.kernels, k)
	}
	return s, nil
}

// Device returns the device the session executes on.
func (s *Session) Device() Device { return s.device }

// InputNames lists the graph inputs that must be fed.
func (s *Session) InputNames() []string {
	names := make([]string, len(s.inputs))
	for i, vi := range s.inputs {
		names[i] = vi.Name
	}
	return names
}

// OutputNames lists the graph outputs in declaration order.
func (s *Session) OutputNames() []string {
	return slices.Clone(s.outputs)
}

// Run evaluates the requested graph outputs (all outputs when names is
// empty) for the given feeds. Only nodes the outputs depend on are executed.
// Cancellation is checked between nodes.
func (s *Session) Run(ctx context.Context, names []string, feeds map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(names) == 0 {
		names = s.outputs
	}
	for _, name := range names {
		if !slices.Contains(s.outputs, name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOutput, name)
		}
	}
	if err := s.checkFeeds(feeds); err != nil {
		return nil, err
	}

	plan := s.plan(names)
	lastUse := make(map[string]int)
	for _, idx := range plan {
		for _, in := range s.nodes[idx].Inputs {
			lastUse[in] = idx
		}
	}
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		keep[name] = true
	}

	values := make(map[string]*tensor.Tensor, len(feeds))
	for name, t := range feeds {
		values[name] = t
	}
	lookup := func(name string) (*tensor.Tensor, bool) {
		if t, ok := values[name]; ok {
			return t, true
		}
		t, ok := s.consts[name]
		return t, ok
	}

	log := logger.FromContext(ctx)
	for _, idx := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := s.nodes[idx]
		ins := make([]*tensor.Tensor, len(n.Inputs))
		for i, name := range n.Inputs {
			if name == "" {
				continue
			}
			t, ok := lookup(name)
			if !ok {
				return nil, fmt.Errorf("%w: node %q reads %q before it is produced", ErrKernel, n.Name, name)
			}
			ins[i] = t
		}
		outs, err := s.kernels[idx](n, ins)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q (%s): %w", ErrKernel, n.Name, n.OpType, err)
		}
		for i, name := range n.Outputs {
			if name == "" {
				continue
			}
			if i >= len(outs) || outs[i] == nil {
				return nil, fmt.Errorf("%w: node %q (%s) did not produce output %d", ErrKernel, n.Name, n.OpType, i)
			}
			values[name] = outs[i]
		}
		for _, name := range n.Inputs {
			if lastUse[name] == idx && !keep[name] {
				delete(values, name)
			}
		}
	}
	log.Debug("session run complete", "nodes", len(plan), "outputs", len(names), "device", s.device)

	results := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		t, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q was not computed", ErrUnknownOutput, name)
		}
		results[i] = t
	}
	return results, nil
}

func (s *Session) checkFeeds(feeds map[string]*tensor.Tensor) error {
	for _, vi := range s.inputs {
		t, ok := feeds[vi.Name]
		if !ok || t == nil {
			return fmt.Errorf("%w: %q", ErrMissingInput, vi.Name)
		}
		if vi.Type == nil {
			continue
		}
		if want, err := tensor.DTypeFromONNX(vi.Type.ElemType); err == nil && want != t.DType {
			return fmt.Errorf("%w: %q expects %s, got %s", ErrInputShape, vi.Name, want, t.DType)
		}
		if vi.Type.Shape == nil {
			continue
		}
		dims := vi.Type.Shape.Dims
		if len(dims) != t.Rank() {
			return fmt.Errorf("%w: %q expects rank %d, got %v", ErrInputShape, vi.Name, len(dims), t.Shape)
		}
		for i, d := range dims {
			if d.Known() && d.Value != int64(t.Shape[i]) {
				return fmt.Errorf("%w: %q dim %d expects %d, got %v", ErrInputShape, vi.Name, i, d.Value, t.Shape)
			}
		}
	}
	return nil
}

// plan returns, in execution order, the indices of the nodes needed to
// compute names.
func (s *Session) plan(names []string) []int {
	needed := make([]bool, len(s.nodes))
	stack := slices.Clone(names)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx, ok := s.producer[name]
		if !ok || needed[idx] {
			continue
		}
		needed[idx] = true
		for _, in := range s.nodes[idx].Inputs {
			if in != "" {
				stack = append(stack, in)
			}
		}
	}
	var plan []int
	for i, ok := range needed {
		if ok {
			plan = append(plan, i)
		}
	}
	return plan
}
