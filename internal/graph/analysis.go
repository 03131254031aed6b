// Package graph implements the graph-level passes of the quantization
// pipeline: pre-processing with basic shape inference, subgraph extraction,
// linear-operator tensor collection and output augmentation.
package graph

import (
	"fmt"
	"slices"

	"github.com/samcharles93/vitptq/pkg/onnx"
)

// Info holds precomputed analysis of a graph.
type Info struct {
	ProducerOf   map[string]int
	ConsumersOf  map[string][]int
	Initializers map[string]bool
	Inputs       map[string]bool
	TopoOrder    []int
}

// Analyze indexes producers and consumers and computes a topological order of
// g's nodes. Ties keep the original node order, so an already sorted graph is
// left untouched.
func Analyze(g *onnx.Graph) (*Info, error) {
	gi := &Info{
		ProducerOf:   make(map[string]int),
		ConsumersOf:  make(map[string][]int),
		Initializers: make(map[string]bool, len(g.Initializers)),
		Inputs:       make(map[string]bool, len(g.Inputs)),
	}
	for _, t := range g.Initializers {
		gi.Initializers[t.Name] = true
	}
	for _, vi := range g.Inputs {
		gi.Inputs[vi.Name] = true
	}
	for i, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if prev, dup := gi.ProducerOf[out]; dup {
				return nil, fmt.Errorf("%w: %q produced by %q and %q", ErrInvalidGraph, out, g.Nodes[prev].Name, n.Name)
			}
			gi.ProducerOf[out] = i
		}
	}
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			gi.ConsumersOf[in] = append(gi.ConsumersOf[in], i)
			if _, ok := gi.ProducerOf[in]; !ok && !gi.Initializers[in] && !gi.Inputs[in] {
				return nil, fmt.Errorf("%w: node %q reads undefined tensor %q", ErrInvalidGraph, n.Name, in)
			}
		}
	}
	order, err := topologicalSort(g, gi)
	if err != nil {
		return nil, err
	}
	gi.TopoOrder = order
	return gi, nil
}

func topologicalSort(g *onnx.Graph, gi *Info) ([]int, error) {
	numOps := len(g.Nodes)
	inDegree := make([]int, numOps)
	dependents := make([][]int, numOps)
	for i, n := range g.Nodes {
		seen := make(map[int]bool)
		for _, in := range n.Inputs {
			p, ok := gi.ProducerOf[in]
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			inDegree[i]++
			dependents[p] = append(dependents[p], i)
		}
	}

	// Ready set kept sorted by original index so ties keep file order.
	var ready []int
	for i := range numOps {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, numOps)
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				pos, _ := slices.BinarySearch(ready, dep)
				ready = slices.Insert(ready, pos, dep)
			}
		}
	}
	if len(order) != numOps {
		return nil, fmt.Errorf("%w: graph contains a cycle", ErrInvalidGraph)
	}
	return order, nil
}

// TensorNames lists every tensor name known to g (inputs, initializers and
// node outputs) in declaration order without duplicates.
func TensorNames(g *onnx.Graph) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, vi := range g.Inputs {
		add(vi.Name)
	}
	for _, t := range g.Initializers {
		add(t.Name)
	}
	for _, n := range g.Nodes {
		for _, out := range n.Outputs {
			add(out)
		}
	}
	return names
}
