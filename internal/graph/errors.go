package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("graph: invalid graph")
	ErrUnknownTensor = errors.New("graph: unknown tensor")
)

// maxListedNames caps the names listed in a diagnostic.
const maxListedNames = 40

// unknownTensorError reports a tensor name that does not resolve in a graph,
// together with the names that do.
type unknownTensorError struct {
	name      string
	role      string
	available []string
}

func (e *unknownTensorError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s tensor %q not found in graph", e.role, e.name)
	if len(e.available) > 0 {
		listed := e.available
		if len(listed) > maxListedNames {
			listed = listed[:maxListedNames]
		}
		fmt.Fprintf(&b, "; available: %s", strings.Join(listed, ", "))
		if rest := len(e.available) - len(listed); rest > 0 {
			fmt.Fprintf(&b, " (and %d more)", rest)
		}
	}
	return b.String()
}

func (e *unknownTensorError) Unwrap() error { return ErrUnknownTensor }

// Name returns the tensor name that failed to resolve.
func (e *unknownTensorError) Name() string { return e.name }
