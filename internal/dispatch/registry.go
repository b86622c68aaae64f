// Package dispatch maps dotted module paths to registered functions and
// adapts step inputs to each function's declared parameters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

var ErrModuleNotFound = errors.New("module not found")

// ParamKind describes the shape a parameter accepts.
type ParamKind int

const (
	ParamAny ParamKind = iota
	ParamScalar
	ParamArray
	// ParamObject marks an options wrapper that receives the whole input map
	// when it is the only parameter.
	ParamObject
)

// Param is one declared parameter of a module function.
type Param struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  api.Value
}

// Invoker calls a module with adapted positional arguments. args has one
// entry per declared parameter; unfilled optional ones are Undefined unless
// a Default is declared.
type Invoker func(ctx context.Context, args []api.Value) (api.Value, error)

// Descriptor is a typed module function registered at startup.
type Descriptor struct {
	Path        string
	Description string
	Params      []Param
	Invoke      Invoker
}

// Registry holds module descriptors by dotted path.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Descriptor)}
}

// Register adds d. Paths are unique.
func (r *Registry) Register(d Descriptor) error {
	d.Path = strings.TrimSpace(d.Path)
	if d.Path == "" {
		return errors.New("module path is required")
	}
	if d.Invoke == nil {
		return fmt.Errorf("module %q has no invoker", d.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[d.Path]; exists {
		return fmt.Errorf("module %q already registered", d.Path)
	}
	r.modules[d.Path] = d
	return nil
}

// MustRegister is Register for static module tables.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the descriptor for path.
func (r *Registry) Lookup(path string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[strings.TrimPrefix(path, "modules.")]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
	}
	return d, nil
}

// Signature returns the declared parameters of path.
func (r *Registry) Signature(path string) ([]Param, error) {
	d, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	return append([]Param(nil), d.Params...), nil
}

// Has reports whether path is registered.
func (r *Registry) Has(path string) bool {
	_, err := r.Lookup(path)
	return err == nil
}

// Paths lists registered module paths in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.modules))
	for p := range r.modules {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
