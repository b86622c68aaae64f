package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/pkg/api"
)

// Dispatcher invokes registered modules.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch calls the module at path with inputs. It fails with
// ErrModuleNotFound for unknown paths and *ParameterMismatchError when a
// required parameter cannot be filled. ctx is handed to the module.
func (d *Dispatcher) Dispatch(ctx context.Context, path string, inputs api.Value) (api.Value, error) {
	desc, err := d.registry.Lookup(path)
	if err != nil {
		return api.Value{}, err
	}

	binding, err := Adapt(desc.Params, inputs)
	if err != nil {
		var pm *ParameterMismatchError
		if errors.As(err, &pm) {
			pm.Module = desc.Path
		}
		return api.Value{}, err
	}

	logger := ctxlog.FromContext(ctx)
	if len(binding.Unmapped) > 0 {
		logger.WarnContext(ctx, "module inputs not mapped to any parameter",
			slog.String("module", desc.Path),
			slog.Any("inputs", binding.Unmapped),
		)
	}
	logger.DebugContext(ctx, "dispatching module",
		slog.String("module", desc.Path),
		slog.String("rule", string(binding.Rule)),
		slog.Int("args", len(binding.Args)),
	)

	out, err := invoke(ctx, desc, binding.Args)
	if err != nil {
		return api.Value{}, err
	}
	return out, nil
}

// invoke converts module panics into errors.
func invoke(ctx context.Context, desc Descriptor, args []api.Value) (out api.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s panicked: %v", desc.Path, r)
		}
	}()
	return desc.Invoke(ctx, args)
}
