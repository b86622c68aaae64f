// Package modules provides the built-in module functions every registry
// starts with.
package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/dispatch"
	"github.com/petrijr/stepflow/pkg/api"
)

// Register adds every built-in module to r.
func Register(r *dispatch.Registry) error {
	for _, d := range Builtins() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in modules.
func NewRegistry() *dispatch.Registry {
	r := dispatch.NewRegistry()
	r.MustRegister(Builtins()...)
	return r
}

// Builtins lists the built-in module descriptors.
func Builtins() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Path:        "core.echo",
			Description: "Returns its inputs unchanged.",
			Params:      []dispatch.Param{{Name: "options", Kind: dispatch.ParamObject}},
			Invoke:      echo,
		},
		{
			Path:        "core.log",
			Description: "Writes a message to the run log.",
			Params: []dispatch.Param{
				{Name: "message", Kind: dispatch.ParamScalar, Required: true},
				{Name: "level", Kind: dispatch.ParamScalar, Default: api.String("info")},
			},
			Invoke: logMessage,
		},
		{
			Path:        "core.sleep",
			Description: "Waits for the given number of milliseconds.",
			Params:      []dispatch.Param{{Name: "ms", Kind: dispatch.ParamScalar, Required: true}},
			Invoke:      sleep,
		},
		{
			Path:        "core.fail",
			Description: "Always fails with the given message.",
			Params:      []dispatch.Param{{Name: "message", Kind: dispatch.ParamScalar, Default: api.String("failed")}},
			Invoke:      fail,
		},
		{
			Path:        "core.merge",
			Description: "Merges the object inputs into one object, later keys winning.",
			Params:      []dispatch.Param{{Name: "objects", Kind: dispatch.ParamObject}},
			Invoke:      merge,
		},
		{
			Path:        "math.add",
			Description: "Adds two numbers.",
			Params: []dispatch.Param{
				{Name: "a", Kind: dispatch.ParamScalar, Required: true},
				{Name: "b", Kind: dispatch.ParamScalar, Required: true},
			},
			Invoke: add,
		},
		{
			Path:        "text.join",
			Description: "Joins array items into a string.",
			Params: []dispatch.Param{
				{Name: "items", Kind: dispatch.ParamArray, Required: true},
				{Name: "separator", Kind: dispatch.ParamScalar, Default: api.String(",")},
			},
			Invoke: join,
		},
		httpRequestDescriptor(nil),
	}
}

func echo(_ context.Context, args []api.Value) (api.Value, error) {
	return args[0], nil
}

func logMessage(ctx context.Context, args []api.Value) (api.Value, error) {
	msg := args[0].String()
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(args[1].String())); err != nil {
		level = slog.LevelInfo
	}
	ctxlog.FromContext(ctx).Log(ctx, level, msg, slog.String("source", "core.log"))
	return api.Object(
		api.Field{Key: "logged", Value: api.Bool(true)},
		api.Field{Key: "message", Value: api.String(msg)},
	), nil
}

func sleep(ctx context.Context, args []api.Value) (api.Value, error) {
	ms, err := number(args[0], "ms")
	if err != nil {
		return api.Value{}, err
	}
	d := time.Duration(ms * float64(time.Millisecond))
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return api.Value{}, ctx.Err()
		case <-t.C:
		}
	}
	return api.Object(api.Field{Key: "sleptMs", Value: api.Number(ms)}), nil
}

func fail(_ context.Context, args []api.Value) (api.Value, error) {
	return api.Value{}, errors.New(args[0].String())
}

func merge(_ context.Context, args []api.Value) (api.Value, error) {
	out := api.Object()
	for _, f := range args[0].Fields() {
		if f.Value.Kind() != api.KindObject {
			out = out.With(f.Key, f.Value)
			continue
		}
		for _, inner := range f.Value.Fields() {
			out = out.With(inner.Key, inner.Value)
		}
	}
	return out, nil
}

func add(_ context.Context, args []api.Value) (api.Value, error) {
	a, err := number(args[0], "a")
	if err != nil {
		return api.Value{}, err
	}
	b, err := number(args[1], "b")
	if err != nil {
		return api.Value{}, err
	}
	return api.Number(a + b), nil
}

func join(_ context.Context, args []api.Value) (api.Value, error) {
	if args[0].Kind() != api.KindArray {
		return api.Value{}, fmt.Errorf("items must be an array, got %s", args[0].Kind())
	}
	parts := make([]string, 0, args[0].Len())
	for _, it := range args[0].Items() {
		parts = append(parts, it.String())
	}
	return api.String(strings.Join(parts, args[1].String())), nil
}

func number(v api.Value, name string) (float64, error) {
	if n, ok := v.Num(); ok {
		return n, nil
	}
	if s, ok := v.Str(); ok {
		var n float64
		if _, err := fmt.Sscan(strings.TrimSpace(s), &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s must be a number, got %s", name, v.Kind())
}
