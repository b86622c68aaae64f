package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func inputs(fields ...api.Field) api.Value { return api.Object(fields...) }

func f(k string, v api.Value) api.Field { return api.Field{Key: k, Value: v} }

func TestAdapt_NoParams(t *testing.T) {
	b, err := Adapt(nil, inputs(f("stray", api.Int(1))))
	require.NoError(t, err)
	assert.Equal(t, RuleNoParams, b.Rule)
	assert.Empty(t, b.Args)
	assert.Equal(t, []string{"stray"}, b.Unmapped)
}

func TestAdapt_LoneValueIgnoresName(t *testing.T) {
	b, err := Adapt([]Param{{Name: "text", Kind: ParamScalar, Required: true}}, inputs(f("whatever", api.String("hi"))))
	require.NoError(t, err)
	assert.Equal(t, RuleLoneValue, b.Rule)
	assert.Equal(t, []api.Value{api.String("hi")}, b.Args)
}

func TestAdapt_OptionsObjectGetsWholeMap(t *testing.T) {
	in := inputs(f("a", api.Int(1)), f("b", api.Int(2)))
	b, err := Adapt([]Param{{Name: "options", Kind: ParamObject}}, in)
	require.NoError(t, err)
	assert.Equal(t, RuleOptions, b.Rule)
	require.Len(t, b.Args, 1)
	assert.True(t, in.Equal(b.Args[0]))
}

func TestAdapt_NamedThenAlias(t *testing.T) {
	params := []Param{
		{Name: "query", Required: true},
		{Name: "maxResults"},
	}
	b, err := Adapt(params, inputs(f("limit", api.Int(5)), f("query", api.String("go"))))
	require.NoError(t, err)
	assert.Equal(t, RuleNamed, b.Rule)
	assert.Equal(t, []api.Value{api.String("go"), api.Int(5)}, b.Args)
	assert.Empty(t, b.Unmapped)
}

func TestAdapt_PositionalWhenCountsMatch(t *testing.T) {
	params := []Param{{Name: "a", Required: true}, {Name: "b", Required: true}}
	b, err := Adapt(params, inputs(f("first", api.Int(1)), f("second", api.Int(2))))
	require.NoError(t, err)
	assert.Equal(t, RulePositional, b.Rule)
	assert.Equal(t, []api.Value{api.Int(1), api.Int(2)}, b.Args)
}

func TestAdapt_PartialMatchWithOptionalDefaults(t *testing.T) {
	params := []Param{
		{Name: "url", Required: true},
		{Name: "method", Default: api.String("GET")},
		{Name: "headers"},
	}
	b, err := Adapt(params, inputs(f("link", api.String("https://x")), f("extra", api.Bool(true))))
	require.NoError(t, err)
	assert.Equal(t, api.String("https://x"), b.Args[0])
	assert.Equal(t, api.String("GET"), b.Args[1])
	assert.True(t, b.Args[2].IsUndefined())
	assert.Equal(t, []string{"extra"}, b.Unmapped)
}

func TestAdapt_MissingRequiredFails(t *testing.T) {
	params := []Param{{Name: "to", Required: true}, {Name: "subject", Required: true}, {Name: "cc"}}
	_, err := Adapt(params, inputs(f("subject", api.String("hi"))))

	var pm *ParameterMismatchError
	require.True(t, errors.As(err, &pm))
	assert.Equal(t, []string{"to"}, pm.Missing)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, []api.Value) (api.Value, error) { return api.Null(), nil }

	require.NoError(t, r.Register(Descriptor{Path: "core.noop", Invoke: noop}))
	assert.Error(t, r.Register(Descriptor{Path: "core.noop", Invoke: noop}))
	assert.Error(t, r.Register(Descriptor{Path: "core.nil"}))

	_, err := r.Lookup("modules.core.noop")
	assert.NoError(t, err)
	_, err = r.Lookup("core.missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.Equal(t, []string{"core.noop"}, r.Paths())
}

func TestDispatcher_Dispatch(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		Descriptor{
			Path:   "math.double",
			Params: []Param{{Name: "n", Kind: ParamScalar, Required: true}},
			Invoke: func(_ context.Context, args []api.Value) (api.Value, error) {
				n, _ := args[0].Num()
				return api.Number(n * 2), nil
			},
		},
		Descriptor{
			Path: "core.panic",
			Invoke: func(context.Context, []api.Value) (api.Value, error) {
				panic("kaboom")
			},
		},
		Descriptor{
			Path:   "core.pair",
			Params: []Param{{Name: "a", Required: true}, {Name: "b", Required: true}, {Name: "c", Required: true}},
			Invoke: func(context.Context, []api.Value) (api.Value, error) { return api.Null(), nil },
		},
	)
	d := NewDispatcher(r)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, "math.double", inputs(f("value", api.Int(21))))
	require.NoError(t, err)
	assert.Equal(t, api.Number(42), out)

	_, err = d.Dispatch(ctx, "math.nope", inputs())
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = d.Dispatch(ctx, "core.panic", inputs())
	assert.ErrorContains(t, err, "kaboom")

	_, err = d.Dispatch(ctx, "core.pair", inputs(f("a", api.Int(1))))
	var pm *ParameterMismatchError
	require.True(t, errors.As(err, &pm))
	assert.Equal(t, "core.pair", pm.Module)
	assert.Equal(t, []string{"b", "c"}, pm.Missing)
}
