package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func testScope(t *testing.T) Vars {
	t.Helper()
	a, err := api.ParseJSON([]byte(`{"b":[10,20],"name":"ada","nested":{"ok":true}}`))
	require.NoError(t, err)
	return Vars{"a": a, "trigger": api.Object(api.Field{Key: "id", Value: api.Int(7)})}
}

func TestResolve_WholePlaceholderPreservesType(t *testing.T) {
	scope := testScope(t)

	got := Resolve(api.String("{{a.b[1]}}"), scope)
	n, ok := got.Num()
	require.True(t, ok, "expected a number, got %s", got.Kind())
	assert.Equal(t, float64(20), n)

	obj := Resolve(api.String("{{ a.nested }}"), scope)
	assert.Equal(t, api.KindObject, obj.Kind())

	arr := Resolve(api.String("{{a.b}}"), scope)
	assert.Equal(t, 2, arr.Len())
}

func TestResolve_MixedTextInterpolates(t *testing.T) {
	scope := testScope(t)

	got := Resolve(api.String("val={{a.b[1]}}"), scope)
	s, ok := got.Str()
	require.True(t, ok)
	assert.Equal(t, "val=20", s)

	got = Resolve(api.String("{{a.name}} #{{trigger.id}} {{a.missing}}!"), scope)
	assert.Equal(t, "ada #7 !", got.String())
}

func TestResolve_TwoPlaceholdersAreNotWhole(t *testing.T) {
	got := Resolve(api.String("{{a.name}}{{a.name}}"), testScope(t))
	assert.Equal(t, api.String("adaada"), got)
}

func TestResolve_MissingPathIsUndefined(t *testing.T) {
	scope := testScope(t)
	assert.True(t, Resolve(api.String("{{nope.x}}"), scope).IsUndefined())
	assert.True(t, Resolve(api.String("{{a.b[5]}}"), scope).IsUndefined())
	assert.True(t, Resolve(api.String("{{a.name.first}}"), scope).IsUndefined())
}

func TestResolve_RecursesIntoArraysAndObjects(t *testing.T) {
	in := api.Object(
		api.Field{Key: "list", Value: api.Array(api.String("{{a.b[0]}}"), api.Bool(false))},
		api.Field{Key: "msg", Value: api.String("hi {{a.name}}")},
		api.Field{Key: "n", Value: api.Int(3)},
	)
	out := Resolve(in, testScope(t))

	assert.Equal(t, []string{"list", "msg", "n"}, out.Keys())
	list, _ := out.Get("list")
	first, _ := list.Index(0)
	assert.Equal(t, api.Int(10), first)
	msg, _ := out.Get("msg")
	assert.Equal(t, "hi ada", msg.String())
}

func TestParsePath(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "0", "c"}, ParsePath("a.b[0].c"))
	assert.Equal(t, []string{"x", "key"}, ParsePath(`x["key"]`))
	assert.Equal(t, []string{"a"}, ParsePath("..a.."))
	assert.Empty(t, ParsePath(""))
}

func TestReferences(t *testing.T) {
	in := api.Object(
		api.Field{Key: "q", Value: api.String("{{fetch.items[0]}} and {{ user.email }}")},
		api.Field{Key: "list", Value: api.Array(api.String("{{fetch.count}}"), api.String("{{other}}"))},
	)
	assert.Equal(t, []string{"fetch", "user", "other"}, References(in))
	assert.Len(t, Paths(in), 4)
}
