// Package template resolves {{path}} placeholders in step inputs against the
// variables of a running workflow.
package template

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

var exprRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is a read-only view of execution context variables.
type Scope interface {
	Lookup(name string) (api.Value, bool)
}

// Vars is a plain map Scope.
type Vars map[string]api.Value

func (v Vars) Lookup(name string) (api.Value, bool) {
	val, ok := v[name]
	return val, ok
}

// Resolve materializes every placeholder inside v.
//
// A string that is exactly one placeholder yields the referenced value with
// its kind preserved. Placeholders mixed with literal text are replaced by
// the string form of the referenced value. Arrays and objects are resolved
// element-wise; other kinds are returned unchanged. Missing paths resolve to
// Undefined.
func Resolve(v api.Value, scope Scope) api.Value {
	switch v.Kind() {
	case api.KindString:
		s, _ := v.Str()
		return ResolveString(s, scope)
	case api.KindArray:
		items := v.Items()
		out := make([]api.Value, len(items))
		for i, it := range items {
			out[i] = Resolve(it, scope)
		}
		return api.Array(out...)
	case api.KindObject:
		fields := v.Fields()
		for i := range fields {
			fields[i].Value = Resolve(fields[i].Value, scope)
		}
		return api.Object(fields...)
	default:
		return v
	}
}

// ResolveString resolves placeholders in a single string.
func ResolveString(s string, scope Scope) api.Value {
	if !strings.Contains(s, "{{") {
		return api.String(s)
	}
	if loc := exprRegex.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		return Lookup(s[loc[2]:loc[3]], scope)
	}
	return api.String(exprRegex.ReplaceAllStringFunc(s, func(match string) string {
		sub := exprRegex.FindStringSubmatch(match)
		return Lookup(sub[1], scope).String()
	}))
}

// Lookup evaluates a single path such as "a.b[0].c".
func Lookup(path string, scope Scope) api.Value {
	segs := ParsePath(path)
	if len(segs) == 0 {
		return api.Undefined()
	}
	cur, ok := scope.Lookup(segs[0])
	if !ok {
		return api.Undefined()
	}
	for _, seg := range segs[1:] {
		cur, ok = child(cur, seg)
		if !ok {
			return api.Undefined()
		}
	}
	return cur
}

func child(v api.Value, seg string) (api.Value, bool) {
	switch v.Kind() {
	case api.KindObject:
		return v.Get(seg)
	case api.KindArray:
		if seg == "length" {
			return api.Int(int64(v.Len())), true
		}
		i, err := strconv.Atoi(seg)
		if err != nil {
			return api.Value{}, false
		}
		return v.Index(i)
	case api.KindString:
		if seg == "length" {
			s, _ := v.Str()
			return api.Int(int64(len([]rune(s)))), true
		}
	}
	return api.Value{}, false
}

// ParsePath splits a path on '.', '[' and ']' and drops empty tokens, so
// "a.b[0].c" becomes [a b 0 c]. Quotes around bracket keys are stripped.
func ParsePath(path string) []string {
	fields := strings.FieldsFunc(strings.TrimSpace(path), func(r rune) bool {
		return r == '.' || r == '[' || r == ']'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), `"'`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Root returns the identifier a path starts with: the text before the
// first '.' or '['.
func Root(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, ".["); i >= 0 {
		path = path[:i]
	}
	return strings.TrimSpace(path)
}

// References returns the distinct root identifiers referenced by
// placeholders anywhere in v, in first-seen order.
func References(v api.Value) []string {
	var out []string
	seen := make(map[string]struct{})
	collect(v, func(path string) {
		root := Root(path)
		if root == "" {
			return
		}
		if _, ok := seen[root]; ok {
			return
		}
		seen[root] = struct{}{}
		out = append(out, root)
	})
	return out
}

// Paths returns every placeholder path in v, in order of appearance.
func Paths(v api.Value) []string {
	var out []string
	collect(v, func(path string) { out = append(out, path) })
	return out
}

func collect(v api.Value, fn func(path string)) {
	switch v.Kind() {
	case api.KindString:
		s, _ := v.Str()
		for _, m := range exprRegex.FindAllStringSubmatch(s, -1) {
			fn(m[1])
		}
	case api.KindArray:
		for _, it := range v.Items() {
			collect(it, fn)
		}
	case api.KindObject:
		for _, f := range v.Fields() {
			collect(f.Value, fn)
		}
	}
}
