package dispatch

import (
	"fmt"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// Rule names the adaptation that produced a Binding.
type Rule string

const (
	RuleNoParams   Rule = "no-params"
	RuleLoneValue  Rule = "lone-value"
	RuleOptions    Rule = "options-object"
	RuleNamed      Rule = "named"
	RulePositional Rule = "named+positional"
)

// Binding is the result of adapting step inputs to a parameter list.
type Binding struct {
	Args     []api.Value
	Unmapped []string
	Rule     Rule
}

// ParameterMismatchError reports required parameters left unfilled.
type ParameterMismatchError struct {
	Module   string
	Missing  []string
	Unmapped []string
}

func (e *ParameterMismatchError) Error() string {
	msg := fmt.Sprintf("missing required parameter(s) %s", strings.Join(e.Missing, ", "))
	if e.Module != "" {
		msg = e.Module + ": " + msg
	}
	if len(e.Unmapped) > 0 {
		msg += fmt.Sprintf(" (unmatched inputs: %s)", strings.Join(e.Unmapped, ", "))
	}
	return msg
}

var aliasGroups = [][]string{
	{"count", "limit", "maxResults", "max_results", "max", "size"},
	{"query", "q", "search", "term"},
	{"text", "message", "content", "body"},
	{"url", "uri", "link", "href"},
	{"id", "identifier"},
	{"to", "recipient", "email"},
}

var aliases = func() map[string][]string {
	m := make(map[string][]string)
	for _, group := range aliasGroups {
		for _, name := range group {
			m[strings.ToLower(name)] = group
		}
	}
	return m
}()

// Aliases returns the alternative names accepted for a parameter name.
func Aliases(name string) []string {
	var out []string
	for _, a := range aliases[strings.ToLower(name)] {
		if a != name {
			out = append(out, a)
		}
	}
	return out
}

// Adapt maps inputs onto params. The policy, in order:
//
//  1. no declared parameters: call with no arguments
//  2. one input and a single non-object parameter: pass the lone value
//  3. a single object parameter: pass the whole input map
//  4. otherwise match by exact name, then alias, then position when the
//     input count equals the parameter count
//
// Inputs that cannot be mapped are reported in Unmapped. Adapt only fails
// when a required parameter stays unfilled.
func Adapt(params []Param, inputs api.Value) (Binding, error) {
	if inputs.Kind() != api.KindObject {
		if inputs.IsNil() {
			inputs = api.Object()
		} else {
			inputs = api.Object(api.Field{Key: "value", Value: inputs})
		}
	}
	keys := inputs.Keys()

	switch {
	case len(params) == 0:
		return Binding{Unmapped: append([]string(nil), keys...), Rule: RuleNoParams}, nil
	case len(params) == 1 && params[0].Kind == ParamObject:
		return Binding{Args: []api.Value{inputs}, Rule: RuleOptions}, nil
	case len(params) == 1 && len(keys) == 1:
		v, _ := inputs.Get(keys[0])
		return Binding{Args: []api.Value{v}, Rule: RuleLoneValue}, nil
	}

	args := make([]api.Value, len(params))
	filled := make([]bool, len(params))
	used := make(map[string]bool, len(keys))
	rule := RuleNamed

	for i, p := range params {
		if v, ok := inputs.Get(p.Name); ok && !used[p.Name] {
			args[i], filled[i] = v, true
			used[p.Name] = true
		}
	}
	for i, p := range params {
		if filled[i] {
			continue
		}
		for _, alias := range Aliases(p.Name) {
			if v, ok := inputs.Get(alias); ok && !used[alias] {
				args[i], filled[i] = v, true
				used[alias] = true
				break
			}
		}
	}
	if len(keys) == len(params) {
		next := 0
		for i := range params {
			if filled[i] {
				continue
			}
			for next < len(keys) && used[keys[next]] {
				next++
			}
			if next == len(keys) {
				break
			}
			v, _ := inputs.Get(keys[next])
			args[i], filled[i] = v, true
			used[keys[next]] = true
			rule = RulePositional
		}
	}

	var unmapped []string
	for _, k := range keys {
		if !used[k] {
			unmapped = append(unmapped, k)
		}
	}

	var missing []string
	for i, p := range params {
		if filled[i] {
			continue
		}
		if p.Required {
			missing = append(missing, p.Name)
			continue
		}
		args[i] = p.Default
	}
	if len(missing) > 0 {
		return Binding{}, &ParameterMismatchError{Missing: missing, Unmapped: unmapped}
	}
	return Binding{Args: args, Unmapped: unmapped, Rule: rule}, nil
}
