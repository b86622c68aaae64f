package engine

import (
	"strings"

	"github.com/petrijr/stepflow/internal/plan"
	"github.com/petrijr/stepflow/internal/template"
	"github.com/petrijr/stepflow/pkg/api"
)

var credentialMarkers = []string{"token", "secret", "password", "apikey", "api_key", "credential"}

// credentialShaped reports whether a variable name looks like it holds a
// secret and must stay out of run output.
func credentialShaped(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range credentialMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isSeedKey(name string) bool {
	for _, k := range plan.SeedKeys {
		if k == name {
			return true
		}
	}
	return false
}

// finalOutput computes a successful run's output. A declared returnValue
// is resolved against the context. Otherwise the context minus seed and
// credential-shaped variables is returned, falling back to the last
// step's output when no step stored anything.
func finalOutput(def api.WorkflowDefinition, ec *ExecutionContext, last api.Value) api.Value {
	if strings.TrimSpace(def.ReturnValue) != "" {
		return template.ResolveString(def.ReturnValue, ec)
	}
	out := ec.Snapshot(func(name string) bool {
		return isSeedKey(name) || credentialShaped(name)
	})
	if out.Len() == 0 {
		return last
	}
	return out
}
