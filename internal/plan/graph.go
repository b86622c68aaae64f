// Package plan builds the step dependency graph of a workflow and levels it
// into waves of concurrently runnable steps.
package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/petrijr/stepflow/internal/template"
	"github.com/petrijr/stepflow/pkg/api"
)

var identRegex = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// SeedKeys are the context variables available before any step runs.
var SeedKeys = []string{"user", "credential", "trigger", "workflowId", "runId", "userId"}

// Graph is the dependency graph of a workflow. An edge A -> B means B
// reads A's output.
type Graph struct {
	steps      []api.Step
	index      map[string]int
	producers  map[string]string // outputAs -> step id
	deps       map[string][]string
	dependents map[string][]string
}

// NormalizeStep trims identifiers, strips an optional "modules." prefix
// and defaults missing inputs to an empty object.
func NormalizeStep(s api.Step) api.Step {
	s.ID = strings.TrimSpace(s.ID)
	s.Module = strings.TrimPrefix(strings.TrimSpace(s.Module), "modules.")
	s.OutputAs = strings.TrimSpace(s.OutputAs)
	if s.Inputs.IsNil() {
		s.Inputs = api.Object()
	}
	return s
}

// Build validates steps and computes their dependency edges. Identifiers in
// seed are context variables rather than step outputs and never produce
// edges. Every failure is an *api.ConfigurationError.
func Build(steps []api.Step, seed []string) (*Graph, error) {
	g := &Graph{
		steps:      make([]api.Step, 0, len(steps)),
		index:      make(map[string]int, len(steps)),
		producers:  make(map[string]string),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}
	seedSet := make(map[string]struct{}, len(seed))
	for _, k := range seed {
		seedSet[k] = struct{}{}
	}

	for i, raw := range steps {
		s := NormalizeStep(raw)
		if s.ID == "" {
			return nil, &api.ConfigurationError{Reason: fmt.Sprintf("step #%d has no id", i+1)}
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, &api.ConfigurationError{StepID: s.ID, Reason: "duplicate step id"}
		}
		if s.Module == "" {
			return nil, &api.ConfigurationError{StepID: s.ID, Reason: "module is required"}
		}
		if s.OutputAs != "" {
			if !identRegex.MatchString(s.OutputAs) {
				return nil, &api.ConfigurationError{StepID: s.ID, Reason: fmt.Sprintf("outputAs %q is not a valid identifier", s.OutputAs)}
			}
			if _, ok := seedSet[s.OutputAs]; ok {
				return nil, &api.ConfigurationError{StepID: s.ID, Reason: fmt.Sprintf("outputAs %q shadows a built-in variable", s.OutputAs)}
			}
			if other, dup := g.producers[s.OutputAs]; dup {
				return nil, &api.ConfigurationError{StepID: s.ID, Reason: fmt.Sprintf("outputAs %q is already written by step %q", s.OutputAs, other)}
			}
			g.producers[s.OutputAs] = s.ID
		}
		g.index[s.ID] = len(g.steps)
		g.steps = append(g.steps, s)
	}

	for _, s := range g.steps {
		for _, ref := range template.References(s.Inputs) {
			if _, ok := seedSet[ref]; ok {
				continue
			}
			producer, ok := g.producers[ref]
			if !ok {
				continue
			}
			if producer == s.ID {
				return nil, &api.ConfigurationError{StepID: s.ID, Reason: fmt.Sprintf("step reads its own output %q", ref)}
			}
			g.deps[s.ID] = append(g.deps[s.ID], producer)
			g.dependents[producer] = append(g.dependents[producer], s.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &api.ConfigurationError{
			StepID: cycle[0],
			Reason: "dependency cycle detected: " + strings.Join(cycle, " -> "),
		}
	}
	return g, nil
}

// findCycle runs a three-colour DFS in declaration order and returns the
// first cycle found as a closed path, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.dependents[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						return append(append([]string{}, stack[i:]...), next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range g.steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// Steps returns the normalized steps in declaration order.
func (g *Graph) Steps() []api.Step { return g.steps }

// Step looks up a normalized step by id.
func (g *Graph) Step(id string) (api.Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return api.Step{}, false
	}
	return g.steps[i], true
}

// Index returns the declaration position of step id, or -1.
func (g *Graph) Index(id string) int {
	i, ok := g.index[id]
	if !ok {
		return -1
	}
	return i
}

// Predecessors returns the ids of steps that id depends on.
func (g *Graph) Predecessors(id string) []string { return g.deps[id] }

// Successors returns the ids of steps that depend on id.
func (g *Graph) Successors(id string) []string { return g.dependents[id] }

// Producer returns the step that writes the given variable.
func (g *Graph) Producer(variable string) (string, bool) {
	id, ok := g.producers[variable]
	return id, ok
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }
