package plan

import "github.com/petrijr/stepflow/pkg/api"

// Levels returns each step's wave index: 0 without predecessors, otherwise
// one more than the highest predecessor level.
func Levels(g *Graph) map[string]int {
	levels := make(map[string]int, g.Len())
	var level func(id string) int
	level = func(id string) int {
		if l, ok := levels[id]; ok {
			return l
		}
		l := 0
		for _, p := range g.deps[id] {
			if pl := level(p) + 1; pl > l {
				l = pl
			}
		}
		levels[id] = l
		return l
	}
	for _, s := range g.steps {
		level(s.ID)
	}
	return levels
}

// Group levels g into waves. Steps keep declaration order within a wave.
func Group(g *Graph) []api.Wave {
	levels := Levels(g)
	var waves []api.Wave
	for _, s := range g.steps {
		l := levels[s.ID]
		for len(waves) <= l {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], s.ID)
	}
	return waves
}
