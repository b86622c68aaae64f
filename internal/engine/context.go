package engine

import (
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// ExecutionContext holds a run's variables: the seed values and every
// step output stored under its outputAs name. Steps of one wave write
// concurrently, so access is locked.
type ExecutionContext struct {
	mu   sync.RWMutex
	keys []string
	vars map[string]api.Value
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{vars: make(map[string]api.Value)}
}

// Lookup implements template.Scope.
func (c *ExecutionContext) Lookup(name string) (api.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Set stores v under name.
func (c *ExecutionContext) Set(name string, v api.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vars[name]; !ok {
		c.keys = append(c.keys, name)
	}
	c.vars[name] = v
}

// Snapshot returns the variables as an object in insertion order,
// skipping names for which skip returns true.
func (c *ExecutionContext) Snapshot(skip func(name string) bool) api.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields := make([]api.Field, 0, len(c.keys))
	for _, k := range c.keys {
		if skip != nil && skip(k) {
			continue
		}
		fields = append(fields, api.Field{Key: k, Value: c.vars[k]})
	}
	return api.Object(fields...)
}
