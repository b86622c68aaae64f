// Package loader reads workflow definitions from YAML or JSON files.
//
// A file holds either a single workflow:
//
//	id: nightly
//	name: Nightly report
//	definition:
//	  steps: [...]
//
// or a bundle with organizations and workflows:
//
//	organizations:
//	  - {id: acme, active: true}
//	workflows:
//	  - id: nightly
//	    ...
//
// Workflows are enabled unless the file says otherwise.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Bundle is the content of one or more definition files.
type Bundle struct {
	Organizations []api.Organization
	Workflows     []*api.Workflow
}

// LoadFile reads and parses a single definition file.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow file %s: %w", path, err)
	}
	return b, nil
}

// LoadDir reads every .yaml, .yml and .json file under dir, recursively.
// Workflow ids must be unique across files.
func LoadDir(dir string) (*Bundle, error) {
	out := &Bundle{}
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(d.Name()) {
			return nil
		}
		b, err := LoadFile(path)
		if err != nil {
			return err
		}
		for _, wf := range b.Workflows {
			if prev, ok := seen[wf.ID]; ok {
				return fmt.Errorf("duplicate workflow id %q in %s (first defined in %s)", wf.ID, path, prev)
			}
			seen[wf.ID] = path
		}
		out.Organizations = append(out.Organizations, b.Organizations...)
		out.Workflows = append(out.Workflows, b.Workflows...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading workflows from %s: %w", dir, err)
	}
	return out, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Parse decodes a definition document. JSON is accepted as YAML.
func Parse(data []byte) (*Bundle, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", root.Line)
	}

	b := &Bundle{}
	workflows := mappingValue(root, "workflows")
	if workflows == nil {
		wf, err := decodeWorkflow(root)
		if err != nil {
			return nil, err
		}
		b.Workflows = append(b.Workflows, wf)
		return b, nil
	}

	if workflows.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: workflows must be a list", workflows.Line)
	}
	for _, n := range workflows.Content {
		wf, err := decodeWorkflow(n)
		if err != nil {
			return nil, err
		}
		b.Workflows = append(b.Workflows, wf)
	}
	if orgs := mappingValue(root, "organizations"); orgs != nil {
		if err := orgs.Decode(&b.Organizations); err != nil {
			return nil, fmt.Errorf("organizations: %w", err)
		}
		for _, org := range b.Organizations {
			if org.ID == "" {
				return nil, fmt.Errorf("line %d: organization is missing required field 'id'", orgs.Line)
			}
		}
	}
	return b, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func decodeWorkflow(n *yaml.Node) (*api.Workflow, error) {
	wf := &api.Workflow{Enabled: true}
	if err := n.Decode(wf); err != nil {
		return nil, fmt.Errorf("line %d: %w", n.Line, err)
	}
	if wf.ID == "" {
		return nil, fmt.Errorf("line %d: workflow is missing required field 'id'", n.Line)
	}
	if len(wf.Definition.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q: must have at least one step", wf.ID)
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	if wf.Trigger.Type == "" {
		wf.Trigger.Type = api.TriggerManual
	}
	if wf.Trigger.Type == api.TriggerCron && wf.Trigger.Cron == "" {
		return nil, fmt.Errorf("workflow %q: cron trigger needs a cron expression", wf.ID)
	}
	return wf, nil
}

// Install saves the bundle's organizations and workflows.
func (b *Bundle) Install(ctx context.Context, workflows persistence.WorkflowStore, orgs persistence.OrganizationStore) error {
	for _, org := range b.Organizations {
		if err := orgs.SaveOrganization(ctx, org); err != nil {
			return fmt.Errorf("saving organization %s: %w", org.ID, err)
		}
	}
	for _, wf := range b.Workflows {
		if err := workflows.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("saving workflow %s: %w", wf.ID, err)
		}
	}
	return nil
}

// Find returns the workflow with the given id.
func (b *Bundle) Find(id string) (*api.Workflow, bool) {
	for _, wf := range b.Workflows {
		if wf.ID == id {
			return wf, true
		}
	}
	return nil, false
}
