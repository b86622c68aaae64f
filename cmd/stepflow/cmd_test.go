package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestPlans(t *testing.T) {
	path := writeFile(t, `
workflows:
  - id: pipeline
    definition:
      steps:
        - {id: fetch, module: core.echo, inputs: {v: 1}, outputAs: data}
        - {id: log, module: core.log, inputs: {message: start}}
        - {id: store, module: core.echo, inputs: {v: "{{data}}"}}
  - id: single
    definition:
      steps:
        - {id: only, module: core.echo}
`)

	ps, err := plans(testCmd(), path, "")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "pipeline", ps[0].WorkflowID)
	assert.Equal(t, []api.Wave{{"fetch", "log"}, {"store"}}, ps[0].Waves)

	ps, err = plans(testCmd(), path, "single")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, []api.Wave{{"only"}}, ps[0].Waves)

	_, err = plans(testCmd(), path, "nope")
	require.Error(t, err)
}

func TestPlans_InvalidDefinition(t *testing.T) {
	path := writeFile(t, `
id: loop
definition:
  steps:
    - {id: a, module: core.echo, inputs: {v: "{{b}}"}, outputAs: a}
    - {id: b, module: core.echo, inputs: {v: "{{a}}"}, outputAs: b}
`)
	_, err := plans(testCmd(), path, "")
	require.Error(t, err)

	var cfgErr *api.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "validate", "plan", "serve", "mcp"} {
		assert.True(t, names[want], want)
	}
}
