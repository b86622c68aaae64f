package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/loader"
	"github.com/petrijr/stepflow/pkg/api"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a workflow definition file without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  validateWorkflows,
}

var planCmd = &cobra.Command{
	Use:   "plan <file> [workflow-id]",
	Short: "Show the waves a workflow would run in",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  planWorkflows,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
}

type workflowPlan struct {
	WorkflowID string     `json:"workflowId"`
	Waves      []api.Wave `json:"waves"`
}

// plans builds the wave plan of every workflow in path, or only of id.
func plans(cmd *cobra.Command, path, id string) ([]workflowPlan, error) {
	bundle, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	wfs := bundle.Workflows
	if id != "" {
		wf, ok := bundle.Find(id)
		if !ok {
			return nil, fmt.Errorf("workflow %q not found in %s", id, path)
		}
		wfs = []*api.Workflow{wf}
	}

	eng := engine.NewInMemoryEngine()
	out := make([]workflowPlan, 0, len(wfs))
	for _, wf := range wfs {
		waves, err := eng.Plan(cmd.Context(), wf.Definition)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
		out = append(out, workflowPlan{WorkflowID: wf.ID, Waves: waves})
	}
	return out, nil
}

func validateWorkflows(cmd *cobra.Command, args []string) error {
	ps, err := plans(cmd, args[0], "")
	if err != nil {
		return err
	}
	for _, p := range ps {
		fmt.Printf("Workflow %q is valid (%d waves).\n", p.WorkflowID, len(p.Waves))
	}
	return nil
}

func planWorkflows(cmd *cobra.Command, args []string) error {
	var id string
	if len(args) == 2 {
		id = args[1]
	}
	ps, err := plans(cmd, args[0], id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return writeJSON(os.Stdout, ps)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tWAVE\tSTEPS")
	for _, p := range ps {
		for i, wave := range p.Waves {
			fmt.Fprintf(w, "%s\t%d\t%s\n", p.WorkflowID, i+1, strings.Join(wave, ", "))
		}
	}
	return w.Flush()
}
