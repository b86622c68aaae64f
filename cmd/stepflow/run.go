package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/app"
	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/pkg/api"
)

var triggerJSON string

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow and print its run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&triggerJSON, "trigger", "{}", "JSON trigger data for the run")
	rootCmd.AddCommand(runCmd)
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	trigger, err := api.ParseJSON([]byte(triggerJSON))
	if err != nil {
		return fmt.Errorf("parsing trigger JSON: %w", err)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := ctxlog.WithLogger(cmd.Context(), logger)

	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	run, err := rt.Engine.Execute(ctx, api.RunRequest{
		WorkflowID:  args[0],
		TriggerType: api.TriggerManual,
		TriggerData: trigger,
	})
	if run == nil {
		return err
	}

	if outputFormat == "json" {
		if werr := writeJSON(os.Stdout, run); werr != nil {
			return werr
		}
	} else {
		fmt.Printf("Run:      %s\n", run.ID)
		fmt.Printf("Status:   %s\n", run.Status)
		fmt.Printf("Duration: %s\n", run.Duration)
		if run.Error != "" {
			fmt.Printf("Error:    %s (step %s)\n", run.Error, run.ErrorStep)
		} else {
			fmt.Printf("Output:   %s\n", run.Output.Truncate(2000))
		}
	}
	if run.Status != api.RunSuccess {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}
