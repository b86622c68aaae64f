package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/app"
	"github.com/petrijr/stepflow/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve run_workflow and get_run as MCP tools on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE:  serveMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func serveMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.NewRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	return mcpserver.New(rt.Engine, Version).ServeStdio()
}
