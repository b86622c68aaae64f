package main

import (
	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, organization queue workers and scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		fxApp := app.NewApp(cfg, logger)
		if err := fxApp.Err(); err != nil {
			return err
		}
		fxApp.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
