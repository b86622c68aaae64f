package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/ctxlog"
)

var (
	configFile   string
	workflowsDir string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:           "stepflow",
	Short:         "stepflow runs module-based workflows in dependency waves",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (default: ./stepflow.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&workflowsDir, "workflows-dir", "", "directory of workflow definitions, overrides workflows.dir")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

// loadConfig reads the configuration and builds the process logger. Logs
// go to stderr so stdout stays free for command output and MCP.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if workflowsDir != "" {
		cfg.Workflows.Dir = workflowsDir
	}
	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
