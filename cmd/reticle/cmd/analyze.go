package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/service/analyzer"
	"github.com/reticlehq/reticle/internal/service/dispatch"
)

var analyzeName string

var analyzeCmd = &cobra.Command{
	Use:   "analyze --name <N> -- <command> [args...]",
	Short: "Spawn a stdio MCP server once and report its token footprint",
	Long: `analyze spawns <command>, performs the MCP initialization
handshake, lists its tools/prompts/resources, and prints a JSON report
of each item's estimated token cost to stdout. The child is terminated
once the report is built.

Example:
  reticle analyze --name my-server -- npx some-mcp-server`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeName, "name", "", "server name (required)")
	_ = analyzeCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	command, cmdArgs := args[0], args[1:]

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	if _, err := dispatch.ForCommand(command, stdioPolicy(cfg.DevMode)); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	a := analyzer.New(command, cmdArgs...)
	report, err := a.Run(context.Background())
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	report.ServerName = analyzeName

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
