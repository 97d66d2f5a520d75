package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/adapter/inbound/stdio"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/service/dispatch"
)

var (
	logName   string
	logFormat string
)

var logCmd = &cobra.Command{
	Use:   "log --name <N> [--format text|json] -- <command> [args...]",
	Short: "Run a standalone stdio proxy with no Hub, logging to stderr",
	Long: `log behaves like run, except it never dials the Hub: every
message it observes is written to standard error only, either as a
human-readable line (--format text, the default) or as one JSON object
per line (--format json).

Example:
  reticle log --name my-server --format json -- npx some-mcp-server`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().StringVar(&logName, "name", "", "server name (required)")
	logCmd.Flags().StringVar(&logFormat, "format", "text", "event format for stderr: text or json")
	_ = logCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(logCmd)
}

// stderrSink writes every observed LogEvent to stderr in the requested
// format. It never touches the Hub.
type stderrSink struct {
	format string
	logger *slog.Logger
}

func (s *stderrSink) EmitLog(evt hub.LogEvent) {
	if s.format == "json" {
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s %s method=%s tokens=%d\n", evt.Direction, evt.MessageType, evt.Content, evt.Method, evt.TokenCount)
}

func runLog(cmd *cobra.Command, args []string) error {
	command, cmdArgs := args[0], args[1:]

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	if _, err := dispatch.ForCommand(command, stdioPolicy(cfg.DevMode)); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	if logFormat != "text" && logFormat != "json" {
		return fmt.Errorf("startup failed: --format must be text or json, got %q", logFormat)
	}

	sid := protocol.GenerateSessionID(logName)

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	proxy := &stdio.Proxy{
		Command:     command,
		Args:        cmdArgs,
		SessionID:   sid.ID,
		SessionName: sid.Name,
		ServerName:  logName,
		Sink:        &stderrSink{format: logFormat, logger: logger},
		Logger:      logger,
	}

	exitCode, err := proxy.Run(ctx, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	os.Exit(exitCode)
	return nil
}
