package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/adapter/inbound/stdio"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/adapter/outbound/store"
	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/service/dispatch"
)

var (
	runName        string
	runSocket      string
	runNoTelemetry bool
)

var runCmd = &cobra.Command{
	Use:   "run --name <N> [--socket <P>] [--no-telemetry] -- <command> [args...]",
	Short: "Spawn a stdio MCP server and bridge it to the Hub",
	Long: `run spawns <command> as a child process, proxies its stdin/stdout
to this process's own stdin/stdout, and reports every JSON-RPC message
that crosses the wire to the Hub dashboard over a local Unix socket.

Example:
  reticle run --name my-server -- npx @modelcontextprotocol/server-filesystem /tmp`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "server name (required)")
	runCmd.Flags().StringVar(&runSocket, "socket", "", "Hub socket path (default: RETICLE_SOCKET or /tmp/reticle.sock)")
	runCmd.Flags().BoolVar(&runNoTelemetry, "no-telemetry", false, "disable the Hub bridge and session recording")
	_ = runCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	command, cmdArgs := args[0], args[1:]

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	if _, err := dispatch.ForCommand(command, stdioPolicy(cfg.DevMode)); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	sid := protocol.GenerateSessionID(runName)
	startedAt := protocol.NowMicros()

	proxy := &stdio.Proxy{
		Command:     command,
		Args:        cmdArgs,
		SessionID:   sid.ID,
		SessionName: sid.Name,
		ServerName:  runName,
		Logger:      logger,
	}

	telemetryEnabled := cfg.Telemetry.Enabled && !runNoTelemetry

	var bridge *hub.Bridge
	var rec *recorder.Recorder
	var sessionStore *store.Store

	if telemetryEnabled {
		socketPath := runSocket
		if socketPath == "" {
			socketPath = hub.SocketPath()
			if cfg.Hub.SocketPath != "" {
				socketPath = cfg.Hub.SocketPath
			}
		}
		bridge = hub.New(socketPath, logger)
		defer bridge.Close()
		bridge.EmitSessionStarted(sid.ID, sid.Name, runName)
		proxy.Sink = bridge
		proxy.Inject = bridge.Inject()

		rec = recorder.New(sid.ID, sid.Name, startedAt, "stdio")
		rec.SetServerIdentity(&protocol.ServerIdentity{
			Name:           runName,
			Command:        command,
			Args:           cmdArgs,
			ConnectionType: "stdio",
		})
		proxy.Recorder = rec

		if sessionStore, err = store.Open(cfg.Store.Path); err != nil {
			logger.Warn("session store unavailable, recorded session will not persist", "error", err)
			sessionStore = nil
		} else {
			defer sessionStore.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	exitCode, runErr := proxy.Run(ctx, os.Stdin, os.Stdout, os.Stderr)

	if bridge != nil {
		bridge.EmitSessionEnded(sid.ID)
	}
	if rec != nil {
		stats := rec.GetStats()
		logger.Info("session stats",
			"session_id", stats.SessionID,
			"message_count", stats.MessageCount,
			"to_server_count", stats.ToServerCount,
			"to_client_count", stats.ToClientCount,
			"duration_seconds", stats.DurationSeconds,
		)
		session := rec.Finalize(protocol.NowMicros())
		if sessionStore != nil {
			if len(session.Messages) == 0 {
				logger.Warn("discarding empty recording session, nothing to persist", "session_id", session.ID)
			} else if saveErr := sessionStore.Save(session); saveErr != nil {
				logger.Warn("failed to persist session", "error", saveErr)
			}
		}
	}

	if runErr != nil {
		return fmt.Errorf("startup failed: %w", runErr)
	}
	os.Exit(exitCode)
	return nil
}

// stdioPolicy returns the stdio command allow-list: an empty policy
// (permit anything) in development mode, otherwise reticle's default
// launcher allow-list.
func stdioPolicy(devMode bool) dispatch.CommandPolicy {
	if devMode {
		return dispatch.CommandPolicy{}
	}
	return dispatch.DefaultCommandPolicy()
}
