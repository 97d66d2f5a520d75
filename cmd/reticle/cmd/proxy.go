package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/adapter/inbound/httpcommon"
	"github.com/reticlehq/reticle/internal/adapter/inbound/httpsse"
	"github.com/reticlehq/reticle/internal/adapter/inbound/streamhttp"
	"github.com/reticlehq/reticle/internal/adapter/inbound/wsproxy"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/adapter/outbound/mcpupstream"
	"github.com/reticlehq/reticle/internal/adapter/outbound/store"
	"github.com/reticlehq/reticle/internal/config"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/service/dispatch"
)

// shutdownGrace bounds how long the proxy's HTTP server waits for
// in-flight requests to finish on a graceful shutdown signal.
const shutdownGrace = 5 * time.Second

var (
	proxyName        string
	proxyListen      string
	proxyUpstream    string
	proxySocket      string
	proxyNoTelemetry bool
	proxyLegacySSE   bool
)

var proxyCmd = &cobra.Command{
	Use:   "proxy --name <N> --listen <PORT> --upstream <URL> [--socket <P>] [--no-telemetry]",
	Short: "Run a network-transport proxy in front of an MCP server",
	Long: `proxy listens locally and forwards every request to --upstream,
selecting the transport from the upstream URL's scheme (C10): ws/wss use
WebSocket, http/https use Streamable HTTP, or legacy HTTP+SSE when
--legacy-sse is set. Every JSON-RPC message observed on
the wire is reported to the Hub dashboard, unless --no-telemetry is set.

Example:
  reticle proxy --name remote-server --listen :8765 --upstream http://localhost:9000`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyName, "name", "", "server name (required)")
	proxyCmd.Flags().StringVar(&proxyListen, "listen", ":7890", "local address to bind")
	proxyCmd.Flags().StringVar(&proxyUpstream, "upstream", "", "upstream MCP server URL (required)")
	proxyCmd.Flags().StringVar(&proxySocket, "socket", "", "Hub socket path (default: RETICLE_SOCKET or /tmp/reticle.sock)")
	proxyCmd.Flags().BoolVar(&proxyNoTelemetry, "no-telemetry", false, "disable the Hub bridge and session recording")
	proxyCmd.Flags().BoolVar(&proxyLegacySSE, "legacy-sse", false, "use the pre-2025-03-26 HTTP+SSE transport instead of Streamable HTTP")
	_ = proxyCmd.MarkFlagRequired("name")
	_ = proxyCmd.MarkFlagRequired("upstream")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)
	if !cmd.Flags().Changed("listen") {
		proxyListen = cfg.Server.ListenAddr
	}

	transport, err := dispatch.ForURL(proxyUpstream, proxyLegacySSE)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	sid := protocol.GenerateSessionID(proxyName)
	startedAt := protocol.NowMicros()

	telemetryEnabled := cfg.Telemetry.Enabled && !proxyNoTelemetry

	var sink httpsse.Sink
	var rec *recorder.Recorder
	var bridge *hub.Bridge
	var sessionStore *store.Store

	if telemetryEnabled {
		socketPath := proxySocket
		if socketPath == "" {
			socketPath = hub.SocketPath()
			if cfg.Hub.SocketPath != "" {
				socketPath = cfg.Hub.SocketPath
			}
		}
		bridge = hub.New(socketPath, logger)
		defer bridge.Close()
		bridge.EmitSessionStarted(sid.ID, sid.Name, proxyName)
		sink = bridge

		rec = recorder.New(sid.ID, sid.Name, startedAt, transport.String())
		rec.SetServerIdentity(&protocol.ServerIdentity{
			Name:           proxyName,
			ConnectionType: transport.String(),
		})

		if sessionStore, err = store.Open(cfg.Store.Path); err != nil {
			logger.Warn("session store unavailable, recorded session will not persist", "error", err)
			sessionStore = nil
		} else {
			defer sessionStore.Close()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := httpcommon.NewMetrics(reg)

	var handler http.Handler
	switch transport {
	case dispatch.TransportLegacySSE:
		handler = (&httpsse.Proxy{
			UpstreamBase: proxyUpstream,
			SessionID:    sid.ID,
			ServerName:   proxyName,
			Sink:         sink,
			Recorder:     rec,
			Metrics:      metrics,
			Logger:       logger,
		}).Handler()
	case dispatch.TransportStreamHTTP:
		handler = (&streamhttp.Proxy{
			SessionID:  sid.ID,
			ServerName: proxyName,
			Upstream:   mcpupstream.New(proxyUpstream),
			Sink:       sink,
			Recorder:   rec,
			Metrics:    metrics,
			Logger:     logger,
		}).Handler()
	case dispatch.TransportWebSocket:
		wsp := &wsproxy.Proxy{
			UpstreamURL: proxyUpstream,
			SessionID:   sid.ID,
			ServerName:  proxyName,
			Sink:        sink,
			Recorder:    rec,
			Logger:      logger,
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/health", httpcommon.HealthHandler)
		mux.HandleFunc("/ws", wsp.HandleWS)
		handler = httpcommon.WithLogger("websocket", logger, httpcommon.CORS(mux))
	default:
		return fmt.Errorf("startup failed: unsupported transport %s", transport)
	}

	top := http.NewServeMux()
	top.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	top.Handle("/", handler)

	server := &http.Server{Addr: proxyListen, Handler: top}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", proxyListen, "transport", transport.String(), "upstream", proxyUpstream)
		serveErrCh <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			runErr = err
		}
	}

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
	return nil
}
