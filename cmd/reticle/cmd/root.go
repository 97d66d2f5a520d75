// Package cmd provides the CLI commands for reticle.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reticlehq/reticle/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reticle",
	Short: "reticle - MCP observability proxy",
	Long: `reticle sits between an MCP host and an MCP server, recording every
JSON-RPC message that crosses the wire and forwarding it unmodified.

It supports four upstream transports - a spawned stdio child process,
legacy HTTP+SSE, Streamable HTTP (2025-03-26), and WebSocket - and can
report live traffic to a Hub dashboard process over a local Unix socket.

Quick start:
  1. Run a server under observation: reticle run --name my-server -- npx some-mcp-server
  2. Or just log to stderr, no Hub required: reticle log --name my-server -- npx some-mcp-server
  3. Or audit a server's advertised surface: reticle analyze --name my-server -- npx some-mcp-server

Configuration:
  Config is loaded from reticle.yaml in the current directory,
  $HOME/.reticle/, or /etc/reticle/.

  Environment variables override config values with the RETICLE_ prefix.
  Example: RETICLE_SERVER_LISTEN_ADDR=:9090

Commands:
  run       Spawn a stdio MCP server and bridge it to the Hub
  proxy     Run a network-transport proxy in front of an MCP server
  log       Run a standalone stdio proxy with no Hub, logging to stderr
  analyze   Spawn a stdio MCP server once and report its token footprint
  version   Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./reticle.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
