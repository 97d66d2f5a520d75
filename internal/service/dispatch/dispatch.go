// Package dispatch picks a transport for a configured upstream (C10):
// by URL scheme for network upstreams, or by invocation shape for a
// stdio child process.
package dispatch

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

// Transport names the proxy implementation selected for one upstream.
type Transport int

const (
	// TransportStdio spawns a child process and proxies its stdin/stdout.
	TransportStdio Transport = iota
	// TransportStreamHTTP is the MCP 2025-03-26 Streamable HTTP transport.
	TransportStreamHTTP
	// TransportLegacySSE is the pre-2025-03-26 HTTP+SSE transport.
	TransportLegacySSE
	// TransportWebSocket is the WebSocket transport.
	TransportWebSocket
)

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case TransportStdio:
		return "stdio"
	case TransportStreamHTTP:
		return "streamable-http"
	case TransportLegacySSE:
		return "legacy-sse"
	case TransportWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// defaultAllowedCommands is the default stdio command allow-list: common
// language launchers used to run MCP servers.
var defaultAllowedCommands = []string{
	"node", "npm", "npx", "python", "python3", "uv", "uvx", "go", "deno", "bun", "docker",
}

// CommandPolicy constrains which commands the stdio transport may spawn.
// An empty Allowed slice permits any command ("development mode").
type CommandPolicy struct {
	Allowed []string
}

// DefaultCommandPolicy returns the policy permitting common language
// launchers.
func DefaultCommandPolicy() CommandPolicy {
	return CommandPolicy{Allowed: append([]string(nil), defaultAllowedCommands...)}
}

// AllowsCommand reports whether command may be spawned under this policy.
// command may be a bare name or a path; only the base name is checked.
func (p CommandPolicy) AllowsCommand(command string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	base := filepath.Base(command)
	for _, a := range p.Allowed {
		if strings.EqualFold(a, base) {
			return true
		}
	}
	return false
}

// ForURL selects the network transport for rawURL by scheme.
// useLegacySSE, when true and the scheme is http/https, selects
// TransportLegacySSE instead of the default TransportStreamHTTP.
func ForURL(rawURL string, useLegacySSE bool) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrInvalidConfiguration, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return TransportWebSocket, nil
	case "http", "https":
		if useLegacySSE {
			return TransportLegacySSE, nil
		}
		return TransportStreamHTTP, nil
	default:
		return 0, fmt.Errorf("%w: unsupported scheme %q", protocol.ErrInvalidConfiguration, u.Scheme)
	}
}

// ForCommand validates that command is permitted by policy for the stdio
// transport, which is selected by invocation shape (a command and
// argument vector) rather than by scheme.
func ForCommand(command string, policy CommandPolicy) (Transport, error) {
	if command == "" {
		return 0, fmt.Errorf("%w: empty command", protocol.ErrInvalidConfiguration)
	}
	if !policy.AllowsCommand(command) {
		return 0, fmt.Errorf("%w: command %q not in allow-list", protocol.ErrInvalidConfiguration, command)
	}
	return TransportStdio, nil
}
