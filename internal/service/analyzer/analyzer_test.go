package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

// fakeServerScript is a minimal stdio MCP server: it replies to
// initialize, tools/list, and prompts/list, and errors on resources/list
// to exercise the "unsupported method contributes 0" path.
const fakeServerScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26"}}'
      ;;
    *'"method":"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"read_file","description":"Read a file from disk"}]}}'
      ;;
    *'"method":"prompts/list"'*)
      echo '{"jsonrpc":"2.0","id":3,"result":{"prompts":[]}}'
      ;;
    *'"method":"resources/list"'*)
      echo '{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"method not found"}}'
      ;;
  esac
done
`

func TestAnalyzerRunProducesReport(t *testing.T) {
	a := New("sh", "-c", fakeServerScript)
	a.Timeout = 5 * time.Second

	report, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Tools) != 1 || report.Tools[0].Name != "read_file" {
		t.Fatalf("expected one tool named read_file, got %+v", report.Tools)
	}
	if report.Tools[0].Tokens == 0 {
		t.Fatalf("expected nonzero token cost for read_file tool")
	}
	if len(report.Prompts) != 0 {
		t.Fatalf("expected zero prompts, got %+v", report.Prompts)
	}
	if len(report.Resources) != 0 {
		t.Fatalf("expected zero resources (upstream error), got %+v", report.Resources)
	}
	if report.TotalByCategory["resources"] != 0 {
		t.Fatalf("expected resources category to contribute 0 tokens on upstream error")
	}
	if report.TotalTokens == 0 {
		t.Fatalf("expected nonzero total tokens")
	}
}

func TestAnalyzerSpawnFailureWrapsSentinel(t *testing.T) {
	a := New("definitely-not-a-real-binary-xyz")
	_, err := a.Run(context.Background())
	if !errors.Is(err, protocol.ErrChildSpawnFailed) {
		t.Fatalf("expected ErrChildSpawnFailed, got %v", err)
	}
}

func TestAnalyzerTimeoutSurfacesErrTimeout(t *testing.T) {
	// A server that never responds to initialize.
	a := New("sh", "-c", "cat >/dev/null")
	a.Timeout = 200 * time.Millisecond

	_, err := a.Run(context.Background())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
