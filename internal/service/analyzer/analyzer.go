// Package analyzer implements the Analyzer (C11): a one-shot helper
// that spawns a stdio MCP server, performs the initialization handshake,
// and totals the token cost of everything it advertises.
package analyzer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/reticlehq/reticle/internal/adapter/outbound/childproc"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/tokencount"
	"github.com/reticlehq/reticle/pkg/mcp"
)

// listCategoryID assigns each listing call a distinct numeric request id;
// the analyzer never has more than one request in flight at a time, so ids
// only need to be distinct, not sequential across a run.
func listCategoryID(field string) float64 {
	switch field {
	case "tools":
		return 2
	case "prompts":
		return 3
	default:
		return 4
	}
}

// DefaultTimeout is applied to each upstream operation when the caller
// does not supply one.
const DefaultTimeout = 30 * time.Second

// ItemReport is the token-cost breakdown for one discovered tool, prompt,
// or resource.
type ItemReport struct {
	Name   string `json:"name"`
	Tokens uint64 `json:"tokens"`
}

// Report is the structured result of analyzing one MCP server.
type Report struct {
	ServerName string                `json:"server_name"`
	Tools      []ItemReport          `json:"tools"`
	Prompts    []ItemReport          `json:"prompts"`
	Resources  []ItemReport          `json:"resources"`
	TotalByCategory map[string]uint64 `json:"total_by_category"`
	TotalTokens     uint64            `json:"total_tokens"`
}

// Analyzer drives the handshake and listing calls against one stdio
// child process.
type Analyzer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// New creates an Analyzer with the default timeout.
func New(command string, args ...string) *Analyzer {
	return &Analyzer{Command: command, Args: args, Timeout: DefaultTimeout}
}

// rpcNotification is a JSON-RPC notification: a request with no id. The
// go-sdk jsonrpc package models requests with a mandatory id, so
// notifications (which must omit it entirely) are marshaled by hand here.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Run spawns the configured command, performs initialize/initialized,
// then issues tools/list, prompts/list, resources/list, and returns a
// token-cost report. Unsupported methods (upstream error response)
// contribute 0 without failing the overall analysis.
func (a *Analyzer) Run(ctx context.Context) (Report, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	proc := childproc.New(a.Command, a.Args...)

	stdin, stdout, _, err := proc.Start(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", protocol.ErrChildSpawnFailed, err)
	}
	defer proc.Close()

	reader := bufio.NewScanner(stdout)
	reader.Buffer(make([]byte, 64*1024), 1024*1024)

	if err := a.handshake(ctx, timeout, stdin, reader); err != nil {
		return Report{}, err
	}

	report := Report{
		ServerName:      a.Command,
		TotalByCategory: map[string]uint64{"tools": 0, "prompts": 0, "resources": 0},
	}

	report.Tools, report.TotalByCategory["tools"] = a.listCategory(ctx, timeout, stdin, reader, "tools/list", "tools")
	report.Prompts, report.TotalByCategory["prompts"] = a.listCategory(ctx, timeout, stdin, reader, "prompts/list", "prompts")
	report.Resources, report.TotalByCategory["resources"] = a.listCategory(ctx, timeout, stdin, reader, "resources/list", "resources")

	for _, v := range report.TotalByCategory {
		report.TotalTokens += v
	}

	return report, nil
}

func (a *Analyzer) handshake(ctx context.Context, timeout time.Duration, stdin io.Writer, reader *bufio.Scanner) error {
	params, err := json.Marshal(map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "reticle-analyzer", "version": "1"},
	})
	if err != nil {
		return err
	}
	initReq, err := mcp.NewRequest(1, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := a.sendAndReceive(ctx, timeout, stdin, reader, initReq); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	notif, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(notif, '\n')); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrChildIO, err)
	}
	return nil
}

// listCategory issues method against the child, returning per-item token
// reports and their sum. An upstream error response contributes nothing
// but does not fail the analysis.
func (a *Analyzer) listCategory(ctx context.Context, timeout time.Duration, stdin io.Writer, reader *bufio.Scanner, method, field string) ([]ItemReport, uint64) {
	req, err := mcp.NewRequest(listCategoryID(field), method, nil)
	if err != nil {
		return nil, 0
	}
	resp, err := a.sendAndReceive(ctx, timeout, stdin, reader, req)
	if err != nil || resp.Error != nil {
		return nil, 0
	}

	var payload map[string][]namedItem
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, 0
	}

	items := payload[field]
	reports := make([]ItemReport, 0, len(items))
	var total uint64
	for _, item := range items {
		tokens := tokencount.EstimateTokens(string(item.raw))
		reports = append(reports, ItemReport{Name: item.Name, Tokens: tokens})
		total += tokens
	}
	return reports, total
}

// namedItem captures the "name" field common to tools/prompts/resources
// while preserving the full item for token estimation.
type namedItem struct {
	Name string
	raw  json.RawMessage
}

func (n *namedItem) UnmarshalJSON(data []byte) error {
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	n.Name = named.Name
	n.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (a *Analyzer) sendAndReceive(ctx context.Context, timeout time.Duration, stdin io.Writer, reader *bufio.Scanner, req *jsonrpc.Request) (rpcResponse, error) {
	encoded, err := mcp.EncodeMessage(req)
	if err != nil {
		return rpcResponse{}, err
	}
	if _, err := stdin.Write(append(encoded, '\n')); err != nil {
		return rpcResponse{}, fmt.Errorf("%w: %v", protocol.ErrChildIO, err)
	}

	type readResult struct {
		line []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		if reader.Scan() {
			resultCh <- readResult{line: append([]byte(nil), reader.Bytes()...)}
			return
		}
		if err := reader.Err(); err != nil {
			resultCh <- readResult{err: err}
			return
		}
		resultCh <- readResult{err: fmt.Errorf("%w: child closed stdout", protocol.ErrChildIO)}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return rpcResponse{}, res.err
		}
		var resp rpcResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return rpcResponse{}, fmt.Errorf("%w: %v", protocol.ErrUpstreamProtocol, err)
		}
		return resp, nil
	case <-timer.C:
		return rpcResponse{}, protocol.ErrTimeout
	case <-ctx.Done():
		return rpcResponse{}, fmt.Errorf("%w: %v", protocol.ErrTimeout, ctx.Err())
	}
}
