// Package mcpupstream is a thin HTTP client for the Streamable HTTP proxy
// (C8): it forwards JSON-RPC bodies to an upstream MCP server and
// transparently captures/replays the Mcp-Session-Id header the 2025-03-26
// transport uses to correlate a client with its upstream session.
package mcpupstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

// sessionHeader is the MCP 2025-03-26 transport's session correlation
// header.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBodySize bounds how much of an upstream response the client
// will buffer, protecting against a malicious or misbehaving upstream.
const maxResponseBodySize = 10 * 1024 * 1024

// Client forwards requests to one upstream MCP server over HTTP, tracking
// its session id across calls.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

// New creates a Client targeting baseURL (e.g. "http://localhost:9000").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SessionID returns the most recently captured Mcp-Session-Id, or "" if
// none has been seen yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ClearSession forgets the stored session id, used after a successful
// DELETE /mcp.
func (c *Client) ClearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Do issues method against path (e.g. "/mcp"), replaying the stored
// session id unless the caller already set one on req via
// clientSessionID. The response's session header, if present, is
// captured for subsequent calls. The caller owns closing resp.Body.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, clientSessionID string, extraHeaders map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err)
	}

	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	sid := clientSessionID
	if sid == "" {
		sid = c.SessionID()
	}
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err)
	}

	if got := resp.Header.Get(sessionHeader); got != "" {
		c.mu.Lock()
		c.sessionID = got
		c.mu.Unlock()
	}

	return resp, nil
}

// LimitedBody wraps resp.Body in an io.LimitReader bounded at
// maxResponseBodySize.
func LimitedBody(body io.ReadCloser) io.Reader {
	return io.LimitReader(body, maxResponseBodySize)
}
