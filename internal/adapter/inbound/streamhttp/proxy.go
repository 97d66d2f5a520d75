// Package streamhttp implements the Streamable HTTP proxy (C8): the
// MCP 2025-03-26 transport's single /mcp endpoint (POST/GET/DELETE)
// plus its legacy aliases, with Mcp-Session-Id capture/replay.
package streamhttp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/reticlehq/reticle/internal/adapter/inbound/httpcommon"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/adapter/outbound/mcpupstream"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/domain/tokencount"
)

const sessionHeader = "Mcp-Session-Id"

// Sink is where the proxy emits LogEntries.
type Sink interface {
	EmitLog(hub.LogEvent)
}

// Proxy serves the Streamable HTTP transport against one upstream.
type Proxy struct {
	SessionID  string
	ServerName string

	Upstream *mcpupstream.Client
	Sink     Sink
	Recorder *recorder.Recorder
	Metrics  *httpcommon.Metrics
	Logger   *slog.Logger

	eventSeq uint64
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Handler builds the mux for /mcp and its legacy aliases.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpcommon.HealthHandler)
	mux.HandleFunc("/mcp", p.instrument("/mcp", p.handleMCP))
	mux.HandleFunc("/message", p.instrument("/message", p.handlePost))
	mux.HandleFunc("/events", p.instrument("/events", p.handleGet))
	return httpcommon.WithLogger("streamable-http", p.logger(), httpcommon.CORS(mux))
}

func (p *Proxy) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	if p.Metrics == nil {
		return h
	}
	return p.Metrics.Instrument("streamhttp", route, h)
}

func (p *Proxy) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p.handlePost(w, r)
	case http.MethodGet:
		p.handleGet(w, r)
	case http.MethodDelete:
		p.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost parses one JSON-RPC message or a batch, logs each In-direction,
// forwards the raw body upstream, and dispatches on the upstream's response
// shape.
func (p *Proxy) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	for _, msg := range splitBatch(body) {
		c := protocol.Classify(msg)
		p.emit(c, protocol.In)
		p.offerToRecorder(c, protocol.In)
	}

	resp, err := p.Upstream.Do(r.Context(), http.MethodPost, "/mcp", bytes.NewReader(body), r.Header.Get(sessionHeader), map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	})
	if err != nil {
		httpcommon.LoggerFromContext(r.Context()).Warn("streamhttp: upstream post failed", "error", err)
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.forwardSessionHeader(w, resp)

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		p.streamSSE(w, resp)
	case resp.StatusCode == http.StatusAccepted:
		w.WriteHeader(http.StatusAccepted)
	default:
		data, err := io.ReadAll(mcpupstream.LimitedBody(resp.Body))
		if err != nil {
			http.Error(w, "bad upstream response", http.StatusBadGateway)
			return
		}
		c := protocol.Classify(data)
		p.emit(c, protocol.Out)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
	}
}

// handleGet opens the server-initiated SSE stream, forwarding Last-Event-ID
// for resumability.
func (p *Proxy) handleGet(w http.ResponseWriter, r *http.Request) {
	headers := map[string]string{"Accept": "text/event-stream"}
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		headers["Last-Event-ID"] = lastID
	}

	resp, err := p.Upstream.Do(r.Context(), http.MethodGet, "/mcp", nil, r.Header.Get(sessionHeader), headers)
	if err != nil {
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p.forwardSessionHeader(w, resp)
	p.streamSSE(w, resp)
}

// handleDelete terminates the upstream session and clears the stored
// session id on success.
func (p *Proxy) handleDelete(w http.ResponseWriter, r *http.Request) {
	resp, err := p.Upstream.Do(r.Context(), http.MethodDelete, "/mcp", nil, r.Header.Get(sessionHeader), nil)
	if err != nil {
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.Upstream.ClearSession()
	}
	p.forwardSessionHeader(w, resp)
	w.WriteHeader(resp.StatusCode)
}

func (p *Proxy) forwardSessionHeader(w http.ResponseWriter, resp *http.Response) {
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		w.Header().Set(sessionHeader, sid)
	}
}

// streamSSE relays an SSE body to the caller, emitting Out-direction
// LogEntries with monotone event ids for each data: JSON frame.
func (p *Proxy) streamSSE(w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventBuf bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		eventBuf.WriteString(line)
		eventBuf.WriteByte('\n')

		if strings.HasPrefix(line, "data: ") {
			c := protocol.Classify([]byte(strings.TrimPrefix(line, "data: ")))
			p.emit(c, protocol.Out)
		}

		if line == "" {
			_, _ = w.Write(eventBuf.Bytes())
			flusher.Flush()
			eventBuf.Reset()
		}
	}
	if eventBuf.Len() > 0 {
		_, _ = w.Write(eventBuf.Bytes())
		flusher.Flush()
	}
}

// splitBatch returns the individual JSON-RPC messages in body, which may be
// a single object or a JSON array (batching).
func splitBatch(body []byte) []json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err == nil {
			return batch
		}
	}
	return []json.RawMessage{trimmed}
}

func (p *Proxy) nextEventID() uint64 {
	return atomic.AddUint64(&p.eventSeq, 1)
}

func (p *Proxy) emit(c protocol.Classified, dir protocol.Direction) {
	if p.Sink == nil {
		return
	}
	id := protocol.NextLogID(dir.String())
	if dir == protocol.Out {
		id = fmt.Sprintf("%s-evt%d", id, p.nextEventID())
	}
	p.Sink.EmitLog(hub.LogEvent{
		ID:          id,
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   dir.String(),
		Content:     c.Canonical,
		Method:      c.Method,
		ServerName:  p.ServerName,
		MessageType: c.Type.String(),
		TokenCount:  tokencount.CountMCPContextTokens([]byte(c.Canonical)),
	})
}

func (p *Proxy) offerToRecorder(c protocol.Classified, dir protocol.Direction) {
	if p.Recorder == nil {
		return
	}
	content := c.Canonical
	if c.Type != protocol.JsonRpc {
		encoded, err := json.Marshal(content)
		if err != nil {
			return
		}
		content = string(encoded)
	}
	_ = p.Recorder.RecordMessage(json.RawMessage(content), dir, protocol.NowMicros(), false, false)
}

func (p *Proxy) emitSyntheticError(err error) {
	if p.Sink == nil {
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": -32000, "message": err.Error()},
	})
	p.Sink.EmitLog(hub.LogEvent{
		ID:          protocol.NextLogID("error"),
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   protocol.Out.String(),
		Content:     string(body),
		ServerName:  p.ServerName,
		MessageType: protocol.JsonRpc.String(),
		TokenCount:  tokencount.CountMCPContextTokens(body),
	})
}
