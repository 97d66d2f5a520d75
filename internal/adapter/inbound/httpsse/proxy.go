// Package httpsse implements the legacy HTTP+SSE proxy (C7): a local
// server exposing /events (SSE from upstream), /message (POST to
// upstream), and /health.
package httpsse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/reticlehq/reticle/internal/adapter/inbound/httpcommon"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/domain/tokencount"
)

// Sink is where the proxy emits LogEntries.
type Sink interface {
	EmitLog(hub.LogEvent)
}

// Proxy serves the legacy HTTP+SSE transport against one upstream.
type Proxy struct {
	UpstreamBase string
	SessionID    string
	ServerName   string

	Sink     Sink
	Recorder *recorder.Recorder
	Metrics  *httpcommon.Metrics
	Logger   *slog.Logger

	httpClient *http.Client
}

// Handler builds the mux for this proxy's three endpoints.
func (p *Proxy) Handler() http.Handler {
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpcommon.HealthHandler)
	mux.HandleFunc("/events", p.instrument("/events", p.handleEvents))
	mux.HandleFunc("/message", p.instrument("/message", p.handleMessage))
	return httpcommon.WithLogger("legacy-sse", p.logger(), httpcommon.CORS(mux))
}

func (p *Proxy) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	if p.Metrics == nil {
		return h
	}
	return p.Metrics.Instrument("httpsse", route, h)
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// handleEvents opens an SSE stream to <upstream>/events and forwards it
// verbatim to the caller, emitting an Out-direction LogEntry for each
// JSON-RPC-shaped data frame.
func (p *Proxy) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.UpstreamBase+"/events", nil)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusInternalServerError)
		return
	}
	upstreamReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(upstreamReq)
	if err != nil {
		httpcommon.LoggerFromContext(r.Context()).Warn("httpsse: upstream events connect failed", "error", err)
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

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
			p.emitFromSSEData(strings.TrimPrefix(line, "data: "))
		}

		if line == "" {
			// Blank line terminates one SSE event; flush the accumulated
			// chunk byte-for-byte to the caller.
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

func (p *Proxy) emitFromSSEData(data string) {
	c := protocol.Classify([]byte(data))
	p.emit(c, protocol.Out)
}

// handleMessage accepts { "message": <jsonrpc> }, logs it In-direction,
// and forwards to <upstream>/message. The upstream response is not
// emitted: it is expected to arrive over the SSE channel.
func (p *Proxy) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Message) == 0 {
		http.Error(w, "expected {\"message\": <jsonrpc>}", http.StatusBadRequest)
		return
	}

	c := protocol.Classify(envelope.Message)
	p.emit(c, protocol.In)
	p.offerToRecorder(c, protocol.In)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.UpstreamBase+"/message", bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusInternalServerError)
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(upstreamReq)
	if err != nil {
		p.emitSyntheticError(fmt.Errorf("%w: %v", protocol.ErrUpstreamConnect, err))
		http.Error(w, "upstream connect failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(resp.Body, 10*1024*1024))
}

func (p *Proxy) emit(c protocol.Classified, dir protocol.Direction) {
	if p.Sink == nil {
		return
	}
	p.Sink.EmitLog(hub.LogEvent{
		ID:          protocol.NextLogID(dir.String()),
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
