package httpsse

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/domain/protocol"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []hub.LogEvent
}

func (f *fakeSink) EmitLog(e hub.LogEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeSink) snapshot() []hub.LogEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hub.LogEvent, len(f.entries))
	copy(out, f.entries)
	return out
}

func TestHTTPSSEEventsFramingEmitsOneJSONAndOneRaw(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n"))
		_, _ = w.Write([]byte("data: [noise]\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	p := &Proxy{
		UpstreamBase: upstream.URL,
		SessionID:    "sess-1",
		ServerName:   "test-server",
		Sink:         sink,
	}

	server := httptest.NewServer(p.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	entries := sink.snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected exactly 2 log entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].MessageType != protocol.JsonRpc.String() {
		t.Fatalf("expected first entry to be jsonrpc, got %s", entries[0].MessageType)
	}
	if entries[0].Method != "notifications/progress" {
		t.Fatalf("expected method notifications/progress, got %q", entries[0].Method)
	}
	if entries[1].MessageType != protocol.Raw.String() {
		t.Fatalf("expected second entry to be raw, got %s", entries[1].MessageType)
	}
	for _, e := range entries {
		if e.Direction != protocol.Out.String() {
			t.Fatalf("expected Out direction, got %s", e.Direction)
		}
	}
}

func TestHTTPSSEMessagePostsToUpstreamAndEmitsInboundLog(t *testing.T) {
	var receivedBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		receivedBody = string(body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	p := &Proxy{UpstreamBase: upstream.URL, SessionID: "sess-2", Sink: sink}
	server := httptest.NewServer(p.Handler())
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/message", strings.NewReader(`{"message": {"jsonrpc":"2.0","id":1,"method":"ping"}}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 passthrough, got %d", resp.StatusCode)
	}

	entries := sink.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 log entry, got %d", len(entries))
	}
	if entries[0].Direction != protocol.In.String() {
		t.Fatalf("expected In direction, got %s", entries[0].Direction)
	}
	if entries[0].Method != "ping" {
		t.Fatalf("expected method ping, got %q", entries[0].Method)
	}
	if receivedBody == "" {
		t.Fatalf("upstream did not receive forwarded body")
	}
}

func TestHTTPSSEHealthOK(t *testing.T) {
	p := &Proxy{UpstreamBase: "http://unused.invalid"}
	server := httptest.NewServer(p.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHTTPSSEUpstreamConnectFailureEmitsSyntheticError(t *testing.T) {
	sink := &fakeSink{}
	p := &Proxy{UpstreamBase: "http://127.0.0.1:1", Sink: sink}
	server := httptest.NewServer(p.Handler())
	defer server.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	entries := sink.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 synthetic error log entry, got %d", len(entries))
	}
}
