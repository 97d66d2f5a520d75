package wsproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

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

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWSProxyForwardsAndLogsJSONFrames(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()
	upstreamWS := "ws" + strings.TrimPrefix(upstream.URL, "http")

	sink := &fakeSink{}
	p := &Proxy{UpstreamURL: upstreamWS, Sink: sink, SessionID: "ws-1"}
	server := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer server.Close()
	clientURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("expected echo, got %s", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := sink.snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (client->upstream, upstream->client), got %d: %+v", len(entries), entries)
	}
	if entries[0].Direction != protocol.In.String() {
		t.Fatalf("expected first entry In, got %s", entries[0].Direction)
	}
	if entries[1].Direction != protocol.Out.String() {
		t.Fatalf("expected second entry Out, got %s", entries[1].Direction)
	}
}

func TestWSProxyDoesNotLogNonJSONBinaryFrame(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()
	upstreamWS := "ws" + strings.TrimPrefix(upstream.URL, "http")

	sink := &fakeSink{}
	p := &Proxy{UpstreamURL: upstreamWS, Sink: sink}
	server := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer server.Close()
	clientURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	binary := []byte{0xff, 0xfe, 0x00, 0x01, 0x02}
	if err := conn.WriteMessage(websocket.BinaryMessage, binary); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(binary) {
		t.Fatalf("expected binary echo passthrough")
	}

	time.Sleep(100 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no log entries for non-JSON binary frame, got %+v", sink.snapshot())
	}
}

func TestWSProxyLogsNonJSONTextFrameAsRaw(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()
	upstreamWS := "ws" + strings.TrimPrefix(upstream.URL, "http")

	sink := &fakeSink{}
	p := &Proxy{UpstreamURL: upstreamWS, Sink: sink}
	server := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer server.Close()
	clientURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	text := []byte("not json at all")
	if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read echo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := sink.snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries for non-JSON text frame (client->upstream, upstream->client), got %d: %+v", len(entries), entries)
	}
	if entries[0].MessageType != protocol.Raw.String() {
		t.Fatalf("expected Raw message type, got %s", entries[0].MessageType)
	}
	if entries[0].Content != string(text) {
		t.Fatalf("expected raw content %q, got %q", text, entries[0].Content)
	}
}

func TestWSProxyUpstreamConnectFailureEmitsSyntheticError(t *testing.T) {
	sink := &fakeSink{}
	p := &Proxy{UpstreamURL: "ws://127.0.0.1:1/ws", Sink: sink}
	server := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer server.Close()
	clientURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := sink.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 synthetic error entry, got %d", len(entries))
	}
}
