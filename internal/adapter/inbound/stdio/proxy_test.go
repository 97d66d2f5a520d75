package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
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

func TestStdioProxyEchoesAndEmitsLogEntries(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &fakeSink{}
	p := &Proxy{
		Command:    "cat",
		SessionID:  "sess-1",
		ServerName: "test-server",
		Sink:       sink,
	}

	hostIn := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var hostOut, hostErr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Run(ctx, hostIn, &hostOut, &hostErr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	line, err := bufio.NewReader(&hostOut).ReadString('\n')
	if err != nil {
		t.Fatalf("expected echoed line on host stdout: %v", err)
	}
	if !strings.Contains(line, `"method":"ping"`) {
		t.Fatalf("expected ping echoed, got %q", line)
	}

	entries := sink.snapshot()
	var sawIn, sawOut bool
	for _, e := range entries {
		if e.Direction == "in" && e.Method == "ping" {
			sawIn = true
		}
		if e.Direction == "out" && e.Method == "ping" {
			sawOut = true
		}
	}
	if !sawIn || !sawOut {
		t.Fatalf("expected both in and out LogEntries for ping, got %+v", entries)
	}
}

func TestStdioProxyFailsOpenWithoutSink(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := &Proxy{Command: "cat"}
	hostIn := strings.NewReader("hello\n")
	var hostOut, hostErr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.Run(ctx, hostIn, &hostOut, &hostErr); err != nil {
		t.Fatalf("run without sink should succeed: %v", err)
	}
}

func TestStdioProxyInjectWritesToChild(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &fakeSink{}
	injectCh := make(chan hub.InjectMessageEvent, 1)
	p := &Proxy{
		Command:   "cat",
		SessionID: "sess-2",
		Sink:      sink,
		Inject:    injectCh,
	}

	hostIn, hostInWriter := io.Pipe()
	var hostOut bytes.Buffer
	var hostErr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = p.Run(ctx, hostIn, &hostOut, &hostErr)
		close(done)
	}()

	injectCh <- hub.InjectMessageEvent{
		SessionID: "sess-2",
		Message:   `{"jsonrpc":"2.0","id":99,"method":"ping"}`,
	}

	time.Sleep(200 * time.Millisecond)
	_ = hostInWriter.Close()
	<-done

	entries := sink.snapshot()
	var sawInject bool
	for _, e := range entries {
		if strings.HasPrefix(e.ID, "inject-") && e.Method == "ping" {
			sawInject = true
		}
	}
	if !sawInject {
		t.Fatalf("expected an inject-tagged LogEntry, got %+v", entries)
	}
}
