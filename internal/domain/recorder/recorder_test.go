package recorder

import (
	"testing"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

func TestRecordMessageComputesRelativeTime(t *testing.T) {
	r := New("sess-1", "amber-anchor", 1_000_000, "stdio")
	if err := r.RecordMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), protocol.In, 1_005_000, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session := r.Finalize(1_010_000)
	if len(session.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(session.Messages))
	}
	msg := session.Messages[0]
	if msg.RelativeTimeMs != 5 {
		t.Fatalf("expected relative_time_ms=5, got %d", msg.RelativeTimeMs)
	}
	if msg.Metadata.Method != "ping" {
		t.Fatalf("expected method ping, got %q", msg.Metadata.Method)
	}
	if msg.Metadata.JSONRPCID != "1" {
		t.Fatalf("expected jsonrpc_id 1, got %q", msg.Metadata.JSONRPCID)
	}
}

func TestFinalizeMessageCountMatches(t *testing.T) {
	r := New("sess-2", "bold-arrow", 0, "stdio")
	for i := 0; i < 5; i++ {
		if err := r.RecordMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`), protocol.Out, uint64(i*1000), false, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	session := r.Finalize(10_000)
	if session.Metadata.MessageCount != len(session.Messages) {
		t.Fatalf("message_count %d != len(messages) %d", session.Metadata.MessageCount, len(session.Messages))
	}
	for _, m := range session.Messages {
		if m.TimestampMicros < session.StartedAt || m.TimestampMicros > *session.EndedAt {
			t.Fatalf("message timestamp %d outside [%d, %d]", m.TimestampMicros, session.StartedAt, *session.EndedAt)
		}
	}
}

func TestRecordMessageRejectsInvalidJSON(t *testing.T) {
	r := New("sess-3", "calm-basin", 0, "stdio")
	if err := r.RecordMessage([]byte("not json"), protocol.In, 0, false, false); err == nil {
		t.Fatalf("expected error for invalid JSON content")
	}
}

func TestTagDedup(t *testing.T) {
	r := New("sess-4", "dusty-cliff", 0, "stdio")
	r.AddTag("prod")
	r.AddTag("prod")
	r.AddTag("canary")
	tags := r.GetTags()
	if len(tags) != 2 {
		t.Fatalf("expected 2 deduplicated tags, got %v", tags)
	}
	r.RemoveTag("prod")
	tags = r.GetTags()
	if len(tags) != 1 || tags[0] != "canary" {
		t.Fatalf("expected only canary left, got %v", tags)
	}
}

func TestGetStats(t *testing.T) {
	r := New("sess-5", "eager-delta", 0, "stdio")
	_ = r.RecordMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`), protocol.In, 0, false, false)
	_ = r.RecordMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), protocol.Out, 1, false, false)
	_ = r.RecordMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`), protocol.In, 2, false, false)

	stats := r.GetStats()
	if stats.SessionID != "sess-5" {
		t.Fatalf("expected session id sess-5, got %q", stats.SessionID)
	}
	if stats.MessageCount != 3 {
		t.Fatalf("expected message count 3, got %d", stats.MessageCount)
	}
	if stats.ToServerCount != 2 || stats.ToClientCount != 1 {
		t.Fatalf("expected 2 to-server and 1 to-client, got %+v", stats)
	}
}
