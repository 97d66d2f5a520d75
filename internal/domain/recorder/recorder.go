// Package recorder implements the append-only, mutex-guarded session
// recorder: one instance is created per session when recording is
// requested, shared between all transport goroutines that observe traffic
// for that session.
package recorder

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/reticlehq/reticle/internal/domain/protocol"
)

// Recorder owns one session's append-only RecordedMessage log and
// deduplicated tag set. Safe for concurrent use by multiple transport
// goroutines.
type Recorder struct {
	mu sync.Mutex

	sessionID   string
	sessionName string
	startedAt   uint64
	transport   string
	serverID    *protocol.ServerIdentity
	clientInfo  json.RawMessage
	serverInfo  json.RawMessage

	messages []protocol.RecordedMessage
	tags     []string
}

// New creates a recorder for a session that started at startedAt (micros
// since the epoch).
func New(sessionID, sessionName string, startedAt uint64, transport string) *Recorder {
	return &Recorder{
		sessionID:   sessionID,
		sessionName: sessionName,
		startedAt:   startedAt,
		transport:   transport,
	}
}

// SetServerIdentity records the upstream server identity once known (e.g.
// after the proxy learns the command/args it launched).
func (r *Recorder) SetServerIdentity(id *protocol.ServerIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverID = id
}

// SetClientInfo stamps the client_info captured from an initialize
// handshake.
func (r *Recorder) SetClientInfo(raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientInfo = raw
}

// SetServerInfo stamps the server_info captured from an initialize
// response.
func (r *Recorder) SetServerInfo(raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverInfo = raw
}

// RecordMessage appends a new RecordedMessage built from contentJSON (must
// already be valid JSON; pass a JSON-encoded string for Raw/Stderr
// content). timestampMicros must be non-decreasing with calls from the
// same emitter for invariant 2 to hold across the recording.
func (r *Recorder) RecordMessage(contentJSON json.RawMessage, direction protocol.Direction, timestampMicros uint64, injected, modified bool) error {
	var probe interface{}
	if err := json.Unmarshal(contentJSON, &probe); err != nil {
		return fmt.Errorf("%w: content is not valid JSON: %v", protocol.ErrSerialization, err)
	}

	canon, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSerialization, err)
	}

	if timestampMicros < r.startedAt {
		return fmt.Errorf("%w: message timestamp precedes session start", protocol.ErrSerialization)
	}

	method, jsonrpcID := extractMethodAndID(probe)

	msg := protocol.RecordedMessage{
		ID:              uuid.NewString(),
		TimestampMicros: timestampMicros,
		RelativeTimeMs:  int64((timestampMicros - r.startedAt) / 1000),
		Direction:       protocol.FromDirection(direction),
		Content:         json.RawMessage(canon),
		Metadata: protocol.MessageMetadata{
			Method:    method,
			JSONRPCID: jsonrpcID,
			Injected:  injected,
			Modified:  modified,
			SizeBytes: len(canon),
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func extractMethodAndID(v interface{}) (method, id string) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return "", ""
	}
	if m, ok := obj["method"].(string); ok {
		method = m
	}
	if rawID, ok := obj["id"]; ok {
		switch t := rawID.(type) {
		case string:
			id = t
		case nil:
		default:
			if b, err := json.Marshal(t); err == nil {
				id = string(b)
			}
		}
	}
	return method, id
}

// AddTag adds tag to the deduplicated tag set.
func (r *Recorder) AddTag(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = protocol.AddTag(r.tags, tag)
}

// RemoveTag removes tag from the tag set, if present.
func (r *Recorder) RemoveTag(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = protocol.RemoveTag(r.tags, tag)
}

// GetTags returns a snapshot of the current tag set.
func (r *Recorder) GetTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}

// Stats is a lightweight snapshot of recorder state, cheaper than
// Finalize for callers that only need counts.
type Stats struct {
	SessionID       string
	MessageCount    int
	ToServerCount   int
	ToClientCount   int
	DurationSeconds uint64
}

// GetStats returns a snapshot of the recorder's current size, counted by
// direction, with duration measured against the current time rather than
// an end-of-session timestamp (the recorder is still live when this is
// called).
func (r *Recorder) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toServer, toClient int
	for _, m := range r.messages {
		switch m.Direction {
		case protocol.ToServer:
			toServer++
		case protocol.ToClient:
			toClient++
		}
	}

	now := protocol.NowMicros()
	var elapsedSeconds uint64
	if now > r.startedAt {
		elapsedSeconds = (now - r.startedAt) / 1_000_000
	}

	return Stats{
		SessionID:       r.sessionID,
		MessageCount:    len(r.messages),
		ToServerCount:   toServer,
		ToClientCount:   toClient,
		DurationSeconds: elapsedSeconds,
	}
}

// Finalize snapshots the recorder's messages and tags into an immutable
// RecordedSession, stamping endedAt and computing duration_ms. The
// recorder should not be used after Finalize.
func (r *Recorder) Finalize(endedAt uint64) protocol.RecordedSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages := make([]protocol.RecordedMessage, len(r.messages))
	copy(messages, r.messages)
	tags := make([]string, len(r.tags))
	copy(tags, r.tags)

	duration := int64((endedAt - r.startedAt) / 1000)

	return protocol.RecordedSession{
		ID:        r.sessionID,
		Name:      r.sessionName,
		StartedAt: r.startedAt,
		EndedAt:   &endedAt,
		Messages:  messages,
		Metadata: protocol.SessionMetadata{
			Transport:    r.transport,
			MessageCount: len(messages),
			DurationMs:   &duration,
			ClientInfo:   r.clientInfo,
			ServerInfo:   r.serverInfo,
			ServerID:     r.serverID,
			Tags:         tags,
		},
	}
}
