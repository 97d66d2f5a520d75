// Package protocol defines the typed records the proxy uses to describe
// MCP traffic: directions, message shapes, sessions, and the telemetry
// unit (LogEntry) that flows to the Hub bridge.
package protocol

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Direction indicates which way a message is flowing through the proxy.
type Direction int

const (
	// In is host (client) to upstream server.
	In Direction = iota
	// Out is upstream server to host (client).
	Out
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the Direction using its wire spelling.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the wire spelling back into a Direction.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "in":
		*d = In
	case "out":
		*d = Out
	default:
		*d = In
	}
	return nil
}

// MessageType classifies the payload that produced a LogEntry.
type MessageType int

const (
	// JsonRpc is well-formed JSON observed on a data channel.
	JsonRpc MessageType = iota
	// Raw is non-JSON bytes observed on a data channel.
	Raw
	// Stderr is bytes read from a child process's standard error.
	Stderr
)

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case JsonRpc:
		return "jsonrpc"
	case Raw:
		return "raw"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the MessageType using its wire spelling.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the wire spelling back into a MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "jsonrpc":
		*t = JsonRpc
	case "raw":
		*t = Raw
	case "stderr":
		*t = Stderr
	default:
		*t = Raw
	}
	return nil
}

// LogEntry is the unit of telemetry emitted to the Hub bridge for every
// observed message.
type LogEntry struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Timestamp       uint64      `json:"timestamp"`
	Direction       Direction   `json:"direction"`
	Content         string      `json:"content"`
	Method          string      `json:"method,omitempty"`
	MessageType     MessageType `json:"message_type"`
	TokenCount      uint64      `json:"token_count"`
	ServerName      string      `json:"server_name,omitempty"`
	DurationMicros  uint64      `json:"duration_micros,omitempty"`
}

// idCounter is a process-local monotone counter. Uniqueness of LogEntry.ID
// is only guaranteed within one process run, per the data model contract.
var idCounter uint64

// NextLogID returns a LogEntry id unique within this process, tagged with
// channel so ids from different emitters never collide even when issued in
// the same microsecond (e.g. "out-00000001", "inject-00000002").
func NextLogID(channel string) string {
	n := atomic.AddUint64(&idCounter, 1)
	return channel + "-" + formatCounter(n)
}

func formatCounter(n uint64) string {
	// Zero-padded so ids sort lexicographically the same way they sort
	// numerically, which is convenient in logs and tests.
	const width = 8
	s := uintToString(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func uintToString(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// NowMicros returns the current time as microseconds since the Unix epoch.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// RecordDirection is the recording-layer spelling of Direction: ToServer
// mirrors In, ToClient mirrors Out.
type RecordDirection string

const (
	ToServer RecordDirection = "ToServer"
	ToClient RecordDirection = "ToClient"
)

// FromDirection maps a wire Direction to its recording-layer spelling.
func FromDirection(d Direction) RecordDirection {
	if d == Out {
		return ToClient
	}
	return ToServer
}

// SessionId identifies a proxy session for the lifetime of one run.
type SessionId struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageMetadata carries the recorder's per-message annotations.
type MessageMetadata struct {
	Method    string `json:"method,omitempty"`
	JSONRPCID string `json:"jsonrpc_id,omitempty"`
	Injected  bool   `json:"injected"`
	Modified  bool   `json:"modified"`
	SizeBytes int    `json:"size_bytes"`
}

// RecordedMessage is one entry in a RecordedSession's append-only log.
type RecordedMessage struct {
	ID             string          `json:"id"`
	TimestampMicros uint64         `json:"timestamp_micros"`
	RelativeTimeMs int64           `json:"relative_time_ms"`
	Direction      RecordDirection `json:"direction"`
	Content        json.RawMessage `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
}

// ServerIdentity describes the upstream server a session was recorded
// against, when known.
type ServerIdentity struct {
	Name           string   `json:"name"`
	Version        string   `json:"version,omitempty"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	ConnectionType string   `json:"connection_type"`
}

// SessionMetadata is the aggregate, derived information stamped onto a
// RecordedSession at finalize time.
type SessionMetadata struct {
	Transport    string          `json:"transport"`
	MessageCount int             `json:"message_count"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	ClientInfo   json.RawMessage `json:"client_info,omitempty"`
	ServerInfo   json.RawMessage `json:"server_info,omitempty"`
	ServerID     *ServerIdentity `json:"server_id,omitempty"`
	Tags         []string        `json:"tags"`
}

// RecordedSession is the immutable snapshot produced by a recorder's
// finalize operation.
type RecordedSession struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	StartedAt uint64             `json:"started_at"`
	EndedAt   *uint64            `json:"ended_at,omitempty"`
	Messages  []RecordedMessage  `json:"messages"`
	Metadata  SessionMetadata    `json:"metadata"`
}

// SessionInfo is the listing projection used by the store's list
// operations, cheaper to load than a full RecordedSession.
type SessionInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	StartedAt    uint64   `json:"started_at"`
	EndedAt      *uint64  `json:"ended_at,omitempty"`
	MessageCount int      `json:"message_count"`
	DurationMs   *int64   `json:"duration_ms,omitempty"`
	Transport    string   `json:"transport"`
	ServerName   string   `json:"server_name,omitempty"`
	Tags         []string `json:"tags"`
}

// DedupTags returns tags with duplicates removed, preserving first-seen
// order. Used everywhere a tag sequence must satisfy the "no tag appears
// twice" invariant.
func DedupTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// RemoveTag returns tags with the given tag removed, if present.
func RemoveTag(tags []string, tag string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == tag {
			continue
		}
		out = append(out, t)
	}
	return out
}

// AddTag returns tags with the given tag appended if not already present.
func AddTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
