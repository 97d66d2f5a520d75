// Package hub implements the spoke side of the Hub IPC bridge (C5): a
// Unix-domain socket connection to a dashboard process, framed as
// newline-delimited JSON, with a fail-open policy so bridge trouble never
// touches the host<->server data plane.
package hub

import "encoding/json"

// EventType enumerates the Hub wire protocol's type tag.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventLog            EventType = "log"
	EventInjectMessage  EventType = "inject_message"
)

// Frame is the envelope every Hub wire line decodes into before dispatch
// on Type.
type Frame struct {
	Type string `json:"type"`
}

// SessionStartedEvent is emitted spoke->hub when a session begins.
type SessionStartedEvent struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	SessionName string   `json:"session_name"`
	ServerName string    `json:"server_name,omitempty"`
}

// SessionEndedEvent is emitted spoke->hub when a session ends.
type SessionEndedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

// LogEvent is emitted spoke->hub for every observed message.
type LogEvent struct {
	Type        EventType `json:"type"`
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Timestamp   uint64    `json:"timestamp"`
	Direction   string    `json:"direction"`
	Content     string    `json:"content"`
	Method      string    `json:"method,omitempty"`
	ServerName  string    `json:"server_name,omitempty"`
	MessageType string    `json:"message_type"`
	TokenCount  uint64    `json:"token_count"`
}

// InjectMessageEvent is emitted hub->spoke to request that a message be
// written into the host->server direction.
type InjectMessageEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
}

// ParseFrame determines an incoming line's type tag without committing to
// a concrete payload shape, so unrecognized types can be ignored per the
// contract.
func ParseFrame(line []byte) (EventType, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return "", err
	}
	return EventType(f.Type), nil
}
