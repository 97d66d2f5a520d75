package protocol

import (
	"bytes"
	"encoding/json"
)

// Classified is the result of classifying one chunk of bytes observed on a
// data channel: whether it parsed as JSON, its canonical form, and the
// method/id fields extracted when present.
type Classified struct {
	Type      MessageType
	Canonical string // canonical serialization when Type == JsonRpc, else the raw bytes as UTF-8
	Method    string
	JSONRPCID string
}

// Classify parses raw bytes observed on a data channel. JSON input is
// re-serialized canonically (unmarshal then marshal, which sorts object
// keys alphabetically) so that identical logical content always produces
// identical LogEntry.content, satisfying the token-count determinism
// invariant. Non-JSON input is classified as Raw and passed through as
// UTF-8 (lossy).
func Classify(raw []byte) Classified {
	trimmed := bytes.TrimSpace(raw)
	var v interface{}
	if len(trimmed) == 0 || json.Unmarshal(trimmed, &v) != nil {
		return Classified{
			Type:      Raw,
			Canonical: string(raw),
		}
	}

	canon, err := json.Marshal(v)
	if err != nil {
		return Classified{Type: Raw, Canonical: string(raw)}
	}

	c := Classified{
		Type:      JsonRpc,
		Canonical: string(canon),
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return c
	}
	if m, ok := obj["method"].(string); ok {
		c.Method = m
	}
	if id, ok := obj["id"]; ok {
		c.JSONRPCID = rawIDString(id)
	}
	return c
}

// rawIDString renders a JSON-RPC id (string, number, or null) as a string
// for storage in RecordedMessage.metadata.jsonrpc_id.
func rawIDString(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
