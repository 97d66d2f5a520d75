// Package tokencount implements pure, deterministic approximations of the
// token cost an LLM context window would pay for an MCP payload. The
// estimator is tuned to the content that actually reaches a model, not the
// JSON-RPC envelope carrying it.
package tokencount

import (
	"encoding/json"
	"math"
	"strings"
	"unicode"
)

// imageTokenCost is the fixed per-image token charge used wherever an
// image content block is encountered.
const imageTokenCost = 200

// EstimateTokens approximates the BPE token count of text with a single
// pass over its characters: JSON punctuation counts one token each,
// numeric runs cost ceil(len/3), word-like runs cost 1 when short (<=4)
// else ceil(len/4), and any other single rune costs 1. Whitespace never
// contributes a token of its own.
func EstimateTokens(text string) uint64 {
	if text == "" {
		return 0
	}

	runes := []rune(text)
	var total uint64
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isJSONPunct(r):
			total++
			i++
		case isNumericRune(r):
			j := i
			for j < len(runes) && isNumericRune(runes[j]) {
				j++
			}
			total += ceilDiv(j-i, 3)
			i = j
		case isWordRune(r):
			j := i
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			n := j - i
			if n <= 4 {
				total++
			} else {
				total += ceilDiv(n, 4)
			}
			i = j
		default:
			total++
			i++
		}
	}

	if total == 0 {
		return 1
	}
	return total
}

func isJSONPunct(r rune) bool {
	switch r {
	case '"', '{', '}', '[', ']', ':', ',':
		return true
	default:
		return false
	}
}

func isNumericRune(r rune) bool {
	switch r {
	case '.', '-', 'e', 'E':
		return true
	}
	return unicode.IsDigit(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func ceilDiv(n, d int) uint64 {
	return uint64(int(math.Ceil(float64(n) / float64(d))))
}

// CountMCPContextTokens dispatches on the shape of a JSON-RPC message
// (request, notification, or response) and returns the token cost of the
// portion of the payload that would actually enter a model's context
// window.
func CountMCPContextTokens(raw []byte) uint64 {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return EstimateTokens(string(raw))
	}

	if methodRaw, ok := msg["method"]; ok {
		var method string
		if err := json.Unmarshal(methodRaw, &method); err == nil {
			return countByMethod(method, msg["params"])
		}
	}

	if result, ok := msg["result"]; ok {
		return countResult(result)
	}
	if errVal, ok := msg["error"]; ok {
		return countErrorValue(errVal)
	}

	return 1
}

func countByMethod(method string, params json.RawMessage) uint64 {
	switch method {
	case "sampling/createMessage":
		return countSamplingCreateMessage(params)
	case "tools/call":
		return countToolsCall(params)
	case "prompts/get":
		return countStringField(params, "arguments")
	case "resources/read":
		return countStringField(params, "uri")
	case "initialize", "initialized", "ping", "cancelled",
		"tools/list", "prompts/list", "resources/list",
		"notifications/initialized":
		return 1
	default:
		if strings.HasSuffix(method, "/list") {
			return 1
		}
		return 1
	}
}

func countSamplingCreateMessage(params json.RawMessage) uint64 {
	var p struct {
		SystemPrompt interface{} `json:"systemPrompt"`
		Messages     []struct {
			Content struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return 1
	}

	var total uint64
	if s, ok := p.SystemPrompt.(string); ok {
		total += EstimateTokens(s)
	}
	for _, m := range p.Messages {
		if m.Content.Type == "image" {
			total += imageTokenCost
			continue
		}
		total += EstimateTokens(m.Content.Text)
	}
	return total
}

func countToolsCall(params json.RawMessage) uint64 {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return 1
	}
	total := EstimateTokens(p.Name)
	if len(p.Arguments) > 0 {
		total += EstimateTokens(string(p.Arguments))
	}
	return total
}

func countStringField(params json.RawMessage, field string) uint64 {
	var p map[string]json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		return 1
	}
	v, ok := p[field]
	if !ok {
		return 1
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return EstimateTokens(s)
	}
	return EstimateTokens(string(v))
}

func countErrorValue(errVal json.RawMessage) uint64 {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(errVal, &e); err != nil {
		return 1
	}
	return EstimateTokens(e.Message)
}

type namedDescribedSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Data string `json:"data"`
}

func countResult(result json.RawMessage) uint64 {
	var r struct {
		Tools     []namedDescribedSchema `json:"tools"`
		Content   []contentItem          `json:"content"`
		Contents  []contentItem          `json:"contents"`
		Prompts   []namedDescribedSchema `json:"prompts"`
		Resources []namedDescribedSchema `json:"resources"`
		Messages  []struct {
			Content contentItem `json:"content"`
		} `json:"messages"`
		Completion *struct {
			Values []string `json:"values"`
		} `json:"completion"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return 1
	}

	var total uint64
	matched := false

	for _, t := range r.Tools {
		matched = true
		total += EstimateTokens(t.Name) + EstimateTokens(t.Description) + EstimateTokens(string(t.InputSchema))
	}
	for _, c := range r.Content {
		matched = true
		total += countContentItem(c)
	}
	for _, c := range r.Contents {
		matched = true
		total += countBlobItem(c)
	}
	for _, p := range r.Prompts {
		matched = true
		total += EstimateTokens(p.Name) + EstimateTokens(p.Description)
	}
	for _, res := range r.Resources {
		matched = true
		total += EstimateTokens(res.Name) + EstimateTokens(res.Description)
	}
	for _, m := range r.Messages {
		matched = true
		total += countContentItem(m.Content)
	}
	if r.Completion != nil {
		matched = true
		for _, v := range r.Completion.Values {
			total += EstimateTokens(v)
		}
	}

	if !matched {
		return 1
	}
	return total
}

func countContentItem(c contentItem) uint64 {
	if c.Type == "image" {
		return imageTokenCost
	}
	return EstimateTokens(c.Text)
}

func countBlobItem(c contentItem) uint64 {
	if c.Data != "" {
		return uint64(len(c.Data)) / 4
	}
	return EstimateTokens(c.Text)
}
