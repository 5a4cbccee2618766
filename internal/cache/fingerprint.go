package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Cacheable reports whether a request is eligible for the response cache:
// non-streaming and deterministic (temperature 0 or an explicit seed; an
// omitted temperature counts as 0).
func Cacheable(req *providers.Request) bool {
	if req.Stream {
		return false
	}
	if req.Seed != nil {
		return true
	}
	return req.Temperature == nil || *req.Temperature == 0
}

// Fingerprint returns the deterministic cache key for a normalized request:
// a SHA-256 over the canonicalized model id, messages, tools schema, and
// sampling parameters. The stream flag is not part of the key; streaming
// requests never use the cache (see Cacheable).
func Fingerprint(req *providers.Request) string {
	type msg struct {
		Role       string                  `json:"role"`
		Content    string                  `json:"content"`
		Parts      []providers.ContentPart `json:"parts,omitempty"`
		ToolCalls  []providers.ToolCall    `json:"tool_calls,omitempty"`
		ToolCallID string                  `json:"tool_call_id,omitempty"`
	}

	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{
			Role:       m.Role,
			Content:    m.Content,
			Parts:      m.Parts,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}

	data, _ := json.Marshal(struct {
		Model          string           `json:"model"`
		Messages       []msg            `json:"messages"`
		Tools          []providers.Tool `json:"tools,omitempty"`
		ToolChoice     json.RawMessage  `json:"tool_choice,omitempty"`
		Temperature    *float64         `json:"temperature,omitempty"`
		TopP           *float64         `json:"top_p,omitempty"`
		MaxTokens      int              `json:"max_tokens,omitempty"`
		Stop           []string         `json:"stop,omitempty"`
		Seed           *int64           `json:"seed,omitempty"`
		ResponseFormat json.RawMessage  `json:"response_format,omitempty"`
	}{
		Model:          req.RequestedModel,
		Messages:       msgs,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		Seed:           req.Seed,
		ResponseFormat: req.ResponseFormat,
	})

	h := sha256.Sum256(data)
	return "resp:" + hex.EncodeToString(h[:])
}
