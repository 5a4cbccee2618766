package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// ── Inbound wire shapes (OpenAI chat completions, plus tolerated extras) ──────

type (
	inboundMessage struct {
		Role       string               `json:"role"`
		Content    json.RawMessage      `json:"content"`
		Reasoning  string               `json:"reasoning,omitempty"`
		ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string               `json:"tool_call_id,omitempty"`
	}

	inboundRequest struct {
		Model          string           `json:"model"`
		Messages       []inboundMessage `json:"messages"`
		Tools          []providers.Tool `json:"tools,omitempty"`
		ToolChoice     json.RawMessage  `json:"tool_choice,omitempty"`
		Temperature    *float64         `json:"temperature,omitempty"`
		TopP           *float64         `json:"top_p,omitempty"`
		MaxTokens      int              `json:"max_tokens,omitempty"`
		Stop           json.RawMessage  `json:"stop,omitempty"`
		Seed           *int64           `json:"seed,omitempty"`
		ResponseFormat json.RawMessage  `json:"response_format,omitempty"`
		Stream         bool             `json:"stream,omitempty"`

		// Routing hints.
		Provider string `json:"provider,omitempty"`
		Fallback *bool  `json:"fallback,omitempty"`
	}

	inboundContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}
)

// toNormalized validates the inbound body and converts it into the internal
// request shape. Returns a descriptive error for 400 responses.
func (in *inboundRequest) toNormalized(requestID, orgID string) (*providers.Request, error) {
	if in.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("field 'messages' must not be empty")
	}

	req := &providers.Request{
		RequestedModel:    in.Model,
		Tools:             in.Tools,
		ToolChoice:        in.ToolChoice,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		MaxTokens:         in.MaxTokens,
		Seed:              in.Seed,
		ResponseFormat:    in.ResponseFormat,
		Stream:            in.Stream,
		PreferredProvider: in.Provider,
		RequestID:         requestID,
		OrgID:             orgID,
	}
	if in.Fallback != nil && !*in.Fallback {
		req.NoFallback = true
	}

	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return nil, fmt.Errorf("'temperature' must be between 0 and 2")
	}
	if in.MaxTokens < 0 {
		return nil, fmt.Errorf("'max_tokens' must be non-negative")
	}

	stop, err := parseStop(in.Stop)
	if err != nil {
		return nil, err
	}
	req.Stop = stop

	for i, m := range in.Messages {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant, providers.RoleTool, "developer":
		default:
			return nil, fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}

		msg := providers.Message{
			Role:       m.Role,
			Reasoning:  m.Reasoning,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}

		content, parts, err := parseContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msg.Content = content
		msg.Parts = parts

		req.Messages = append(req.Messages, msg)
	}

	return req, nil
}

// parseContent accepts the OpenAI content union: a bare string, null (for
// assistant tool-call turns), or an array of typed parts.
func parseContent(raw json.RawMessage) (string, []providers.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}

	var arr []inboundContentPart
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", nil, fmt.Errorf("'content' must be a string or array of content parts")
	}

	parts := make([]providers.ContentPart, 0, len(arr))
	for _, p := range arr {
		switch p.Type {
		case "text":
			parts = append(parts, providers.ContentPart{Type: "text", Text: p.Text})
		case "image_url":
			parts = append(parts, providers.ContentPart{Type: "image_url", ImageURL: p.ImageURL.URL})
		default:
			return "", nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return "", parts, nil
}

// parseStop accepts a bare string or an array of strings.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	return nil, fmt.Errorf("'stop' must be a string or array of strings")
}

// ── Outbound wire shapes ─────────────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens        int                  `json:"prompt_tokens"`
		CompletionTokens    int                  `json:"completion_tokens"`
		TotalTokens         int                  `json:"total_tokens"`
		ReasoningTokens     int                  `json:"reasoning_tokens,omitempty"`
		PromptTokensDetails *promptTokensDetails `json:"prompt_tokens_details,omitempty"`
	}

	promptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	}

	outboundMessage struct {
		Role      string               `json:"role"`
		Content   string               `json:"content"`
		Reasoning string               `json:"reasoning,omitempty"`
		ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
		Images    []string             `json:"images,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundMetadata struct {
		RequestedModel      string `json:"requested_model"`
		RequestedProvider   string `json:"requested_provider,omitempty"`
		UsedModel           string `json:"used_model"`
		UsedProvider        string `json:"used_provider"`
		UnderlyingUsedModel string `json:"underlying_used_model,omitempty"`
	}

	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
		Metadata outboundMetadata `json:"metadata"`
	}
)

func toOutboundUsage(u providers.Usage) outboundUsage {
	out := outboundUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens,
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &promptTokensDetails{CachedTokens: u.CachedTokens}
	}
	return out
}
