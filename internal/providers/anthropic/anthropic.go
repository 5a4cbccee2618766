// Package anthropic implements the providers.Adapter interface for the
// Anthropic Messages API using the official SDK.
//
// Translation notes: system messages are lifted out of the messages array
// into the separate system field, max_tokens is mandatory upstream (default
// injected when the client omits it), and stop reasons map as
// end_turn → stop, tool_use → tool_calls, max_tokens → length.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter translates normalized requests to Anthropic messages.
type Adapter struct {
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates the Anthropic adapter. API keys are supplied per request.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		// Retry policy belongs to the dispatch engine, not the adapter.
		option.WithMaxRetries(0),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = anthropic.NewClient(clientOpts...)

	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Check(req *providers.Request, caps providers.Capabilities) error {
	return providers.CheckCapabilities(providerName, req, caps)
}

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	params := buildParams(req)
	opts, err := requestOptions(req, cred)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	return parseMessage(msg), nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	params := buildParams(req)
	opts, err := requestOptions(req, cred)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params, opts...)
	ch := make(chan providers.Frame, 64)

	go func() {
		defer close(ch)

		finish := providers.FinishStop
		var usage providers.Usage

		for stream.Next() {
			ev := stream.Current()

			var frame providers.Frame
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(eventVariant.Message.Usage.InputTokens)
				usage.CachedTokens = int(eventVariant.Message.Usage.CacheReadInputTokens)
				continue

			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					frame = providers.Frame{Type: providers.FrameDelta, Content: deltaVariant.Text}
				case anthropic.ThinkingDelta:
					frame = providers.Frame{Type: providers.FrameDelta, Reasoning: deltaVariant.Thinking}
				default:
					continue
				}

			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					finish = normalizeStopReason(string(eventVariant.Delta.StopReason))
				}
				usage.CompletionTokens = int(eventVariant.Usage.OutputTokens)
				continue

			default:
				continue
			}

			if frame.Content == "" && frame.Reasoning == "" {
				continue
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Frame{Type: providers.FrameError, Err: toProviderError(err)}
			return
		}

		u := providers.ClampUsage(usage)
		ch <- providers.Frame{Type: providers.FrameDone, FinishReason: finish, Usage: &u}
	}()

	return ch, nil
}

func buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += providers.TextContent(m)
		default:
			msgs = append(msgs, toSDKMessage(m))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

// anthropicTool is the Anthropic tools wire shape; the OpenAI-style function
// schema maps onto it field by field.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func requestOptions(req *providers.Request, cred providers.Credential) ([]option.RequestOption, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(cred.APIKey)}
	if cred.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cred.BaseURL))
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropicTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropicTool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: t.Function.Parameters,
			})
		}
		opts = append(opts, option.WithJSONSet("tools", tools))
	}

	return opts, nil
}

func toSDKMessage(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if strings.ToLower(m.Role) == providers.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}

	if len(m.Parts) == 0 {
		return anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{
					OfText: &anthropic.TextBlockParam{Text: m.Content},
				},
			},
		}
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			blocks = append(blocks, toImageBlock(p.ImageURL))
		default:
			if p.Text != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: p.Text},
				})
			}
		}
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

// toImageBlock translates an image reference into the Anthropic image block:
// data: URIs become base64 sources, anything else a URL source.
func toImageBlock(url string) anthropic.ContentBlockParamUnion {
	if mediaType, data, ok := providers.ParseDataURL(url); ok {
		return anthropic.NewImageBlockBase64(mediaType, data)
	}
	return anthropic.ContentBlockParamUnion{
		OfImage: &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfURL: &anthropic.URLImageSourceParam{URL: url},
			},
		},
	}
}

func parseMessage(msg *anthropic.Message) *providers.Response {
	var content, reasoning strings.Builder
	var toolCalls []providers.ToolCall

	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(v.Thinking)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}

	return &providers.Response{
		ID:      msg.ID,
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []providers.Choice{{
			Message: providers.Message{
				Role:      providers.RoleAssistant,
				Content:   content.String(),
				Reasoning: reasoning.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: normalizeStopReason(string(msg.StopReason)),
		}},
		Usage: providers.ClampUsage(providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			CachedTokens:     int(msg.Usage.CacheReadInputTokens),
		}),
	}
}

// normalizeStopReason maps Anthropic stop reasons onto the canonical set.
// Unknown reasons default to stop.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return providers.FinishStop
	case "tool_use":
		return providers.FinishToolCalls
	case "max_tokens":
		return providers.FinishLength
	case "refusal":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError = providers.Error

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
			Type:     "anthropic_error",
		}
	}
	return err
}
