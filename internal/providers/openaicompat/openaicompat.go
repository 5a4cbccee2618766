// Package openaicompat provides a generic adapter for any service that
// implements the OpenAI chat completions API (Groq, Together AI,
// Inference.net, xAI, DeepSeek, and others).
//
// It additionally surfaces the non-standard `reasoning_content` field some of
// these providers return, mapping it to the normalized `reasoning` slot.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/respjson"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Adapter is a configurable OpenAI-compatible adapter.
type Adapter struct {
	name    string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible adapter.
//
//   - name    — provider id used for routing, errors, and logs.
//   - baseURL — API base URL, e.g. "https://api.groq.com/openai/v1".
func New(name, baseURL string) *Adapter {
	a := &Adapter{name: name, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		// Retry policy belongs to the dispatch engine, not the adapter.
		option.WithMaxRetries(0),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(opts...)

	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Check(req *providers.Request, caps providers.Capabilities) error {
	return providers.CheckCapabilities(a.name, req, caps)
}

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	params := a.buildParams(req)
	opts, err := a.requestOptions(req, cred)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toProviderError(err)
	}

	return a.parseResponse(resp), nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	params := a.buildParams(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	opts, err := a.requestOptions(req, cred)
	if err != nil {
		return nil, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	ch := make(chan providers.Frame, 64)

	go func() {
		defer close(ch)

		finish := ""
		var usage providers.Usage

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage = providers.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}

			frame := providers.Frame{
				Type:      providers.FrameDelta,
				Content:   c.Delta.Content,
				Reasoning: extraString(c.Delta.JSON.ExtraFields, "reasoning_content"),
			}

			if frame.Content != "" || frame.Reasoning != "" {
				select {
				case ch <- frame:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Frame{Type: providers.FrameError, Err: a.toProviderError(err)}
			return
		}

		if finish == "" {
			finish = providers.FinishStop
		}
		u := providers.ClampUsage(usage)
		ch <- providers.Frame{Type: providers.FrameDone, FinishReason: finish, Usage: &u}
	}()

	return ch, nil
}

func (a *Adapter) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		// Most compatible providers still expect max_tokens, not the newer
		// max_completion_tokens.
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}

	return params
}

func (a *Adapter) requestOptions(req *providers.Request, cred providers.Credential) ([]option.RequestOption, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("%s: no API key configured", a.name)
	}

	opts := []option.RequestOption{option.WithAPIKey(cred.APIKey)}
	if cred.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cred.BaseURL))
	}

	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", req.Tools))
	}
	if len(req.ToolChoice) > 0 {
		opts = append(opts, option.WithJSONSet("tool_choice", req.ToolChoice))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.Stop))
	}
	if len(req.ResponseFormat) > 0 {
		opts = append(opts, option.WithJSONSet("response_format", req.ResponseFormat))
	}

	return opts, nil
}

func (a *Adapter) parseResponse(resp *openaiSDK.ChatCompletion) *providers.Response {
	out := &providers.Response{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: providers.ClampUsage(providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
			ReasoningTokens:  int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
			CachedTokens:     int(resp.Usage.PromptTokensDetails.CachedTokens),
		}),
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for i, c := range resp.Choices {
		msg := providers.Message{
			Role:      providers.RoleAssistant,
			Content:   c.Message.Content,
			Reasoning: extraString(c.Message.JSON.ExtraFields, "reasoning_content"),
		}
		if msg.Reasoning == "" {
			msg.Reasoning = extraString(c.Message.JSON.ExtraFields, "reasoning")
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}

		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: normalizeFinish(c.FinishReason),
		})
	}

	return out
}

func normalizeFinish(reason string) string {
	switch reason {
	case "stop", "":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "content_filter":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// extraString reads a non-standard string field the SDK does not model.
func extraString(fields map[string]respjson.Field, key string) string {
	f, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(f.Raw()), &s); err != nil {
		return ""
	}
	return s
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	content := providers.TextContent(m)

	switch strings.ToLower(m.Role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	case providers.RoleTool:
		return openaiSDK.ToolMessage(content, m.ToolCallID)
	default:
		if len(m.Parts) > 0 {
			return openaiSDK.UserMessage(toContentParts(m.Parts))
		}
		return openaiSDK.UserMessage(content)
	}
}

// toContentParts translates multimodal parts into the SDK content-part union
// for the compatible providers that accept OpenAI-shaped image input.
func toContentParts(parts []providers.ContentPart) []openaiSDK.ChatCompletionContentPartUnionParam {
	out := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image_url":
			out = append(out, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
				URL: p.ImageURL,
			}))
		default:
			out = append(out, openaiSDK.TextContentPart(p.Text))
		}
	}
	return out
}

func (a *Adapter) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: a.name,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return err
}
