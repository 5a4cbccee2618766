// Package openai implements the providers.Adapter interface for the OpenAI
// API using the official Go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

const providerName = "openai"

// Adapter translates normalized requests to OpenAI chat completions.
type Adapter struct {
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates the OpenAI adapter. API keys are supplied per request from the
// resolved credential, not at construction.
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
	a.client = openaiSDK.NewClient(clientOpts...)

	return a
}

func (a *Adapter) Name() string { return providerName }

// Check implements the capability pre-check.
func (a *Adapter) Check(req *providers.Request, caps providers.Capabilities) error {
	return providers.CheckCapabilities(providerName, req, caps)
}

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	params := buildParams(req)
	opts, err := requestOptions(req, cred)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	return parseResponse(resp), nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	params := buildParams(req)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	opts, err := requestOptions(req, cred)
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
					ReasoningTokens:  int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
					CachedTokens:     int(chunk.Usage.PromptTokensDetails.CachedTokens),
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}

			frame := providers.Frame{Type: providers.FrameDelta, Content: c.Delta.Content}
			for _, tc := range c.Delta.ToolCalls {
				frame.ToolCalls = append(frame.ToolCalls, providers.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: providers.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}

			if frame.Content != "" || len(frame.ToolCalls) > 0 {
				select {
				case ch <- frame:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Frame{Type: providers.FrameError, Err: toProviderError(err)}
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

func buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
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
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}

	return params
}

// requestOptions builds per-request SDK options: the credential plus the
// fields the typed params don't cover (tools, stop, response_format). The
// normalized shapes already match the OpenAI wire format, so they are
// injected into the request body as-is.
func requestOptions(req *providers.Request, cred providers.Credential) ([]option.RequestOption, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
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

func parseResponse(resp *openaiSDK.ChatCompletion) *providers.Response {
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
			Role:    providers.RoleAssistant,
			Content: c.Message.Content,
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

// normalizeFinish maps OpenAI finish reasons onto the canonical set.
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

// toContentParts translates multimodal parts into the SDK content-part union.
// The normalized image_url slot carries either an https URL or a data: URI;
// both pass through verbatim — the OpenAI API accepts either form.
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

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError = providers.Error

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		e := &providers.Error{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
			Type:     "openai_error",
		}
		if apierr.StatusCode == http.StatusTooManyRequests {
			e.RetryAfter = retryAfter(apierr.Response)
		}
		return e
	}
	return err
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
