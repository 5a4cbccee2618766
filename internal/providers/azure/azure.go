// Package azure implements the providers.Adapter interface for Azure OpenAI.
// Azure uses deployment-based URLs built from the resource name and the
// "api-key" header instead of the standard bearer scheme.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

const (
	providerName      = "azure"
	defaultAPIVersion = "2024-12-01-preview"
)

type chatRequest struct {
	Messages       []requestMessage `json:"messages"`
	Stream         bool             `json:"stream,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	TopP           *float64         `json:"top_p,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Stop           []string         `json:"stop,omitempty"`
	Seed           *int64           `json:"seed,omitempty"`
	Tools          []providers.Tool `json:"tools,omitempty"`
	ToolChoice     json.RawMessage  `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage  `json:"response_format,omitempty"`
	StreamOptions  *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// requestMessage is the outbound message shape. Content is a bare string or,
// for multimodal turns, an array of typed content parts.
type requestMessage struct {
	Role       string               `json:"role"`
	Content    any                  `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *contentImage `json:"image_url,omitempty"`
}

type contentImage struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Adapter translates normalized requests to Azure OpenAI deployments.
type Adapter struct {
	endpoint string // optional override, e.g. a local mock
	client   *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint overrides the resource endpoint URL (useful for testing).
func WithEndpoint(u string) Option {
	return func(a *Adapter) { a.endpoint = strings.TrimRight(u, "/") }
}

// New creates the Azure adapter. The resource name and API version come from
// the per-request credential.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Check(req *providers.Request, caps providers.Capabilities) error {
	return providers.CheckCapabilities(providerName, req, caps)
}

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	resp, err := a.send(ctx, req, cred, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	out := &providers.Response{
		ID:      cr.ID,
		Created: cr.Created,
		Model:   cr.Model,
		Usage: providers.ClampUsage(providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}),
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if out.Model == "" {
		out.Model = req.Model
	}

	for i, c := range cr.Choices {
		msg := providers.Message{Role: providers.RoleAssistant}
		if c.Message != nil {
			msg.Content = c.Message.Content
			msg.ToolCalls = c.Message.ToolCalls
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: normalizeFinish(c.FinishReason),
		})
	}

	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	resp, err := a.send(ctx, req, cred, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan providers.Frame, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		finish := ""
		var u providers.Usage

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}

			if cr.Usage.TotalTokens > 0 {
				u = providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}

			if len(cr.Choices) == 0 {
				continue
			}
			c := cr.Choices[0]
			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}
			if c.Delta == nil || (c.Delta.Content == "" && len(c.Delta.ToolCalls) == 0) {
				continue
			}

			select {
			case ch <- providers.Frame{
				Type:      providers.FrameDelta,
				Content:   c.Delta.Content,
				ToolCalls: c.Delta.ToolCalls,
			}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.Frame{Type: providers.FrameError, Err: fmt.Errorf("azure: stream: %w", err)}
			return
		}

		if finish == "" {
			finish = providers.FinishStop
		}
		clamped := providers.ClampUsage(u)
		ch <- providers.Frame{Type: providers.FrameDone, FinishReason: finish, Usage: &clamped}
	}()

	return ch, nil
}

func (a *Adapter) send(ctx context.Context, req *providers.Request, cred providers.Credential, stream bool) (*http.Response, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("azure: no API key configured")
	}
	if cred.Resource == "" && a.endpoint == "" {
		return nil, fmt.Errorf("azure: no resource name configured")
	}

	body, err := json.Marshal(buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.completionsURL(req.Model, cred), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", cred.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	return resp, nil
}

func buildRequest(req *providers.Request, stream bool) chatRequest {
	msgs := make([]requestMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = requestMessage{
			Role:       m.Role,
			Content:    messageContent(m),
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}

	cr := chatRequest{
		Messages:       msgs,
		Stream:         stream,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		Seed:           req.Seed,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		ResponseFormat: req.ResponseFormat,
	}
	if stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return cr
}

// messageContent renders a message body: a bare string for text turns, an
// array of typed parts when the message carries images.
func messageContent(m providers.Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	parts := make([]contentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &contentImage{URL: p.ImageURL}})
		default:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		}
	}
	return parts
}

// completionsURL builds the deployment URL. The deployment name is the
// provider-native model name from the binding.
func (a *Adapter) completionsURL(deployment string, cred providers.Credential) string {
	endpoint := a.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.openai.azure.com", cred.Resource)
	}
	apiVersion := cred.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, deployment, apiVersion,
	)
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

// ProviderError is a structured error returned by the Azure OpenAI API.
type ProviderError = providers.Error

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &providers.Error{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  cr.Error.Message,
			Type:     cr.Error.Type,
		}
	}

	return &providers.Error{
		Provider: providerName,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
