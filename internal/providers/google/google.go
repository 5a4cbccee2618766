// Package google implements the providers.Adapter interface for Google AI
// Studio (Gemini) using the official GenAI SDK.
//
// Translation notes: the conversation splits into contents with roles
// user/model plus a separate system instruction; tools map to function
// declarations; finish reasons default to stop unless the upstream reports
// MAX_TOKENS, a safety block, or the response carries function calls.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

const providerName = "google"

// Adapter translates normalized requests to Gemini generateContent calls.
type Adapter struct {
	baseURL string
	http    *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates the Google adapter. Clients are constructed per request around
// the resolved credential.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		http: &http.Client{Timeout: providers.ProviderTimeout},
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

func (a *Adapter) clientFor(ctx context.Context, cred providers.Credential) (*genai.Client, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("google: no API key configured")
	}

	cfg := &genai.ClientConfig{
		APIKey:     cred.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.http,
	}
	base := cred.BaseURL
	if base == "" {
		base = a.baseURL
	}
	if base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}
	return client, nil
}

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	client, err := a.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	return parseResponse(req, resp), nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	client, err := a.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	ch := make(chan providers.Frame, 64)

	go func() {
		defer close(ch)

		finish := providers.FinishStop
		sawToolCalls := false
		var usage providers.Usage

		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- providers.Frame{Type: providers.FrameError, Err: toProviderError(err)}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage = usageFromMetadata(resp.UsageMetadata)
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}

			frame := providers.Frame{
				Type:      providers.FrameDelta,
				Content:   candidateText(c),
				ToolCalls: candidateToolCalls(c),
			}
			if len(frame.ToolCalls) > 0 {
				sawToolCalls = true
			}

			if frame.Content != "" || len(frame.ToolCalls) > 0 {
				select {
				case ch <- frame:
				case <-ctx.Done():
					return
				}
			}
		}

		if sawToolCalls && finish == providers.FinishStop {
			finish = providers.FinishToolCalls
		}
		u := providers.ClampUsage(usage)
		ch <- providers.Frame{Type: providers.FrameDone, FinishReason: finish, Usage: &u}
	}()

	return ch, nil
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += providers.TextContent(m)

		case providers.RoleAssistant, "model":
			contents = append(contents, toContent(m, genai.RoleModel))

		default: // user / tool / unknown
			contents = append(contents, toContent(m, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr[int32](int32(*req.Seed))
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			d := &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
			}
			if len(t.Function.Parameters) > 0 {
				d.ParametersJsonSchema = json.RawMessage(t.Function.Parameters)
			}
			decls = append(decls, d)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = toolConfig(req.ToolChoice)
	}

	if len(req.ResponseFormat) > 0 {
		cfg.ResponseMIMEType = "application/json"
		// OpenAI json_schema shape: {"type":"json_schema","json_schema":{"schema":{...}}}.
		var rf struct {
			JSONSchema struct {
				Schema json.RawMessage `json:"schema"`
			} `json:"json_schema"`
		}
		if err := json.Unmarshal(req.ResponseFormat, &rf); err == nil && len(rf.JSONSchema.Schema) > 0 {
			cfg.ResponseJsonSchema = json.RawMessage(rf.JSONSchema.Schema)
		}
	}

	return contents, cfg
}

// toContent translates one message into Gemini content, inlining image parts
// (data: URIs as bytes, other URLs as file references).
func toContent(m providers.Message, role genai.Role) *genai.Content {
	if len(m.Parts) == 0 {
		return genai.NewContentFromText(m.Content, role)
	}

	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			if mediaType, data, ok := providers.ParseDataURL(p.ImageURL); ok {
				if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
					parts = append(parts, genai.NewPartFromBytes(raw, mediaType))
				}
				continue
			}
			parts = append(parts, genai.NewPartFromURI(p.ImageURL, "image/jpeg"))
		default:
			if p.Text != "" {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
	}
	return &genai.Content{Role: string(role), Parts: parts}
}

// toolConfig maps the OpenAI tool_choice union onto Gemini function calling
// modes: "none" → NONE, "required" → ANY, "auto"/absent → AUTO, and a named
// function → ANY restricted to that function.
func toolConfig(raw json.RawMessage) *genai.ToolConfig {
	if len(raw) == 0 {
		return nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}}
		case "required":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}}
		default:
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}}
		}
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{named.Function.Name},
		}}
	}

	return nil
}

func parseResponse(req *providers.Request, resp *genai.GenerateContentResponse) *providers.Response {
	out := &providers.Response{
		ID:      req.RequestID,
		Created: time.Now().Unix(),
		Model:   req.Model,
	}
	if resp == nil {
		out.Usage = providers.ClampUsage(providers.Usage{})
		return out
	}

	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}

	finish := providers.FinishStop
	text := ""
	var toolCalls []providers.ToolCall
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		c := resp.Candidates[0]
		text = candidateText(c)
		toolCalls = candidateToolCalls(c)
		if c.FinishReason != "" {
			finish = normalizeFinish(c.FinishReason)
		}
	}
	if len(toolCalls) > 0 && finish == providers.FinishStop {
		finish = providers.FinishToolCalls
	}

	out.Choices = []providers.Choice{{
		Message: providers.Message{
			Role:      providers.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
	}}

	if resp.UsageMetadata != nil {
		out.Usage = providers.ClampUsage(usageFromMetadata(resp.UsageMetadata))
	} else {
		out.Usage = providers.ClampUsage(providers.Usage{})
	}

	return out
}

func usageFromMetadata(md *genai.GenerateContentResponseUsageMetadata) providers.Usage {
	return providers.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
		ReasoningTokens:  int(md.ThoughtsTokenCount),
		CachedTokens:     int(md.CachedContentTokenCount),
	}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// candidateToolCalls extracts function-call parts as normalized tool calls.
// Gemini does not assign call ids; one is synthesized from the function name.
func candidateToolCalls(c *genai.Candidate) []providers.ToolCall {
	if c == nil || c.Content == nil {
		return nil
	}
	var out []providers.ToolCall
	for _, p := range c.Content.Parts {
		if p == nil || p.FunctionCall == nil {
			continue
		}
		args, err := json.Marshal(p.FunctionCall.Args)
		if err != nil {
			args = []byte("{}")
		}
		id := p.FunctionCall.ID
		if id == "" {
			id = "call_" + p.FunctionCall.Name
		}
		out = append(out, providers.ToolCall{
			ID:   id,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      p.FunctionCall.Name,
				Arguments: string(args),
			},
		})
	}
	return out
}

// normalizeFinish maps Gemini finish reasons onto the canonical set.
// Everything unrecognized defaults to stop.
func normalizeFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return providers.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError = providers.Error

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
			Type:     apiErr.Status,
		}
	}
	return err
}
