package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Local wire shapes for stubbing the Gemini REST API.

type generateRequest struct {
	Contents          []gContent `json:"contents"`
	SystemInstruction *gContent  `json:"systemInstruction"`
}

type gContent struct {
	Role  string  `json:"role"`
	Parts []gPart `json:"parts"`
}

type gPart struct {
	Text string `json:"text"`
}

func successBody(text, finishReason string, prompt, completion int) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": finishReason,
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": completion,
			"totalTokenCount":      prompt + completion,
		},
	}
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(WithBaseURL(srv.URL))
}

func testCred() providers.Credential {
	return providers.Credential{APIKey: "mock-api-key"}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gemini-2.0-flash",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// API key may arrive as query param or header depending on SDK version.
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("api key = %q", gotKey)
		}
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash") || !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("Hello, world!", "STOP", 10, 5))
	}))
	defer srv.Close()

	resp, err := newTestAdapter(srv).Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Choices[0].Message.Content != "Hello, world!" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != providers.FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_RoleAndSystemTranslation(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("4", "STOP", 3, 1))
	}))
	defer srv.Close()

	req := &providers.Request{
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
	}

	if _, err := newTestAdapter(srv).Complete(context.Background(), req, testCred()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 ||
		captured.SystemInstruction.Parts[0].Text != "Be terse." {
		t.Errorf("systemInstruction = %+v", captured.SystemInstruction)
	}

	wantRoles := []string{"user", "model", "user"}
	if len(captured.Contents) != len(wantRoles) {
		t.Fatalf("contents = %+v, want %d turns", captured.Contents, len(wantRoles))
	}
	for i, want := range wantRoles {
		if captured.Contents[i].Role != want {
			t.Errorf("contents[%d].role = %q, want %q", i, captured.Contents[i].Role, want)
		}
	}
}

// TestComplete_ToolsForwardedAndFunctionCallsParsed: the request tools land
// as function declarations and function-call parts come back as tool calls
// with finish_reason tool_calls.
func TestComplete_ToolsForwardedAndFunctionCallsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %v, want 1 entry", body["tools"])
		}
		tool, _ := tools[0].(map[string]any)
		decls, _ := tool["functionDeclarations"].([]any)
		if len(decls) != 1 {
			t.Fatalf("functionDeclarations = %v", tool)
		}
		decl, _ := decls[0].(map[string]any)
		if decl["name"] != "get_weather" {
			t.Errorf("declaration = %v", decl)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{"functionCall": map[string]any{"name": "get_weather", "args": map[string]any{"city": "Oslo"}}},
						},
					},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]any{
				"promptTokenCount": 12, "candidatesTokenCount": 6, "totalTokenCount": 18,
			},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Tools = []providers.Tool{{
		Type: "function",
		Function: providers.ToolFunction{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
	}}

	resp, err := newTestAdapter(srv).Complete(context.Background(), req, testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	choice := resp.Choices[0]
	if choice.FinishReason != providers.FinishToolCalls {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %+v, want 1", choice.Message.ToolCalls)
	}
	tc := choice.Message.ToolCalls[0]
	if tc.Function.Name != "get_weather" || tc.ID == "" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["city"] != "Oslo" {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

// TestComplete_ToolChoiceModes: the OpenAI tool_choice union maps onto Gemini
// function-calling modes.
func TestComplete_ToolChoiceModes(t *testing.T) {
	cases := []struct {
		name       string
		toolChoice string
		wantMode   string
	}{
		{"none", `"none"`, "NONE"},
		{"required", `"required"`, "ANY"},
		{"auto", `"auto"`, "AUTO"},
		{"named function", `{"type":"function","function":{"name":"get_weather"}}`, "ANY"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)

				toolConfig, _ := body["toolConfig"].(map[string]any)
				fcc, _ := toolConfig["functionCallingConfig"].(map[string]any)
				if fcc["mode"] != c.wantMode {
					t.Errorf("mode = %v, want %s", fcc["mode"], c.wantMode)
				}

				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(successBody("ok", "STOP", 1, 1))
			}))
			defer srv.Close()

			req := baseRequest()
			req.Tools = []providers.Tool{{Type: "function", Function: providers.ToolFunction{Name: "get_weather"}}}
			req.ToolChoice = json.RawMessage(c.toolChoice)

			if _, err := newTestAdapter(srv).Complete(context.Background(), req, testCred()); err != nil {
				t.Fatalf("Complete: %v", err)
			}
		})
	}
}

// TestComplete_ImagePartsInlined: data: URIs become inline image bytes.
func TestComplete_ImagePartsInlined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text       string `json:"text"`
					InlineData *struct {
						MIMEType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if len(body.Contents) != 1 || len(body.Contents[0].Parts) != 2 {
			t.Fatalf("contents = %+v, want one turn with 2 parts", body.Contents)
		}
		parts := body.Contents[0].Parts
		if parts[0].Text != "what is this?" {
			t.Errorf("parts[0] = %+v", parts[0])
		}
		if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" || parts[1].InlineData.Data != "aGVsbG8=" {
			t.Errorf("parts[1] = %+v", parts[1])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("a cat", "STOP", 15, 2))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{{
		Role: "user",
		Parts: []providers.ContentPart{
			{Type: "text", Text: "what is this?"},
			{Type: "image_url", ImageURL: "data:image/png;base64,aGVsbG8="},
		},
	}}

	if _, err := newTestAdapter(srv).Complete(context.Background(), req, testCred()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

// TestComplete_ResponseFormatSetsJSONMime: response_format switches the
// response MIME type and forwards an attached JSON schema.
func TestComplete_ResponseFormatSetsJSONMime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		gc, _ := body["generationConfig"].(map[string]any)
		mime := body["responseMimeType"]
		if gc != nil {
			if m, ok := gc["responseMimeType"]; ok {
				mime = m
			}
		}
		if mime != "application/json" {
			t.Errorf("responseMimeType = %v, want application/json", mime)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody(`{"ok":true}`, "STOP", 1, 1))
	}))
	defer srv.Close()

	req := baseRequest()
	req.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)

	if _, err := newTestAdapter(srv).Complete(context.Background(), req, testCred()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestComplete_FinishReasonMapping(t *testing.T) {
	cases := []struct {
		upstream string
		want     string
	}{
		{"STOP", providers.FinishStop},
		{"MAX_TOKENS", providers.FinishLength},
		{"SAFETY", providers.FinishContentFilter},
		{"OTHER", providers.FinishStop},
	}

	for _, c := range cases {
		t.Run(c.upstream, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(successBody("x", c.upstream, 1, 1))
			}))
			defer srv.Close()

			resp, err := newTestAdapter(srv).Complete(context.Background(), baseRequest(), testCred())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if got := resp.Choices[0].FinishReason; got != c.want {
				t.Errorf("finish_reason = %q, want %q", got, c.want)
			}
		})
	}
}

func TestComplete_UsageFloorWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "ok"}}}},
			},
		})
	}))
	defer srv.Close()

	resp, err := newTestAdapter(srv).Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.PromptTokens < 1 || resp.Usage.TotalTokens < 1 {
		t.Errorf("usage floor violated: %+v", resp.Usage)
	}
}

func TestComplete_NoAPIKey(t *testing.T) {
	a := New()
	if _, err := a.Complete(context.Background(), baseRequest(), providers.Credential{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
