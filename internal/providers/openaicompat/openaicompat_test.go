package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

func testCred() providers.Credential {
	return providers.Credential{APIKey: "gk-mock"}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "llama-3.3-70b-versatile",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "req-mock-1",
	}
}

func TestComplete_BearerAuthAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gk-mock" {
			t.Errorf("Authorization = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-groq",
			"model": "llama-3.3-70b-versatile",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "yo"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	a := New("groq", srv.URL)
	if a.Name() != "groq" {
		t.Errorf("Name = %q", a.Name())
	}

	resp, err := a.Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "yo" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestComplete_ReasoningContent verifies the non-standard reasoning_content
// field (DeepSeek and friends) lands in the normalized reasoning slot.
func TestComplete_ReasoningContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-ds",
			"model": "deepseek-reasoner",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":              "assistant",
						"content":           "42",
						"reasoning_content": "let me think about this",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9},
		})
	}))
	defer srv.Close()

	resp, err := New("deepseek", srv.URL).Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Reasoning != "let me think about this" {
		t.Errorf("reasoning = %q", resp.Choices[0].Message.Reasoning)
	}
}

func TestComplete_UsageFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-x",
			"model": "m",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
		})
	}))
	defer srv.Close()

	resp, err := New("together", srv.URL).Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.PromptTokens < 1 || resp.Usage.TotalTokens < 1 {
		t.Errorf("usage floor violated: %+v", resp.Usage)
	}
}

func TestComplete_MaxTokensUsesLegacyField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if mt, _ := body["max_tokens"].(float64); int(mt) != 256 {
			t.Errorf("max_tokens = %v, want 256", body["max_tokens"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "x", "model": "m",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.MaxTokens = 256
	if _, err := New("inference", srv.URL).Complete(context.Background(), req, testCred()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
