package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

func testCred() providers.Credential {
	return providers.Credential{
		AWSAccessKey: "AKIAMOCK",
		AWSSecretKey: "secret",
		Region:       "us-east-1",
	}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "anthropic.claude-3-haiku-20240307-v1:0",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func respondConverse(w http.ResponseWriter, text, stopReason string, in, out int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"output": map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": []map[string]any{{"text": text}},
			},
		},
		"stopReason": stopReason,
		"usage":      map[string]any{"inputTokens": in, "outputTokens": out, "totalTokens": in + out},
	})
}

func TestComplete_ConverseTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/converse") {
			t.Errorf("path = %q, want .../converse", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "anthropic.claude-3-haiku-20240307-v1:0") {
			t.Errorf("model missing from path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIAMOCK/") {
			t.Errorf("Authorization = %q", auth)
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		sys, _ := body["system"].([]any)
		if len(sys) != 1 {
			t.Errorf("system = %v", body["system"])
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 1 {
			t.Fatalf("messages = %v", body["messages"])
		}

		respondConverse(w, "Hi!", "end_turn", 4, 2)
	}))
	defer srv.Close()

	a := New(WithEndpointURL(srv.URL))

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U"},
	}

	resp, err := a.Complete(context.Background(), req, testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Choices[0].Message.Content != "Hi!" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != providers.FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 4 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_RegionPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "us.anthropic.claude-3-haiku-20240307-v1:0") {
			t.Errorf("expected region-prefixed model id in path, got %q", r.URL.Path)
		}
		respondConverse(w, "ok", "end_turn", 1, 1)
	}))
	defer srv.Close()

	a := New(WithEndpointURL(srv.URL))
	cred := testCred()
	cred.RegionPrefix = "us"

	if _, err := a.Complete(context.Background(), baseRequest(), cred); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestComplete_StopReasonMapping(t *testing.T) {
	cases := map[string]string{
		"end_turn":   providers.FinishStop,
		"tool_use":   providers.FinishToolCalls,
		"max_tokens": providers.FinishLength,
		"mystery":    providers.FinishStop,
	}

	for upstream, want := range cases {
		t.Run(upstream, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respondConverse(w, "x", upstream, 1, 1)
			}))
			defer srv.Close()

			resp, err := New(WithEndpointURL(srv.URL)).Complete(context.Background(), baseRequest(), testCred())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if got := resp.Choices[0].FinishReason; got != want {
				t.Errorf("finish_reason = %q, want %q", got, want)
			}
		})
	}
}

func TestStream_DeltasAndTerminalFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/converse-stream") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			`data: {"contentBlockDelta":{"delta":{"text":"Hel"}}}` + "\n" +
				`data: {"contentBlockDelta":{"delta":{"text":"lo"}}}` + "\n" +
				`data: {"messageStop":{"stopReason":"max_tokens"}}` + "\n" +
				`data: {"metadata":{"usage":{"inputTokens":8,"outputTokens":3,"totalTokens":11}}}` + "\n",
		))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	frames, err := New(WithEndpointURL(srv.URL)).Stream(context.Background(), req, testCred())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var content string
	terminals := 0
	var last providers.Frame
	for f := range frames {
		if f.Type == providers.FrameDelta {
			content += f.Content
		} else {
			terminals++
			last = f
		}
	}

	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if terminals != 1 {
		t.Fatalf("terminal frames = %d, want 1", terminals)
	}
	if last.FinishReason != providers.FinishLength {
		t.Errorf("finish_reason = %q, want length", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 8 || last.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestComplete_ErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Too many requests","__type":"ThrottlingException"}`))
	}))
	defer srv.Close()

	_, err := New(WithEndpointURL(srv.URL)).Complete(context.Background(), baseRequest(), testCred())
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.Status != http.StatusTooManyRequests || pe.Message != "Too many requests" {
		t.Errorf("error = %+v", pe)
	}
}
