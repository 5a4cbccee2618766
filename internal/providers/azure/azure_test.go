package azure

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
		APIKey:     "az-mock-key",
		Resource:   "myresource",
		APIVersion: "2024-12-01-preview",
	}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "req-mock-1",
	}
}

func respondChat(w http.ResponseWriter, content, finish string, prompt, completion int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    "chatcmpl-az",
		"model": "gpt-4o",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": finish},
		},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
}

func TestComplete_DeploymentURLAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/openai/deployments/gpt-4o/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-12-01-preview" {
			t.Errorf("api-version = %q", got)
		}
		if got := r.Header.Get("api-key"); got != "az-mock-key" {
			t.Errorf("api-key header = %q", got)
		}
		respondChat(w, "hello", "stop", 5, 1)
	}))
	defer srv.Close()

	a := New(WithEndpoint(srv.URL))
	resp, err := a.Complete(context.Background(), baseRequest(), testCred())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStream_FramesAndDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("stream flag not set in upstream body")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"He\"},\"finish_reason\":\"\"}]}\n\n" +
				"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"y\"},\"finish_reason\":\"\"}]}\n\n" +
				"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
				"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":6,\"completion_tokens\":2,\"total_tokens\":8}}\n\n" +
				"data: [DONE]\n\n",
		))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	frames, err := New(WithEndpoint(srv.URL)).Stream(context.Background(), req, testCred())
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

	if content != "Hey" {
		t.Errorf("content = %q", content)
	}
	if terminals != 1 || last.Type != providers.FrameDone {
		t.Fatalf("terminal frames = %d (last %+v)", terminals, last)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 6 || last.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestComplete_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error","code":"401"}}`))
	}))
	defer srv.Close()

	_, err := New(WithEndpoint(srv.URL)).Complete(context.Background(), baseRequest(), testCred())
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if pe.Status != http.StatusUnauthorized || pe.Message != "bad key" {
		t.Errorf("error = %+v", pe)
	}
}

func TestSend_RequiresResource(t *testing.T) {
	a := New()
	cred := providers.Credential{APIKey: "k"}
	if _, err := a.Complete(context.Background(), baseRequest(), cred); err == nil {
		t.Fatal("expected error without resource name")
	}
}
