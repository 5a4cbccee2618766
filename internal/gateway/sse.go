package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/llm-gateway/internal/dispatch"
	"github.com/relaypoint/llm-gateway/internal/metrics"
	"github.com/relaypoint/llm-gateway/internal/providers"
)

type (
	sseDelta struct {
		Role      string               `json:"role,omitempty"`
		Content   string               `json:"content,omitempty"`
		Reasoning string               `json:"reasoning,omitempty"`
		ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
	}

	sseChoice struct {
		Index        int      `json:"index"`
		Delta        sseDelta `json:"delta"`
		FinishReason any      `json:"finish_reason"`
	}

	sseChunk struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []sseChoice    `json:"choices"`
		Usage   *outboundUsage `json:"usage,omitempty"`
	}

	sseError struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
)

// writeSSE relays normalized frames as Server-Sent Events in the OpenAI
// streaming chunk shape, terminated by "data: [DONE]" unless an error frame was
// relayed, in which case the stream ends after that frame. The cancel function is
// invoked when the writer exits, releasing the upstream stream.
func writeSSE(ctx *fasthttp.RequestCtx, m *metrics.Registry, res *dispatch.Result, req *providers.Request, cancel func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + req.RequestID
	model := res.Provider + "/" + res.Model.ID
	created := time.Now().Unix()
	start := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer cancel()
		if m != nil {
			defer func() {
				dur := time.Since(start)
				m.ObserveHTTP("chat_completions", fasthttp.StatusOK, dur, -1, -1)
				m.RecordRequest(res.Provider, fasthttp.StatusOK, dur.Milliseconds())
				m.ObserveGatewayRequest(res.Provider, "chat_completions", "bypass", dur)
				m.DecInFlight()
			}()
		}

		writeChunk := func(v any) bool {
			data, err := json.Marshal(v)
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		sawError := false

		for f := range res.Frames {
			switch f.Type {
			case providers.FrameDelta:
				chunk := sseChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []sseChoice{{
						Delta: sseDelta{
							Content:   f.Content,
							Reasoning: f.Reasoning,
							ToolCalls: f.ToolCalls,
						},
					}},
				}
				if !writeChunk(chunk) {
					return
				}

			case providers.FrameDone:
				chunk := sseChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []sseChoice{{FinishReason: f.FinishReason}},
				}
				if f.Usage != nil {
					u := toOutboundUsage(*f.Usage)
					chunk.Usage = &u
				}
				if !writeChunk(chunk) {
					return
				}

			case providers.FrameError:
				sawError = true
				var ev sseError
				ev.Error.Message = "upstream stream aborted"
				if f.Err != nil {
					ev.Error.Message = f.Err.Error()
				}
				ev.Error.Type = "provider_error"
				ev.Error.Code = "stream_error"
				if !writeChunk(ev) {
					return
				}
			}
		}

		// A sealed stream ends without the [DONE] sentinel after an error.
		if !sawError {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}
	})
}
