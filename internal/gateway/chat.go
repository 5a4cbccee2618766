package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/llm-gateway/internal/auth"
	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/dispatch"
	"github.com/relaypoint/llm-gateway/internal/ledger"
	"github.com/relaypoint/llm-gateway/internal/providers"
	"github.com/relaypoint/llm-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// handleChatCompletions is the handler for POST /v1/chat/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	streaming := false
	respBytes := -1

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		s.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		s.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		s.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		s.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate.
	org, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	// 2. Rate limit (per org).
	if s.rpmLimiter != nil {
		allowed, err := s.rpmLimiter.Allow(ctx, org.ID)
		if err == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("org", org.ID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if s.metrics != nil && err == nil {
			s.metrics.RecordRateLimit("allowed")
		}
	}

	// 3. Parse and validate the body.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req, err := in.toNormalized(reqID, org.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("org", org.ID),
		slog.String("model", req.RequestedModel),
		slog.Bool("stream", req.Stream),
	)

	// 4. Dispatch.
	if req.Stream {
		streaming = s.streamChat(ctx, org, req)
		return
	}

	res, err := s.engine.Dispatch(ctx, org, req)
	if err != nil {
		writeDispatchError(ctx, err)
		s.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("model", req.RequestedModel),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}

	servedProvider = res.Provider
	if res.CacheHit {
		servedProvider = "cache"
		cacheLabel = "hit"
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		cacheLabel = "miss"
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	out := buildOutbound(req, res)
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	s.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", servedProvider),
		slog.String("model", out.Model),
		slog.Int("prompt_tokens", res.Response.Usage.PromptTokens),
		slog.Int("completion_tokens", res.Response.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// streamChat opens the upstream stream and relays it as SSE. Returns true
// once the response has been handed to the stream writer (metrics are then
// finalised there).
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, org *auth.Org, req *providers.Request) bool {
	// The relay outlives this handler (fasthttp runs the body stream writer
	// after the handler returns), so the dispatch context must not be tied to
	// the handler lifetime. Cancellation is wired to the writer instead.
	streamCtx, cancel := context.WithCancel(context.Background())

	res, err := s.engine.Dispatch(streamCtx, org, req)
	if err != nil {
		cancel()
		writeDispatchError(ctx, err)
		return false
	}

	writeSSE(ctx, s.metrics, res, req, cancel)
	return true
}

// authenticate resolves the bearer token to an org, writing the error
// response on failure.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (*auth.Org, bool) {
	token := auth.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteUnauthorized(ctx)
		return nil, false
	}

	org, err := s.tokens.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			apierr.WriteUnauthorized(ctx)
		} else {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"authentication backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		}
		return nil, false
	}
	return org, true
}

// buildOutbound renders the dispatch result as the OpenAI-compatible
// response envelope, model echoed as provider/model.
func buildOutbound(req *providers.Request, res *dispatch.Result) outboundResponse {
	resp := res.Response

	usedProvider := res.Provider
	if res.CacheHit {
		usedProvider = "cache"
	}

	model := res.Model.ID
	if res.Provider != "" {
		model = res.Provider + "/" + res.Model.ID
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   model,
		Usage:   toOutboundUsage(resp.Usage),
		Metadata: outboundMetadata{
			RequestedModel:      req.RequestedModel,
			RequestedProvider:   req.PreferredProvider,
			UsedModel:           res.Model.ID,
			UsedProvider:        usedProvider,
			UnderlyingUsedModel: resp.Model,
		},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, outboundChoice{
			Index: c.Index,
			Message: outboundMessage{
				Role:      providers.RoleAssistant,
				Content:   c.Message.Content,
				Reasoning: c.Message.Reasoning,
				ToolCalls: c.Message.ToolCalls,
			},
			FinishReason: c.FinishReason,
		})
	}

	return out
}

// writeDispatchError maps engine errors onto the OpenAI-compatible error
// envelope.
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var ume *catalog.UnknownModelError
	if errors.As(err, &ume) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			ume.Error(), apierr.TypeInvalidRequest, apierr.CodeUnknownModel)
		return
	}

	var nce *dispatch.NoCandidatesError
	if errors.As(err, &nce) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			nce.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if errors.Is(err, ledger.ErrInsufficientCredits) {
		apierr.WriteInsufficientCredits(ctx)
		return
	}

	var ex *dispatch.ExhaustedError
	if errors.As(err, &ex) {
		apierr.WriteUpstreamUnavailable(ctx, ex.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}

	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}
