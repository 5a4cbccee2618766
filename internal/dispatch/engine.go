// Package dispatch is the core request-dispatch engine: it resolves the
// model, consults the response cache, prechecks credits, walks the candidate
// bindings with retry and failover, relays streams, and settles usage, cost,
// and logging for every outcome.
//
// Key design constraints:
//   - Cache, ledger, usage logs, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Adapters never retry; every retry decision lives here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/llm-gateway/internal/auth"
	"github.com/relaypoint/llm-gateway/internal/cache"
	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/credentials"
	"github.com/relaypoint/llm-gateway/internal/ledger"
	"github.com/relaypoint/llm-gateway/internal/metrics"
	"github.com/relaypoint/llm-gateway/internal/providers"
	"github.com/relaypoint/llm-gateway/internal/usagelog"
)

const route = "chat_completions"

// Options holds optional tuning parameters for an Engine. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for dispatch events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the number of attempts per candidate for retryable
	// failures (rate limits, 5xx, timeouts). Must be ≥ 1. Default: 2.
	MaxRetries int

	// ProviderTimeout is the per-attempt upstream deadline.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// BackoffBase is the first retry delay; it doubles per retry with jitter.
	// Default: 200ms.
	BackoffBase time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	CBConfig CBConfig

	// Cache is the response cache. Nil disables caching.
	Cache *cache.Store

	// CacheExclusions skips caching for matching model names. Nil-safe.
	CacheExclusions *cache.ExclusionList

	// Ledger is the credit ledger. Nil disables credit accounting.
	Ledger ledger.Ledger

	// UsageLogs is the async usage-log pipeline. Nil disables usage logging.
	UsageLogs *usagelog.Pipeline

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry
}

// Engine is the dispatcher. All dependencies are injected via New so they can
// be replaced with doubles in tests.
type Engine struct {
	cat      *catalog.Catalog
	adapters map[string]providers.Adapter
	creds    *credentials.Resolver
	cb       *CircuitBreaker
	log      *slog.Logger

	store   *cache.Store
	excl    *cache.ExclusionList
	ledger  ledger.Ledger
	logs    *usagelog.Pipeline
	metrics *metrics.Registry

	maxRetries      int
	providerTimeout time.Duration
	backoffBase     time.Duration
}

// New creates an Engine over the catalog, adapter registry, and credential
// resolver.
func New(cat *catalog.Catalog, adapters map[string]providers.Adapter, creds *credentials.Resolver, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 2
	}
	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}

	return &Engine{
		cat:             cat,
		adapters:        adapters,
		creds:           creds,
		cb:              NewCircuitBreaker(opts.CBConfig),
		log:             log,
		store:           opts.Cache,
		excl:            opts.CacheExclusions,
		ledger:          opts.Ledger,
		logs:            opts.UsageLogs,
		metrics:         opts.Metrics,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
		backoffBase:     backoffBase,
	}
}

// BreakerState returns the circuit breaker state label for a provider.
// Exposed for the health endpoint.
func (e *Engine) BreakerState(provider string) string {
	return e.cb.StateLabel(provider)
}

// Adapters lists the registered provider ids.
func (e *Engine) Adapters() []string {
	out := make([]string, 0, len(e.adapters))
	for name := range e.adapters {
		out = append(out, name)
	}
	return out
}

// Result is a completed dispatch: either a buffered response or a frame
// stream to relay, plus the metadata the ingress echoes back to the client.
type Result struct {
	Response *providers.Response
	Frames   <-chan providers.Frame

	Model    *catalog.ModelEntry
	Provider string
	Binding  *catalog.ProviderBinding
	CacheHit bool
}

// Dispatch runs the full pipeline for one authenticated request.
func (e *Engine) Dispatch(ctx context.Context, org *auth.Org, req *providers.Request) (*Result, error) {
	start := time.Now()

	entry, pinned, err := e.cat.Lookup(req.RequestedModel)
	if err != nil {
		e.logFailure(org, req, start, usagelog.OutcomeBadRequest, 400, nil)
		return nil, err
	}
	if pinned == "" {
		pinned = req.PreferredProvider
	}

	policy := catalog.Policy{
		Pinned:           pinned,
		AllowedProviders: org.AllowedProviders,
		BlockedProviders: org.BlockedProviders,
	}
	candidates := e.usableCandidates(entry, policy, req)
	if len(candidates) == 0 {
		e.logFailure(org, req, start, usagelog.OutcomeBadRequest, 400, nil)
		return nil, &NoCandidatesError{Model: req.RequestedModel, Reason: "no binding supports this request"}
	}

	if req.Stream {
		return e.dispatchStream(ctx, org, req, entry, candidates, start)
	}
	return e.dispatchBuffered(ctx, org, req, entry, candidates, start)
}

// usableCandidates filters the catalog's ordered bindings down to those with
// a registered adapter that passes the capability pre-check.
func (e *Engine) usableCandidates(entry *catalog.ModelEntry, policy catalog.Policy, req *providers.Request) []catalog.ProviderBinding {
	bindings := e.cat.Bindings(entry, policy)

	out := make([]catalog.ProviderBinding, 0, len(bindings))
	for _, b := range bindings {
		if req.NoFallback && policy.Pinned != "" && b.Provider != policy.Pinned {
			continue
		}
		ad, ok := e.adapters[b.Provider]
		if !ok {
			continue
		}
		if err := ad.Check(req, b.Capabilities); err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ── Buffered path ─────────────────────────────────────────────────────────────

func (e *Engine) dispatchBuffered(
	ctx context.Context,
	org *auth.Org,
	req *providers.Request,
	entry *catalog.ModelEntry,
	candidates []catalog.ProviderBinding,
	start time.Time,
) (*Result, error) {
	cacheEligible := e.store != nil && cache.Cacheable(req) && !e.excl.Matches(req.RequestedModel)

	if !cacheEligible {
		if e.metrics != nil {
			e.metrics.CacheGetBypass()
		}
		resp, binding, err := e.complete(ctx, org, req, candidates, start)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp, Model: entry, Provider: binding.Provider, Binding: binding}, nil
	}

	key := cache.Fingerprint(req)

	var filledBinding *catalog.ProviderBinding

	resp, hit, err := e.store.GetOrCompute(ctx, key, func() (*providers.Response, error) {
		r, b, err := e.complete(ctx, org, req, candidates, start)
		if err != nil {
			return nil, err
		}
		filledBinding = b
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	if hit {
		if e.metrics != nil {
			e.metrics.CacheGetHit()
			e.metrics.AddTokens("cache", route, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, true)
		}
		e.log.DebugContext(ctx, "cache_hit",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.RequestedModel),
		)
		// A cache serve costs nothing and debits nothing; it still yields a
		// log record.
		e.enqueueLog(usagelog.Record{
			ID:               parseUUID(req.RequestID),
			OrgID:            org.ID,
			ProjectID:        org.Project,
			RequestedModel:   req.RequestedModel,
			UsedModel:        entry.ID,
			UpstreamModel:    resp.Model,
			PromptTokens:     uint32(resp.Usage.PromptTokens),
			CompletionTokens: uint32(resp.Usage.CompletionTokens),
			CachedTokens:     uint32(resp.Usage.CachedTokens),
			LatencyMs:        clampMs(time.Since(start)),
			Status:           200,
			Outcome:          usagelog.OutcomeOK,
			CacheHit:         true,
			PromptBody:       promptBody(org, req),
			ResponseBody:     responseBody(org, resp),
		})
		return &Result{Response: resp, Model: entry, CacheHit: true}, nil
	}

	if e.metrics != nil {
		e.metrics.CacheGetMiss()
		e.metrics.CacheSetOK()
	}
	res := &Result{Response: resp, Model: entry}
	if filledBinding != nil {
		res.Provider = filledBinding.Provider
		res.Binding = filledBinding
	}
	return res, nil
}

// complete runs the attempt loop for a buffered request and settles
// accounting for its outcome.
func (e *Engine) complete(
	ctx context.Context,
	org *auth.Org,
	req *providers.Request,
	candidates []catalog.ProviderBinding,
	start time.Time,
) (*providers.Response, *catalog.ProviderBinding, error) {
	if err := e.precheck(ctx, org, req, candidates, start); err != nil {
		return nil, nil, err
	}

	var attempts []usagelog.Attempt
	var lastErr error
	total := 0

	for i := range candidates {
		b := &candidates[i]
		ad := e.adapters[b.Provider]

		cred, skip, err := e.credentialFor(ctx, req, b)
		if err != nil {
			return nil, nil, err
		}
		if skip {
			continue
		}

		if !e.allowByBreaker(ctx, req, b) {
			continue
		}

		attemptReq := cloneFor(req, b)

		for r := 0; r < e.maxRetries; r++ {
			attemptCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
			attemptStart := time.Now()
			resp, err := ad.Complete(attemptCtx, attemptReq, cred)
			dur := time.Since(attemptStart)
			cancel()
			total++

			if err == nil {
				e.noteSuccess(b, dur, &attempts)

				cost := computeCost(b, resp.Usage)
				e.settle(ctx, org, req, cred, resp.Usage, cost, usagelog.Record{
					ID:             parseUUID(req.RequestID),
					OrgID:          org.ID,
					ProjectID:      org.Project,
					RequestedModel: req.RequestedModel,
					UsedModel:      b.ProviderModel,
					UsedProvider:   b.Provider,
					UpstreamModel:  resp.Model,
					LatencyMs:      clampMs(time.Since(start)),
					Status:         200,
					Outcome:        usagelog.OutcomeOK,
					Attempts:       attempts,
					PromptBody:     promptBody(org, req),
					ResponseBody:   responseBody(org, resp),
				})
				if e.metrics != nil {
					e.metrics.AddTokens(b.Provider, route, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, false)
					e.metrics.AddCost(b.Provider, costFloat(cost.Total))
				}
				return resp, b, nil
			}

			kind := e.noteFailure(ctx, req, b, err, dur, &attempts)
			lastErr = err

			if ctx.Err() != nil {
				break
			}
			if retrySameCandidate(kind) && r < e.maxRetries-1 {
				e.sleep(ctx, e.backoffFor(err, r))
				continue
			}
			break
		}

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if e.metrics != nil {
		e.metrics.RecordFailoverExhausted(firstProvider(candidates))
	}
	e.logFailure(org, req, start, usagelog.OutcomeUpstreamError, 502, attempts)
	return nil, nil, &ExhaustedError{Attempts: total, LastErr: lastErr}
}

// ── Streaming path ────────────────────────────────────────────────────────────

func (e *Engine) dispatchStream(
	ctx context.Context,
	org *auth.Org,
	req *providers.Request,
	entry *catalog.ModelEntry,
	candidates []catalog.ProviderBinding,
	start time.Time,
) (*Result, error) {
	if err := e.precheck(ctx, org, req, candidates, start); err != nil {
		return nil, err
	}

	var attempts []usagelog.Attempt
	var lastErr error
	total := 0

	for i := range candidates {
		b := &candidates[i]
		ad := e.adapters[b.Provider]

		cred, skip, err := e.credentialFor(ctx, req, b)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		if !e.allowByBreaker(ctx, req, b) {
			continue
		}

		attemptReq := cloneFor(req, b)

		for r := 0; r < e.maxRetries; r++ {
			attemptStart := time.Now()
			// The stream must outlive the attempt, so its context is the
			// request context, not a per-attempt timeout; only the wait for
			// the first frame is bounded.
			frames, err := ad.Stream(ctx, attemptReq, cred)
			total++

			if err == nil {
				var first providers.Frame
				first, err = e.awaitFirstFrame(ctx, frames)
				if err == nil {
					e.noteSuccess(b, time.Since(attemptStart), &attempts)

					out := make(chan providers.Frame, 64)
					go e.relay(ctx, out, first, frames, org, req, b, cred, attempts, start)
					return &Result{Frames: out, Model: entry, Provider: b.Provider, Binding: b}, nil
				}
			}

			kind := e.noteFailure(ctx, req, b, err, time.Since(attemptStart), &attempts)
			lastErr = err

			if ctx.Err() != nil {
				break
			}
			if retrySameCandidate(kind) && r < e.maxRetries-1 {
				e.sleep(ctx, e.backoffFor(err, r))
				continue
			}
			break
		}

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if e.metrics != nil {
		e.metrics.RecordFailoverExhausted(firstProvider(candidates))
	}
	e.logFailure(org, req, start, usagelog.OutcomeUpstreamError, 502, attempts)
	return nil, &ExhaustedError{Attempts: total, LastErr: lastErr}
}

// awaitFirstFrame waits for the opening frame of a stream. Nothing has been
// delivered to the client yet, so a failure here is still retryable.
func (e *Engine) awaitFirstFrame(ctx context.Context, frames <-chan providers.Frame) (providers.Frame, error) {
	timer := time.NewTimer(e.providerTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-frames:
		if !ok {
			return providers.Frame{}, fmt.Errorf("upstream closed stream before first frame")
		}
		if f.Type == providers.FrameError {
			err := f.Err
			if err == nil {
				err = fmt.Errorf("upstream stream error")
			}
			return providers.Frame{}, err
		}
		return f, nil
	case <-timer.C:
		return providers.Frame{}, context.DeadlineExceeded
	case <-ctx.Done():
		return providers.Frame{}, ctx.Err()
	}
}

// relay pipes normalized frames to the client and settles accounting on the
// terminal frame. Once the first frame is sent the request is sealed:
// mid-flight failures surface as an error frame, never as a retry.
func (e *Engine) relay(
	ctx context.Context,
	out chan<- providers.Frame,
	first providers.Frame,
	frames <-chan providers.Frame,
	org *auth.Org,
	req *providers.Request,
	binding *catalog.ProviderBinding,
	cred providers.Credential,
	attempts []usagelog.Attempt,
	start time.Time,
) {
	defer close(out)

	var ttft time.Duration
	contentLen := 0
	finish := ""
	outcome := usagelog.OutcomeOK
	status := uint16(200)
	var usage providers.Usage

	handle := func(f providers.Frame) bool {
		switch f.Type {
		case providers.FrameDelta:
			if ttft == 0 {
				ttft = time.Since(start)
			}
			contentLen += len(f.Content)
		case providers.FrameDone:
			finish = f.FinishReason
			if f.Usage != nil {
				usage = *f.Usage
			}
		case providers.FrameError:
			outcome = usagelog.OutcomeStreamAborted
			status = 502
		}

		select {
		case out <- f:
			return true
		case <-ctx.Done():
			outcome = usagelog.OutcomeClientDisconnect
			return false
		}
	}

	if handle(first) {
	drain:
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					break drain
				}
				if !handle(f) {
					break drain
				}
			case <-ctx.Done():
				outcome = usagelog.OutcomeClientDisconnect
				break drain
			}
		}
	}

	if outcome == usagelog.OutcomeClientDisconnect && usage.TotalTokens == 0 {
		// The client went away before the terminal frame; reflect what was
		// delivered using the chars/4 approximation.
		usage = providers.ClampUsage(providers.Usage{CompletionTokens: contentLen / 4})
	}
	if finish == "" && outcome == usagelog.OutcomeOK {
		finish = providers.FinishStop
	}

	cost := computeCost(binding, usage)

	rec := usagelog.Record{
		ID:               parseUUID(req.RequestID),
		OrgID:            org.ID,
		ProjectID:        org.Project,
		RequestedModel:   req.RequestedModel,
		UsedModel:        binding.ProviderModel,
		UsedProvider:     binding.Provider,
		PromptTokens:     uint32(usage.PromptTokens),
		CompletionTokens: uint32(usage.CompletionTokens),
		ReasoningTokens:  uint32(usage.ReasoningTokens),
		CachedTokens:     uint32(usage.CachedTokens),
		TTFTMs:           clampMs(ttft),
		LatencyMs:        clampMs(time.Since(start)),
		Status:           status,
		Outcome:          outcome,
		Attempts:         attempts,
		BYOK:             cred.BYOK,
		PromptBody:       promptBody(org, req),
	}

	if outcome == usagelog.OutcomeOK || outcome == usagelog.OutcomeClientDisconnect {
		e.debit(ctx, org, req, cred, cost)
		rec.InputCost = costFloat(cost.Input)
		rec.OutputCost = costFloat(cost.Output)
		rec.CachedCost = costFloat(cost.Cached)
		rec.RequestCost = costFloat(cost.Request)
		rec.TotalCost = costFloat(cost.Total)
	}
	e.enqueueLog(rec)

	if e.metrics != nil {
		e.metrics.AddTokens(binding.Provider, route, usage.PromptTokens, usage.CompletionTokens, false)
		e.metrics.AddCost(binding.Provider, costFloat(cost.Total))
	}
}

// ── Attempt bookkeeping ───────────────────────────────────────────────────────

// credentialFor resolves the candidate's credential. skip=true means the
// candidate is silently passed over (no credential configured).
func (e *Engine) credentialFor(ctx context.Context, req *providers.Request, b *catalog.ProviderBinding) (providers.Credential, bool, error) {
	cred, err := e.creds.Resolve(ctx, req.OrgID, b.Provider)
	if err != nil {
		var nce *credentials.NotConfiguredError
		if errors.As(err, &nce) {
			return providers.Credential{}, true, nil
		}
		return providers.Credential{}, false, err
	}
	return cred, false, nil
}

func (e *Engine) allowByBreaker(ctx context.Context, req *providers.Request, b *catalog.ProviderBinding) bool {
	if e.cb.Allow(b.Provider) {
		return true
	}
	e.log.WarnContext(ctx, "circuit_breaker_open",
		slog.String("request_id", req.RequestID),
		slog.String("provider", b.Provider),
	)
	if e.metrics != nil {
		e.metrics.RecordCircuitBreakerRejection(b.Provider, e.cb.StateLabel(b.Provider))
		e.metrics.ObserveUpstreamAttempt(b.Provider, route, "circuit_reject", 0)
	}
	return false
}

func (e *Engine) noteSuccess(b *catalog.ProviderBinding, dur time.Duration, attempts *[]usagelog.Attempt) {
	e.cb.RecordSuccess(b.Provider)
	*attempts = append(*attempts, usagelog.Attempt{Provider: b.Provider, Status: 200})
	if e.metrics != nil {
		e.metrics.ObserveUpstreamAttempt(b.Provider, route, "success", dur)
		e.metrics.SetCircuitBreaker(b.Provider, int64(e.cb.State(b.Provider)))
	}
}

func (e *Engine) noteFailure(ctx context.Context, req *providers.Request, b *catalog.ProviderBinding, err error, dur time.Duration, attempts *[]usagelog.Attempt) Kind {
	kind := classify(err)
	e.cb.RecordFailure(b.Provider, kind)
	*attempts = append(*attempts, usagelog.Attempt{
		Provider: b.Provider,
		Status:   errStatus(err),
		Reason:   kind.String(),
	})
	if e.metrics != nil {
		e.metrics.ObserveUpstreamAttempt(b.Provider, route, kind.String(), dur)
		e.metrics.RecordError(b.Provider, kind.String())
		e.metrics.SetCircuitBreaker(b.Provider, int64(e.cb.State(b.Provider)))
	}
	e.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", req.RequestID),
		slog.String("provider", b.Provider),
		slog.String("reason", kind.String()),
		slog.Int64("latency_ms", dur.Milliseconds()),
		slog.String("error", err.Error()),
	)
	return kind
}

// ── Accounting helpers ────────────────────────────────────────────────────────

// precheck verifies the org can afford an upper-bound estimate of the request.
func (e *Engine) precheck(ctx context.Context, org *auth.Org, req *providers.Request, candidates []catalog.ProviderBinding, start time.Time) error {
	if e.ledger == nil {
		return nil
	}
	if err := e.ledger.Precheck(ctx, org.ID, estimateCost(candidates, req)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			e.logFailure(org, req, start, usagelog.OutcomeInsufficientCredits, 402, nil)
		}
		return err
	}
	return nil
}

// settle debits the ledger and enqueues the success log record.
func (e *Engine) settle(
	ctx context.Context,
	org *auth.Org,
	req *providers.Request,
	cred providers.Credential,
	usage providers.Usage,
	cost Cost,
	rec usagelog.Record,
) {
	rec.PromptTokens = uint32(usage.PromptTokens)
	rec.CompletionTokens = uint32(usage.CompletionTokens)
	rec.ReasoningTokens = uint32(usage.ReasoningTokens)
	rec.CachedTokens = uint32(usage.CachedTokens)
	rec.BYOK = cred.BYOK

	e.debit(ctx, org, req, cred, cost)

	rec.InputCost = costFloat(cost.Input)
	rec.OutputCost = costFloat(cost.Output)
	rec.CachedCost = costFloat(cost.Cached)
	rec.RequestCost = costFloat(cost.Request)
	rec.TotalCost = costFloat(cost.Total)

	e.enqueueLog(rec)
}

// debit charges the org. BYOK requests waive the gateway margin: usage is
// recorded for observability but nothing is debited.
func (e *Engine) debit(ctx context.Context, org *auth.Org, req *providers.Request, cred providers.Credential, cost Cost) {
	if e.ledger == nil || cred.BYOK || cost.Total.IsZero() {
		return
	}
	err := e.ledger.Debit(ctx, org.ID, req.RequestID, cost.Total)
	switch {
	case err == nil:
		if e.metrics != nil {
			e.metrics.RecordDebit("ok")
		}
	case errors.Is(err, ledger.ErrAlreadyDebited):
		if e.metrics != nil {
			e.metrics.RecordDebit("duplicate")
		}
	case errors.Is(err, ledger.ErrInsufficientCredits):
		if e.metrics != nil {
			e.metrics.RecordDebit("insufficient")
		}
		// The precheck passed but the final cost exceeded the balance. The
		// response is already committed; the shortfall surfaces in billing.
		e.log.WarnContext(ctx, "debit_insufficient",
			slog.String("request_id", req.RequestID),
			slog.String("org", org.ID),
		)
	default:
		if e.metrics != nil {
			e.metrics.RecordDebit("error")
		}
		e.log.ErrorContext(ctx, "debit_failed",
			slog.String("request_id", req.RequestID),
			slog.String("org", org.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) logFailure(org *auth.Org, req *providers.Request, start time.Time, outcome string, status int, attempts []usagelog.Attempt) {
	e.enqueueLog(usagelog.Record{
		ID:             parseUUID(req.RequestID),
		OrgID:          org.ID,
		ProjectID:      org.Project,
		RequestedModel: req.RequestedModel,
		LatencyMs:      clampMs(time.Since(start)),
		Status:         uint16(status),
		Outcome:        outcome,
		Attempts:       attempts,
		PromptBody:     promptBody(org, req),
	})
}

func (e *Engine) enqueueLog(rec usagelog.Record) {
	if e.logs == nil {
		return
	}
	e.logs.Enqueue(rec)
}

// ── Small helpers ─────────────────────────────────────────────────────────────

// cloneFor specializes the request for one binding: provider-native model
// name, max_tokens capped at the binding's output limit.
func cloneFor(req *providers.Request, b *catalog.ProviderBinding) *providers.Request {
	r := *req
	r.Model = b.ProviderModel
	if b.MaxOutput > 0 && r.MaxTokens > b.MaxOutput {
		r.MaxTokens = b.MaxOutput
	}
	return &r
}

// backoffFor computes the delay before retrying the same candidate:
// exponential from the base with jitter, honoring upstream Retry-After.
func (e *Engine) backoffFor(err error, retry int) time.Duration {
	d := e.backoffBase << uint(retry)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))

	var pe *providers.Error
	if errors.As(err, &pe) && pe.RetryAfter > d {
		d = pe.RetryAfter
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func clampMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.New()
	}
	return id
}

func firstProvider(candidates []catalog.ProviderBinding) string {
	if len(candidates) == 0 {
		return "none"
	}
	return candidates[0].Provider
}

func promptBody(org *auth.Org, req *providers.Request) string {
	if !org.LogBodies {
		return ""
	}
	body := ""
	for _, m := range req.Messages {
		body += m.Role + ": " + providers.TextContent(m) + "\n"
	}
	return body
}

func responseBody(org *auth.Org, resp *providers.Response) string {
	if !org.LogBodies || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
