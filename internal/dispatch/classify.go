package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Kind buckets an upstream failure into the retry policy it gets.
type Kind int

const (
	// KindTransient — 5xx, timeout, connection reset. Retry the same
	// candidate with backoff, then advance.
	KindTransient Kind = iota

	// KindRateLimited — 429. Retry the same candidate after the upstream
	// Retry-After (or backoff), then advance.
	KindRateLimited

	// KindUpstreamAuth — provider 401/403. Skip the candidate; the credential
	// is suspect for this request only.
	KindUpstreamAuth

	// KindCapabilityRefusal — the adapter pre-check failed or the provider
	// rejected an unsupported feature (404/413/415/422). Skip the candidate.
	KindCapabilityRefusal

	// KindUpstreamBadRequest — 400 for a request we built. Never retried on
	// the same candidate; a different translation may still succeed.
	KindUpstreamBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindCapabilityRefusal:
		return "capability_refusal"
	case KindUpstreamBadRequest:
		return "upstream_bad_request"
	default:
		return "unknown"
	}
}

// classify maps an adapter error onto its retry-policy kind.
//
//   - context.DeadlineExceeded → transient (a different provider may be faster)
//   - *providers.CapabilityError → capability refusal (no upstream call made)
//   - *providers.Error → by status code
//   - anything else (connection reset, DNS) → transient
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var ce *providers.CapabilityError
	if errors.As(err, &ce) {
		return KindCapabilityRefusal
	}

	var pe *providers.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Status == 429:
			return KindRateLimited
		case pe.Status == 401 || pe.Status == 403:
			return KindUpstreamAuth
		case pe.Status == 404 || pe.Status == 413 || pe.Status == 415 || pe.Status == 422:
			return KindCapabilityRefusal
		case pe.Status == 400:
			return KindUpstreamBadRequest
		case pe.Status >= 500:
			return KindTransient
		default:
			return KindTransient
		}
	}

	return KindTransient
}

// retrySameCandidate reports whether the failure kind is worth another try on
// the same candidate (after backoff) before advancing.
func retrySameCandidate(k Kind) bool {
	return k == KindTransient || k == KindRateLimited
}

// errStatus extracts the upstream HTTP status for the attempt chain; 0 when
// the error carries none (timeouts, connection errors).
func errStatus(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// ExhaustedError is returned when every candidate failed. The gateway maps it
// to 502 UpstreamUnavailable; the attempt chain lands on the log record.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch: all providers failed after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// NoCandidatesError is returned when the candidate list is empty after
// capability and policy filtering — before any upstream call.
type NoCandidatesError struct {
	Model  string
	Reason string
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("dispatch: no usable provider for model %q: %s", e.Model, e.Reason)
}
