package usagelog

import (
	"context"
	"encoding/json"
	"log/slog"
)

// attemptsJSON serializes the attempt chain for storage and logging.
func attemptsJSON(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "[]"
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// SlogSink writes usage records as structured log lines. Used when no
// ClickHouse DSN is configured — development and single-node deployments.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", r.ID.String()),
			slog.String("org", r.OrgID),
			slog.String("project", r.ProjectID),
			slog.String("requested_model", r.RequestedModel),
			slog.String("used_model", r.UsedModel),
			slog.String("used_provider", r.UsedProvider),
			slog.Uint64("prompt_tokens", uint64(r.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(r.CompletionTokens)),
			slog.Uint64("cached_tokens", uint64(r.CachedTokens)),
			slog.Float64("total_cost", r.TotalCost),
			slog.Uint64("ttft_ms", uint64(r.TTFTMs)),
			slog.Uint64("latency_ms", uint64(r.LatencyMs)),
			slog.Uint64("status", uint64(r.Status)),
			slog.String("outcome", r.Outcome),
			slog.String("attempts", attemptsJSON(r.Attempts)),
			slog.Bool("cache_hit", r.CacheHit),
			slog.Bool("byok", r.BYOK),
			slog.Time("created_at", r.CreatedAt),
		)
	}
	return nil
}
