package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// requestLogsDDL creates the usage table. Ordered by (org_id, created_at) so
// per-org time-range queries stay index-local.
const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	id                UUID,
	org_id            String,
	project_id        String,
	requested_model   String,
	used_model        String,
	used_provider     String,
	upstream_model    String,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	reasoning_tokens  UInt32,
	cached_tokens     UInt32,
	input_cost        Float64,
	output_cost       Float64,
	cached_cost       Float64,
	request_cost      Float64,
	total_cost        Float64,
	ttft_ms           UInt32,
	latency_ms        UInt32,
	status            UInt16,
	outcome           String,
	attempts          String,
	cache_hit         Bool,
	byok              Bool,
	prompt_body       String,
	response_body     String,
	created_at        DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (org_id, created_at)
TTL toDateTime(created_at) + INTERVAL 180 DAY
`

const insertRequestLogs = `INSERT INTO request_logs (
	id, org_id, project_id, requested_model, used_model, used_provider,
	upstream_model, prompt_tokens, completion_tokens, reasoning_tokens,
	cached_tokens, input_cost, output_cost, cached_cost, request_cost,
	total_cost, ttft_ms, latency_ms, status, outcome, attempts, cache_hit,
	byok, prompt_body, response_body, created_at
)`

// ClickHouseSink writes usage records to ClickHouse in batches.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens a connection from the given DSN
// (e.g. "clickhouse://default:@localhost:9000/gateway"), verifies it with a
// ping, and ensures the request_logs table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usagelog: parse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usagelog: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usagelog: ping: %w", err)
	}

	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usagelog: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch inserts records using a native batch.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, insertRequestLogs)
	if err != nil {
		return fmt.Errorf("usagelog: prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.ID,
			r.OrgID,
			r.ProjectID,
			r.RequestedModel,
			r.UsedModel,
			r.UsedProvider,
			r.UpstreamModel,
			r.PromptTokens,
			r.CompletionTokens,
			r.ReasoningTokens,
			r.CachedTokens,
			r.InputCost,
			r.OutputCost,
			r.CachedCost,
			r.RequestCost,
			r.TotalCost,
			r.TTFTMs,
			r.LatencyMs,
			r.Status,
			r.Outcome,
			attemptsJSON(r.Attempts),
			r.CacheHit,
			r.BYOK,
			r.PromptBody,
			r.ResponseBody,
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("usagelog: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("usagelog: send batch: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
