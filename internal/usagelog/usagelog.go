// Package usagelog is the asynchronous usage-log pipeline: one immutable
// Record per completed request, enqueued without blocking the response path
// and drained to a durable sink in batches by a background goroutine.
//
// Delivery is at-least-once. When the in-process buffer is full, Enqueue
// falls back to a synchronous sink write instead of dropping the record.
// Close drains the buffer and flushes before returning.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Outcome classifies how a request ended.
const (
	OutcomeOK                  = "ok"
	OutcomeBadRequest          = "bad_request"
	OutcomeUnauthorized        = "unauthorized"
	OutcomeForbidden           = "forbidden"
	OutcomeInsufficientCredits = "insufficient_credits"
	OutcomeUpstreamError       = "upstream_error"
	OutcomeStreamAborted       = "stream_aborted"
	OutcomeClientDisconnect    = "client_disconnect"
	OutcomeInternal            = "internal"
)

// Attempt records one upstream try for the attempt chain.
type Attempt struct {
	Provider string `json:"provider"`
	Status   int    `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Record is one usage-log row. Immutable once enqueued.
type Record struct {
	ID             uuid.UUID
	OrgID          string
	ProjectID      string
	RequestedModel string
	UsedModel      string
	UsedProvider   string
	UpstreamModel  string // model name reported by the provider

	PromptTokens     uint32
	CompletionTokens uint32
	ReasoningTokens  uint32
	CachedTokens     uint32

	// Cost components in USD.
	InputCost   float64
	OutputCost  float64
	CachedCost  float64
	RequestCost float64
	TotalCost   float64

	TTFTMs    uint32
	LatencyMs uint32
	Status    uint16
	Outcome   string
	Attempts  []Attempt
	CacheHit  bool
	BYOK      bool

	// Request/response bodies, only when the org opted in.
	PromptBody   string
	ResponseBody string

	CreatedAt time.Time
}

// Sink persists batches of records. WriteBatch must be safe for calls from
// both the drain goroutine and (under backpressure) request goroutines.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// Pipeline is the bounded in-process buffer plus its drain goroutine.
type Pipeline struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	sink Sink
	log  *slog.Logger

	syncFalls int64
}

// New starts a Pipeline draining to sink. The drain goroutine stops after
// Close.
func New(sink Sink, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		ch:   make(chan Record, channelBuffer),
		done: make(chan struct{}),
		sink: sink,
		log:  log,
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Enqueue hands a record to the pipeline. It never blocks on the buffer:
// when the channel is full the record is written synchronously instead, so
// backpressure slows callers rather than dropping logs.
func (p *Pipeline) Enqueue(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case p.ch <- rec:
	default:
		atomic.AddInt64(&p.syncFalls, 1)
		p.write([]Record{rec})
	}
}

// SyncFallbacks returns how many records bypassed the buffer.
func (p *Pipeline) SyncFallbacks() int64 {
	return atomic.LoadInt64(&p.syncFalls)
}

// Close drains the buffer, flushes the final batch, and stops the drain
// goroutine. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-p.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case rec := <-p.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Pipeline) write(records []Record) {
	// Not derived from the app context: the shutdown flush must still be able
	// to write after that context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.sink.WriteBatch(ctx, records); err != nil {
		p.log.Error("usagelog_write_failed",
			slog.Int("records", len(records)),
			slog.String("error", err.Error()),
		)
	}
}
