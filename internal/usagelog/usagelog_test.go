package usagelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureSink collects every record it receives.
type captureSink struct {
	mu      sync.Mutex
	records []Record
	batches int
}

func (s *captureSink) WriteBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestPipeline_EnqueueAndFlushOnClose(t *testing.T) {
	sink := &captureSink{}
	p := New(sink, nil)

	for i := 0; i < 10; i++ {
		p.Enqueue(Record{ID: uuid.New(), OrgID: "org-1", Outcome: OutcomeOK})
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != 10 {
		t.Errorf("persisted %d records, want 10 (flush on close)", got)
	}
}

func TestPipeline_BatchesLargeVolume(t *testing.T) {
	sink := &captureSink{}
	p := New(sink, nil)

	const n = 350
	for i := 0; i < n; i++ {
		p.Enqueue(Record{ID: uuid.New(), OrgID: "org-1"})
	}
	_ = p.Close()

	if got := sink.count(); got != n {
		t.Errorf("persisted %d records, want %d", got, n)
	}

	sink.mu.Lock()
	batches := sink.batches
	sink.mu.Unlock()
	if batches < 3 {
		t.Errorf("expected batched writes, got %d batch(es)", batches)
	}
}

func TestPipeline_PeriodicFlush(t *testing.T) {
	sink := &captureSink{}
	p := New(sink, nil)
	defer p.Close()

	p.Enqueue(Record{ID: uuid.New()})

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("record not flushed by the periodic ticker")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// blockingSink blocks WriteBatch until released, simulating a slow store.
type blockingSink struct {
	captureSink
	release chan struct{}
}

func (s *blockingSink) WriteBatch(ctx context.Context, records []Record) error {
	<-s.release
	return s.captureSink.WriteBatch(ctx, records)
}

func TestPipeline_BackpressureFallsBackToSyncWrite(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	p := New(sink, nil)

	// The drain goroutine holds up to batchSize records before its first write
	// blocks, so enqueue enough to fill the channel buffer behind it as well.
	for i := 0; i < channelBuffer+batchSize+5; i++ {
		if i == channelBuffer {
			// The buffer is full within the next batchSize enqueues; from then
			// on Enqueue takes the synchronous path.
			go func() {
				time.Sleep(50 * time.Millisecond)
				close(sink.release)
			}()
		}
		p.Enqueue(Record{ID: uuid.New()})
	}

	_ = p.Close()

	if p.SyncFallbacks() == 0 {
		t.Error("expected synchronous fallbacks under backpressure")
	}
	if got := sink.count(); got != channelBuffer+batchSize+5 {
		t.Errorf("persisted %d records, want %d — records must never be dropped", got, channelBuffer+batchSize+5)
	}
}

func TestPipeline_StampsCreatedAt(t *testing.T) {
	sink := &captureSink{}
	p := New(sink, nil)

	p.Enqueue(Record{ID: uuid.New()})
	_ = p.Close()

	if sink.records[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}
