package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/quenya/palantir/internal"
)

type fakeSampleStore struct {
	mu      sync.Mutex
	batches [][]gateway.ErrorSample
}

func (s *fakeSampleStore) InsertSamples(_ context.Context, samples []gateway.ErrorSample) error {
	s.mu.Lock()
	s.batches = append(s.batches, samples)
	s.mu.Unlock()
	return nil
}

func (s *fakeSampleStore) totalSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeSampleStore) first() gateway.ErrorSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[0][0]
}

func TestSampleRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeSampleStore{}
	rec := NewSampleRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for range sampleBatchSize {
		rec.Record(gateway.ErrorSample{Provider: "shuaihong-openai", Outcome: "server"})
	}

	// Wait for batch to be flushed.
	deadline := time.After(2 * time.Second)
	for {
		if store.totalSamples() >= sampleBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d samples", store.totalSamples())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestSampleRecorder_FillsIDAndDay(t *testing.T) {
	t.Parallel()
	store := &fakeSampleStore{}
	rec := NewSampleRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.ErrorSample{Provider: "p", Outcome: "auth"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.totalSamples() != 1 {
		t.Fatalf("samples = %d, want 1", store.totalSamples())
	}
	got := store.first()
	if got.ID == "" {
		t.Error("ID not assigned")
	}
	if got.Day != got.CreatedAt.UTC().Format(time.DateOnly) {
		t.Errorf("Day = %q does not match CreatedAt %v", got.Day, got.CreatedAt)
	}
}

func TestSampleRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeSampleStore{}
	rec := &SampleRecorder{
		ch:    make(chan gateway.ErrorSample, 2), // tiny buffer
		store: store,
	}

	rec.Record(gateway.ErrorSample{RequestID: "1"})
	rec.Record(gateway.ErrorSample{RequestID: "2"})
	// This one should be dropped silently.
	rec.Record(gateway.ErrorSample{RequestID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestSampleRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeSampleStore{}
	rec := NewSampleRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.ErrorSample{RequestID: "drain-1"})
	rec.Record(gateway.ErrorSample{RequestID: "drain-2"})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalSamples() < 2 {
		t.Errorf("expected at least 2 drained samples, got %d", store.totalSamples())
	}
}
