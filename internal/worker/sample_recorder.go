package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quenya/palantir/internal"
)

const (
	sampleChanSize   = 1000
	sampleBatchSize  = 100
	sampleFlushEvery = 5 * time.Second
	sampleDrainTime  = 30 * time.Second
)

// SampleStore is the persistence interface consumed by SampleRecorder.
type SampleStore interface {
	InsertSamples(ctx context.Context, samples []gateway.ErrorSample) error
}

// SampleRecorder buffers classified upstream failures and batch-flushes
// them to the store. Samples are dropped if the channel is full
// (back-pressure on slow DB).
type SampleRecorder struct {
	ch    chan gateway.ErrorSample
	store SampleStore
}

// NewSampleRecorder creates a SampleRecorder backed by store.
func NewSampleRecorder(store SampleStore) *SampleRecorder {
	return &SampleRecorder{
		ch:    make(chan gateway.ErrorSample, sampleChanSize),
		store: store,
	}
}

// Record enqueues an error sample. It never blocks; drops on full channel.
func (s *SampleRecorder) Record(e gateway.ErrorSample) {
	select {
	case s.ch <- e:
	default:
		slog.Warn("error sample dropped, channel full")
	}
}

// Run processes samples until ctx is cancelled, then drains the remainder.
func (s *SampleRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(sampleFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.ErrorSample, 0, sampleBatchSize)

	for {
		select {
		case e := <-s.ch:
			buf = append(buf, e)
			if len(buf) >= sampleBatchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining samples with a timeout.
			s.drain(buf)
			return nil
		}
	}
}

func (s *SampleRecorder) drain(buf []gateway.ErrorSample) {
	ctx, cancel := context.WithTimeout(context.Background(), sampleDrainTime)
	defer cancel()

	for {
		select {
		case e := <-s.ch:
			buf = append(buf, e)
			if len(buf) >= sampleBatchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				s.flush(ctx, buf)
			}
			return
		}
	}
}

func (s *SampleRecorder) flush(ctx context.Context, buf []gateway.ErrorSample) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.ErrorSample, len(buf))
	copy(batch, buf)

	// Assign IDs and day partitions off the hot path; callers leave them empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = time.Now()
		}
		if batch[i].Day == "" {
			batch[i].Day = batch[i].CreatedAt.UTC().Format(time.DateOnly)
		}
	}

	if err := s.store.InsertSamples(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sample flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
