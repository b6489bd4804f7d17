// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/quenya/palantir/internal"
)

// SampleStore persists classified upstream failures for offline analysis.
type SampleStore interface {
	InsertSamples(ctx context.Context, samples []gateway.ErrorSample) error
	QuerySamples(ctx context.Context, f SampleFilter) ([]gateway.ErrorSample, error)
	CountSamples(ctx context.Context, f SampleFilter) (int, error)
	// PurgeBefore deletes samples partitioned into days older than day
	// (YYYY-MM-DD) and returns the number removed.
	PurgeBefore(ctx context.Context, day string) (int64, error)
}

// SampleFilter narrows sample queries. Zero values match everything.
type SampleFilter struct {
	Day      string // exact day partition
	Provider string
	Route    string
	Outcome  string
	Limit    int // default 50
	Offset   int
}

// Store combines all storage interfaces.
type Store interface {
	SampleStore
	Close() error
}
