package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/quenya/palantir/internal"
	"github.com/quenya/palantir/internal/storage"
)

// InsertSamples batch-inserts error samples.
func (s *Store) InsertSamples(ctx context.Context, samples []gateway.ErrorSample) error {
	if len(samples) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 11
	placeholders := make([]string, len(samples))
	args := make([]any, 0, len(samples)*cols)

	for i, e := range samples {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.Day, e.RequestID, e.Route, e.Provider, e.Model,
			e.Attempt, e.StatusCode, e.Outcome, e.Message,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO error_samples
		(id, day, request_id, route, provider, model,
		 attempt, status_code, outcome, message, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QuerySamples returns samples matching the filter, newest first.
func (s *Store) QuerySamples(ctx context.Context, f storage.SampleFilter) ([]gateway.ErrorSample, error) {
	where, args := sampleWhere(f)
	query := `SELECT id, day, request_id, route, provider, model,
		attempt, status_code, outcome, message, created_at
		FROM error_samples` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ErrorSample
	for rows.Next() {
		var e gateway.ErrorSample
		var createdAt string
		err := rows.Scan(
			&e.ID, &e.Day, &e.RequestID, &e.Route, &e.Provider, &e.Model,
			&e.Attempt, &e.StatusCode, &e.Outcome, &e.Message, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		if t, e2 := time.Parse(time.RFC3339, createdAt); e2 == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSamples returns the count of samples matching the filter.
func (s *Store) CountSamples(ctx context.Context, f storage.SampleFilter) (int, error) {
	where, args := sampleWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_samples`+where, args...,
	).Scan(&n)
	return n, err
}

// PurgeBefore deletes day partitions older than day and reports rows removed.
func (s *Store) PurgeBefore(ctx context.Context, day string) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM error_samples WHERE day < ?`, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sampleWhere(f storage.SampleFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Day != "" {
		clauses = append(clauses, "day = ?")
		args = append(args, f.Day)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Route != "" {
		clauses = append(clauses, "route = ?")
		args = append(args, f.Route)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
