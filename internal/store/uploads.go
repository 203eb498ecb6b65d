package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/syncer"
)

// SaveQueuedUpload atomically inserts or replaces one buffered batch.
func (s *Store) SaveQueuedUpload(ctx context.Context, u syncer.QueuedUpload) error {
	samples, err := json.Marshal(u.Samples)
	if err != nil {
		return fmt.Errorf("save queued upload: encode samples: %w", err)
	}

	failed := 0
	if u.Failed {
		failed = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queued_uploads
		(id, data_type, range_start, range_end, samples, attempts, next_retry, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts   = excluded.attempts,
			next_retry = excluded.next_retry,
			failed     = excluded.failed
	`,
		u.ID,
		u.DataType,
		nanos(u.Start),
		nanos(u.End),
		string(samples),
		u.Attempts,
		nanos(u.NextRetry),
		failed,
	)
	if err != nil {
		return fmt.Errorf("save queued upload %s: %w", u.ID, err)
	}
	return nil
}

// QueuedUploads returns the buffered batches for one data type in
// increasing time-range order (oldest first), ties broken by id.
func (s *Store) QueuedUploads(ctx context.Context, dataType string) ([]syncer.QueuedUpload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data_type, range_start, range_end, samples, attempts, next_retry, failed
		FROM queued_uploads
		WHERE data_type = ?
		ORDER BY range_start ASC, id COLLATE BINARY ASC
	`, dataType)
	if err != nil {
		return nil, fmt.Errorf("query queued uploads for %s: %w", dataType, err)
	}
	defer rows.Close()

	uploads := []syncer.QueuedUpload{}
	for rows.Next() {
		var (
			u           syncer.QueuedUpload
			rangeStart  int64
			rangeEnd    int64
			samplesJSON string
			nextRetry   int64
			failed      int
		)
		if err := rows.Scan(&u.ID, &u.DataType, &rangeStart, &rangeEnd, &samplesJSON,
			&u.Attempts, &nextRetry, &failed); err != nil {
			return nil, fmt.Errorf("scan queued upload: %w", err)
		}
		if err := json.Unmarshal([]byte(samplesJSON), &u.Samples); err != nil {
			return nil, fmt.Errorf("decode samples for upload %s: %w", u.ID, err)
		}
		if u.Samples == nil {
			u.Samples = []health.Sample{}
		}
		u.Start = fromNanos(rangeStart)
		u.End = fromNanos(rangeEnd)
		u.NextRetry = fromNanos(nextRetry)
		u.Failed = failed != 0
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued uploads: %w", err)
	}
	return uploads, nil
}

// DeleteQueuedUpload removes an acknowledged batch.
func (s *Store) DeleteQueuedUpload(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queued upload %s: %w", id, err)
	}
	return nil
}
