package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the persisted watermark for a data type. Returns the
// zero time (and no error) when no cursor exists yet.
func (s *Store) Cursor(ctx context.Context, dataType string) (time.Time, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM sync_cursors WHERE data_type = ?`, dataType,
	).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query cursor for %s: %w", dataType, err)
	}
	return fromNanos(watermark), nil
}

// SaveCursor persists the watermark for a data type. The upsert only
// applies when the new watermark is ahead of the stored one, so cursors
// are monotonically non-decreasing even if a stale tick is replayed.
func (s *Store) SaveCursor(ctx context.Context, dataType string, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (data_type, watermark)
		VALUES (?, ?)
		ON CONFLICT(data_type) DO UPDATE SET watermark = excluded.watermark
		WHERE excluded.watermark > sync_cursors.watermark
	`, dataType, nanos(watermark))
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", dataType, err)
	}
	return nil
}
