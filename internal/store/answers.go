package store

import (
	"context"
	"fmt"
	"time"
)

// SaveAnswers persists one completed flow traversal's answers, for
// studies whose retention policy keeps them for auditing (eligibility
// answers in particular). Idempotent: re-saving after a crash between
// flow completion and acknowledgment overwrites with identical values.
func (s *Store) SaveAnswers(ctx context.Context, flowID string, answers map[string]string, recordedAt time.Time) error {
	for question, value := range answers {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO answers (flow_id, question_id, value, recorded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(flow_id, question_id) DO UPDATE SET
				value       = excluded.value,
				recorded_at = excluded.recorded_at
		`, flowID, question, value, nanos(recordedAt))
		if err != nil {
			return fmt.Errorf("save answer %s/%s: %w", flowID, question, err)
		}
	}
	return nil
}

// Answers returns the retained answers for one flow, keyed by question id.
func (s *Store) Answers(ctx context.Context, flowID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, value FROM answers
		WHERE flow_id = ?
		ORDER BY question_id COLLATE BINARY ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query answers for %s: %w", flowID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var question, value string
		if err := rows.Scan(&question, &value); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out[question] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

// DeleteAnswers discards a flow's retained answers.
func (s *Store) DeleteAnswers(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM answers WHERE flow_id = ?`, flowID)
	if err != nil {
		return fmt.Errorf("delete answers for %s: %w", flowID, err)
	}
	return nil
}
