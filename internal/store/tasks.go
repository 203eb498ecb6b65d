package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/clearwell/studykit/internal/task"
)

// SaveTask atomically inserts or replaces one task record.
func (s *Store) SaveTask(ctx context.Context, t task.Task) error {
	types, err := json.Marshal(t.DataTypes)
	if err != nil {
		return fmt.Errorf("save task: encode data types: %w", err)
	}

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = nanos(*t.CompletedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(id, definition_id, title, description, data_types, window_start, window_end, state, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_id = excluded.definition_id,
			title         = excluded.title,
			description   = excluded.description,
			data_types    = excluded.data_types,
			window_start  = excluded.window_start,
			window_end    = excluded.window_end,
			state         = excluded.state,
			completed_at  = excluded.completed_at
	`,
		t.ID,
		t.DefinitionID,
		t.Title,
		t.Description,
		string(types),
		nanos(t.WindowStart),
		nanos(t.WindowEnd),
		string(t.State),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns all persisted tasks with deterministic ordering:
// window start ascending, then id ascending.
func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition_id, title, description, data_types, window_start, window_end, state, completed_at
		FROM tasks
		ORDER BY window_start ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTasksByDefinition removes every occurrence of a definition.
// The only deletion path: tasks otherwise remain for history.
func (s *Store) DeleteTasksByDefinition(ctx context.Context, definitionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE definition_id = ?`, definitionID)
	if err != nil {
		return fmt.Errorf("delete tasks for definition %s: %w", definitionID, err)
	}
	return nil
}

// scanTask reads one task row.
func scanTask(rows *sql.Rows) (task.Task, error) {
	var (
		t           task.Task
		typesJSON   string
		windowStart int64
		windowEnd   int64
		state       string
		completedAt sql.NullInt64
	)
	if err := rows.Scan(&t.ID, &t.DefinitionID, &t.Title, &t.Description, &typesJSON,
		&windowStart, &windowEnd, &state, &completedAt); err != nil {
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(typesJSON), &t.DataTypes); err != nil {
		return task.Task{}, fmt.Errorf("decode data types for task %s: %w", t.ID, err)
	}
	t.WindowStart = fromNanos(windowStart)
	t.WindowEnd = fromNanos(windowEnd)
	t.State = task.State(state)
	if completedAt.Valid {
		at := fromNanos(completedAt.Int64)
		t.CompletedAt = &at
	}
	return t, nil
}
