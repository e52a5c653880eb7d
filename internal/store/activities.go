package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertActivity appends an audit row. Rows are never updated afterwards.
func (s *PostgresStore) InsertActivity(ctx context.Context, a Activity) (Activity, error) {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return Activity{}, fmt.Errorf("encode activity metadata: %w", err)
	}

	err = s.q.QueryRowContext(ctx, `
		INSERT INTO activities (id, task_id, type, metadata, user_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING created_at
	`, a.ID, a.TaskID, a.Type, string(encoded), a.UserID, a.CreatedAt).Scan(&a.CreatedAt)
	if err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	a.Metadata = metadata
	return a, nil
}

// ListActivities returns a task's activities, newest first.
func (s *PostgresStore) ListActivities(ctx context.Context, taskID string) ([]Activity, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, task_id, type, metadata, user_id, created_at
		FROM activities
		WHERE task_id = $1
		ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var (
			item Activity
			raw  []byte
		)
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Type, &raw, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Metadata = map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
