package store

import (
	"context"
	"fmt"
)

const taskColumns = `id, project_id, sprint_id, epic_id, assignee_id, assigned_at, title, description,
	status, priority, team, sort_order, task_key, task_number, created_by_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.SprintID, &t.EpicID, &t.AssigneeID, &t.AssignedAt, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.Team, &t.SortOrder, &t.TaskKey, &t.TaskNumber, &t.CreatedByID, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	task, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// LockTask reads a task and holds its row lock for the rest of the transaction.
func (s *PostgresStore) LockTask(ctx context.Context, id string) (Task, error) {
	task, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Task{}, fmt.Errorf("lock task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, t Task) (Task, error) {
	created, err := scanTask(s.q.QueryRowContext(ctx, `
		INSERT INTO tasks (
			id, project_id, sprint_id, epic_id, assignee_id, assigned_at, title, description,
			status, priority, team, sort_order, task_key, task_number, created_by_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+taskColumns,
		t.ID, t.ProjectID, t.SprintID, t.EpicID, t.AssigneeID, t.AssignedAt, t.Title, t.Description,
		t.Status, t.Priority, t.Team, t.SortOrder, t.TaskKey, t.TaskNumber, t.CreatedByID,
	))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

// UpdateTask writes every mutable column. Key, number, project and creator
// are not touched here.
func (s *PostgresStore) UpdateTask(ctx context.Context, t Task) (Task, error) {
	updated, err := scanTask(s.q.QueryRowContext(ctx, `
		UPDATE tasks
		SET sprint_id=$2, epic_id=$3, assignee_id=$4, assigned_at=$5, title=$6, description=$7,
			status=$8, priority=$9, team=$10, sort_order=$11, updated_at=NOW()
		WHERE id=$1
		RETURNING `+taskColumns,
		t.ID, t.SprintID, t.EpicID, t.AssigneeID, t.AssignedAt, t.Title, t.Description,
		t.Status, t.Priority, t.Team, t.SortOrder,
	))
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

// DeleteTask removes a task together with its attachments, comments and
// activities. It returns the attachment object keys for blob cleanup.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `DELETE FROM attachments WHERE task_id=$1 RETURNING object_key`, id)
	if err != nil {
		return nil, fmt.Errorf("delete task attachments: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attachment key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate attachment keys: %w", err)
	}
	rows.Close()

	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	if err := expectAffected(res, "delete task"); err != nil {
		return nil, err
	}
	return keys, nil
}
