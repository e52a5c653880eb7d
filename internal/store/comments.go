package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO comments (id, task_id, author_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, c.ID, c.TaskID, c.AuthorID, c.Body).Scan(&c.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}
