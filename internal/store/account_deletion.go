package store

import (
	"context"
	"fmt"
)

// PurgeAuthoredContent deletes everything the user authored that is not
// transferable. Attachment object keys are returned so the caller can remove
// the blobs once the transaction commits.
func (s *PostgresStore) PurgeAuthoredContent(ctx context.Context, userID string) (PurgeResult, error) {
	var result PurgeResult

	steps := []struct {
		name  string
		query string
		count *int64
	}{
		{"activities", `DELETE FROM activities WHERE user_id=$1`, &result.Activities},
		{"comments", `DELETE FROM comments WHERE author_id=$1`, &result.Comments},
		{"notifications", `DELETE FROM notifications WHERE user_id=$1`, &result.Notifications},
		{"invites", `DELETE FROM invites WHERE invited_by_id=$1`, &result.Invites},
		{"document comments", `DELETE FROM document_comments WHERE author_id=$1`, &result.DocumentComments},
		{"document versions", `DELETE FROM document_versions WHERE author_id=$1`, &result.DocumentVersions},
	}
	for _, step := range steps {
		res, err := s.q.ExecContext(ctx, step.query, userID)
		if err != nil {
			return PurgeResult{}, fmt.Errorf("delete user %s: %w", step.name, err)
		}
		*step.count, _ = res.RowsAffected()
	}

	rows, err := s.q.QueryContext(ctx, `DELETE FROM attachments WHERE uploader_id=$1 RETURNING object_key`, userID)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("delete user attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return PurgeResult{}, fmt.Errorf("scan attachment key: %w", err)
		}
		result.ObjectKeys = append(result.ObjectKeys, key)
	}
	if err := rows.Err(); err != nil {
		return PurgeResult{}, fmt.Errorf("iterate attachments: %w", err)
	}
	result.Attachments = int64(len(result.ObjectKeys))
	return result, nil
}

// UnassignTasks clears assignee and assigned_at together.
func (s *PostgresStore) UnassignTasks(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET assignee_id=NULL, assigned_at=NULL, updated_at=NOW() WHERE assignee_id=$1
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("unassign tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TransferOwnership moves created_by_id of owned content from one user to another.
func (s *PostgresStore) TransferOwnership(ctx context.Context, fromID, toID string) (TransferResult, error) {
	var result TransferResult
	targets := []struct {
		table string
		count *int64
	}{
		{"tasks", &result.Tasks},
		{"epics", &result.Epics},
		{"projects", &result.Projects},
		{"documents", &result.Documents},
	}
	for _, target := range targets {
		res, err := s.q.ExecContext(ctx, `UPDATE `+target.table+` SET created_by_id=$2 WHERE created_by_id=$1`, fromID, toID)
		if err != nil {
			return TransferResult{}, fmt.Errorf("transfer %s: %w", target.table, err)
		}
		*target.count, _ = res.RowsAffected()
	}
	return result, nil
}

func (s *PostgresStore) RemoveMemberships(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM project_members WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("remove memberships: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
