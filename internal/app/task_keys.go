package app

import (
	"context"
	"fmt"

	"tracker/api/internal/auth"
)

type TaskKey struct {
	Key    string `json:"key"`
	Number int    `json:"number"`
}

// FormatTaskKey renders PROJECT-NNN with at least three digits.
func FormatTaskKey(projectKey string, number int) string {
	return fmt.Sprintf("%s-%03d", projectKey, number)
}

// IssueTaskKey consumes the next number of the project counter. The number is
// burned even if the caller never uses it.
func (s *Service) IssueTaskKey(ctx context.Context, p auth.Principal, projectID string) (TaskKey, error) {
	const op = "keys.issue"
	var key TaskKey
	err := s.store.WithTx(ctx, func(tx txStore) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return orNotFound(err, "PROJECT_NOT_FOUND", "Project not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, projectID); err != nil {
			return err
		}
		var err error
		key, err = issueTaskKey(ctx, tx, projectID)
		return err
	})
	return key, s.finish(op, err)
}

func issueTaskKey(ctx context.Context, tx txStore, projectID string) (TaskKey, error) {
	projectKey, number, err := tx.IncrementTaskCounter(ctx, projectID)
	if err != nil {
		return TaskKey{}, orNotFound(err, "PROJECT_NOT_FOUND", "Project not found")
	}
	return TaskKey{Key: FormatTaskKey(projectKey, number), Number: number}, nil
}
