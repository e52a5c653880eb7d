package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"tracker/api/internal/auth"
	"tracker/api/internal/rbac"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

const maxCommentLength = 10000

type CommentResult struct {
	Comment  store.Comment
	Mentions int
}

// CreateComment stores the comment and then notifies mentioned users.
func (s *Service) CreateComment(ctx context.Context, p auth.Principal, taskID, body string) (CommentResult, error) {
	const op = "comments.create"
	if err := s.requireAction(p, rbac.ActionComment); err != nil {
		return CommentResult{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return CommentResult{}, validation("BODY_REQUIRED", "Comment body is required", nil)
	}
	if utf8.RuneCountInString(body) > maxCommentLength {
		return CommentResult{}, validation("BODY_TOO_LONG", "Comment body is too long", map[string]any{"max": maxCommentLength})
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return CommentResult{}, s.finish(op, orNotFound(err, "TASK_NOT_FOUND", "Task not found"))
	}
	if err := s.requireProjectAccess(ctx, s.store, p, task.ProjectID); err != nil {
		return CommentResult{}, s.finish(op, err)
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:       util.NewID("cmt"),
		TaskID:   task.ID,
		AuthorID: p.UserID,
		Body:     body,
	})
	if err != nil {
		return CommentResult{}, s.finish(op, err)
	}

	return CommentResult{
		Comment:  comment,
		Mentions: s.dispatchMentions(ctx, task.ProjectID, comment),
	}, nil
}
