package app

import (
	"context"
	"strings"

	"tracker/api/internal/auth"
	"tracker/api/internal/mention"
	"tracker/api/internal/outbox"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

const (
	NotificationAssigned = "ASSIGNED"
	NotificationMention  = "MENTION"
)

// dispatchAssignment runs after the task mutation committed. Nothing here
// can fail the request.
func (s *Service) dispatchAssignment(ctx context.Context, assigner auth.Principal, task store.Task) {
	if task.AssigneeID == nil {
		return
	}
	log := s.log.WithField("operation", "notify.assignment").WithField("task_id", task.ID)

	assignee, err := s.store.GetUser(ctx, *task.AssigneeID)
	if err != nil {
		log.WithError(err).Warn("assignee lookup failed")
		return
	}

	taskID := task.ID
	if _, err := s.store.InsertNotification(ctx, store.Notification{
		ID:     util.NewID("ntf"),
		UserID: assignee.ID,
		Type:   NotificationAssigned,
		TaskID: &taskID,
	}); err != nil {
		log.WithError(err).Warn("assignment notification not stored")
	}

	if s.outbox == nil || strings.TrimSpace(assignee.Email) == "" {
		return
	}
	payload := outbox.AssignmentEmail{
		AssigneeName: assignee.DisplayName,
		AssignerName: assigner.Name,
		TaskTitle:    task.Title,
		Link:         s.taskLink(task.ProjectID, task.ID),
	}
	if task.TaskKey != nil {
		payload.TaskKey = *task.TaskKey
	}
	if !s.outbox.Enqueue(outbox.Message{To: assignee.Email, Assignment: &payload}) {
		log.Warn("assignment email dropped")
	}
}

// dispatchMentions notifies every project user whose name matches an
// @token in the comment. The author is never notified.
func (s *Service) dispatchMentions(ctx context.Context, projectID string, comment store.Comment) int {
	log := s.log.WithField("operation", "notify.mention").WithField("comment_id", comment.ID)
	if len(mention.Tokens(comment.Body)) == 0 {
		return 0
	}

	audience, err := s.store.ListProjectAudience(ctx, projectID)
	if err != nil {
		log.WithError(err).Warn("mention audience lookup failed")
		return 0
	}
	candidates := make([]mention.Candidate, 0, len(audience))
	for _, u := range audience {
		candidates = append(candidates, mention.Candidate{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email})
	}

	sent := 0
	for _, userID := range mention.Resolve(comment.Body, candidates, comment.AuthorID) {
		taskID, commentID := comment.TaskID, comment.ID
		if _, err := s.store.InsertNotification(ctx, store.Notification{
			ID:        util.NewID("ntf"),
			UserID:    userID,
			Type:      NotificationMention,
			TaskID:    &taskID,
			CommentID: &commentID,
		}); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("mention notification not stored")
			continue
		}
		sent++
	}
	return sent
}

func (s *Service) ListNotifications(ctx context.Context, p auth.Principal, unreadOnly bool) ([]store.Notification, error) {
	items, err := s.store.ListNotifications(ctx, p.UserID, unreadOnly)
	if err != nil {
		return nil, s.finish("notifications.list", err)
	}
	return items, nil
}

// MarkNotificationsRead flips the given notifications to read. Unknown ids
// and ids owned by other users are ignored.
func (s *Service) MarkNotificationsRead(ctx context.Context, p auth.Principal, ids []string) (int64, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, validation("IDS_REQUIRED", "At least one notification id is required", nil)
	}
	n, err := s.store.MarkNotificationsRead(ctx, p.UserID, cleaned)
	if err != nil {
		return 0, s.finish("notifications.mark_read", err)
	}
	return n, nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, p auth.Principal) (int64, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, p.UserID)
	if err != nil {
		return 0, s.finish("notifications.mark_all_read", err)
	}
	return n, nil
}
