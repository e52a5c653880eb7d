package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"tracker/api/internal/activity"
	"tracker/api/internal/auth"
	"tracker/api/internal/rbac"
	"tracker/api/internal/search"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

var allowedTaskStatuses = map[string]struct{}{
	"TODO":        {},
	"IN_PROGRESS": {},
	"IN_REVIEW":   {},
	"DONE":        {},
}

var allowedTaskPriorities = map[string]struct{}{
	"LOW":    {},
	"MEDIUM": {},
	"HIGH":   {},
	"URGENT": {},
}

// NullableID is a reference field in a patch. Set reports whether the field
// was present at all; ID is nil when it was explicitly cleared.
type NullableID struct {
	Set bool
	ID  *string
}

func (n *NullableID) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.ID = nil
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		n.ID = nil
		return nil
	}
	n.ID = &id
	return nil
}

// SetID and Clear build patch values in code.
func SetID(id string) NullableID { return NullableID{Set: true, ID: &id} }
func Clear() NullableID          { return NullableID{Set: true} }

type TaskPatch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	Priority    *string    `json:"priority"`
	Team        *string    `json:"team"`
	Order       *int       `json:"order"`
	Assignee    NullableID `json:"assigneeId"`
	Sprint      NullableID `json:"sprintId"`
	Epic        NullableID `json:"epicId"`
}

type CreateTaskInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	Team        string  `json:"team"`
	AssigneeID  *string `json:"assigneeId"`
	SprintID    *string `json:"sprintId"`
	EpicID      *string `json:"epicId"`
}

type TaskResult struct {
	Task       store.Task
	Activities []store.Activity
}

func (s *Service) CreateTask(ctx context.Context, p auth.Principal, projectID string, input CreateTaskInput) (TaskResult, error) {
	const op = "tasks.create"
	if err := s.requireAction(p, rbac.ActionWriteTask); err != nil {
		return TaskResult{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return TaskResult{}, validation("TITLE_REQUIRED", "Title is required", nil)
	}
	status := defaultString(input.Status, "TODO")
	priority := defaultString(input.Priority, "MEDIUM")
	if err := validateEnums(&status, &priority); err != nil {
		return TaskResult{}, err
	}

	var result TaskResult
	err := s.store.WithTx(ctx, func(tx txStore) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return orNotFound(err, "PROJECT_NOT_FOUND", "Project not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, projectID); err != nil {
			return err
		}
		if err := s.validateReferences(ctx, tx, projectID, input.AssigneeID, input.SprintID, input.EpicID); err != nil {
			return err
		}

		key, err := issueTaskKey(ctx, tx, projectID)
		if err != nil {
			return err
		}
		order, err := nextOrderIn(ctx, tx, projectID, input.SprintID)
		if err != nil {
			return err
		}

		now := s.now()
		task := store.Task{
			ID:          util.NewID("tsk"),
			ProjectID:   projectID,
			SprintID:    input.SprintID,
			EpicID:      input.EpicID,
			AssigneeID:  input.AssigneeID,
			Title:       title,
			Description: input.Description,
			Status:      status,
			Priority:    priority,
			Team:        strings.TrimSpace(input.Team),
			SortOrder:   order,
			TaskKey:     &key.Key,
			TaskNumber:  &key.Number,
			CreatedByID: p.UserID,
		}
		if task.AssigneeID != nil {
			task.AssignedAt = &now
		}
		created, err := tx.InsertTask(ctx, task)
		if err != nil {
			return err
		}

		entries, err := recordActivities(ctx, tx, created.ID, p.UserID, now, []activity.Change{{Type: activity.Created}})
		if err != nil {
			return err
		}
		result = TaskResult{Task: created, Activities: entries}
		return nil
	})
	if err != nil {
		return TaskResult{}, s.finish(op, err)
	}

	if result.Task.AssigneeID != nil && *result.Task.AssigneeID != p.UserID {
		s.dispatchAssignment(ctx, p, result.Task)
	}
	s.indexTask(result.Task)
	return result, nil
}

// UpdateTask applies a partial update, logs one activity per changed tracked
// field and, after commit, notifies a newly assigned user.
func (s *Service) UpdateTask(ctx context.Context, p auth.Principal, taskID string, patch TaskPatch) (TaskResult, error) {
	const op = "tasks.update"
	if err := s.requireAction(p, rbac.ActionWriteTask); err != nil {
		return TaskResult{}, err
	}
	if err := validatePatch(&patch); err != nil {
		return TaskResult{}, err
	}

	var (
		result   TaskResult
		assigned bool
	)
	err := s.store.WithTx(ctx, func(tx txStore) error {
		before, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return orNotFound(err, "TASK_NOT_FOUND", "Task not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, before.ProjectID); err != nil {
			return err
		}
		var assigneeID, sprintID, epicID *string
		if patch.Assignee.Set {
			assigneeID = patch.Assignee.ID
		}
		if patch.Sprint.Set {
			sprintID = patch.Sprint.ID
		}
		if patch.Epic.Set {
			epicID = patch.Epic.ID
		}
		if err := s.validateReferences(ctx, tx, before.ProjectID, assigneeID, sprintID, epicID); err != nil {
			return err
		}

		now := s.now()
		after := applyPatch(before, patch, now)
		if patch.Sprint.Set && !sameID(before.SprintID, after.SprintID) && patch.Order == nil {
			order, err := nextOrderIn(ctx, tx, after.ProjectID, after.SprintID)
			if err != nil {
				return err
			}
			after.SortOrder = order
		}

		labels, err := s.activityLabels(ctx, tx, before, after)
		if err != nil {
			return err
		}
		changes := activity.Diff(snapshotOf(before), activityPatch(patch), labels)

		updated, err := tx.UpdateTask(ctx, after)
		if err != nil {
			return err
		}
		entries, err := recordActivities(ctx, tx, updated.ID, p.UserID, now, changes)
		if err != nil {
			return err
		}

		assigned = patch.Assignee.Set && !sameID(before.AssigneeID, updated.AssigneeID) && updated.AssigneeID != nil
		result = TaskResult{Task: updated, Activities: entries}
		return nil
	})
	if err != nil {
		return TaskResult{}, s.finish(op, err)
	}

	if assigned && *result.Task.AssigneeID != p.UserID {
		s.dispatchAssignment(ctx, p, result.Task)
	}
	s.indexTask(result.Task)
	return result, nil
}

func (s *Service) DeleteTask(ctx context.Context, p auth.Principal, taskID string) error {
	const op = "tasks.delete"
	if err := s.requireAction(p, rbac.ActionWriteTask); err != nil {
		return err
	}
	var objectKeys []string
	err := s.store.WithTx(ctx, func(tx txStore) error {
		task, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return orNotFound(err, "TASK_NOT_FOUND", "Task not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, task.ProjectID); err != nil {
			return err
		}
		objectKeys, err = tx.DeleteTask(ctx, taskID)
		return err
	})
	if err != nil {
		return s.finish(op, err)
	}

	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	s.removeObjects(ctx, op, objectKeys)
	return nil
}

// DeleteEpic removes the epic and keeps its tasks with a cleared epic link.
func (s *Service) DeleteEpic(ctx context.Context, p auth.Principal, epicID string) (int64, error) {
	const op = "epics.delete"
	if err := s.requireAction(p, rbac.ActionManageEpic); err != nil {
		return 0, err
	}
	var detached int64
	err := s.store.WithTx(ctx, func(tx txStore) error {
		epic, err := tx.GetEpic(ctx, epicID)
		if err != nil {
			return orNotFound(err, "EPIC_NOT_FOUND", "Epic not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, epic.ProjectID); err != nil {
			return err
		}
		detached, err = tx.DeleteEpic(ctx, epicID)
		return err
	})
	return detached, s.finish(op, err)
}

// ListActivity returns the audit trail of a task, newest first.
func (s *Service) ListActivity(ctx context.Context, p auth.Principal, taskID string) ([]store.Activity, error) {
	const op = "tasks.activity"
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, s.finish(op, orNotFound(err, "TASK_NOT_FOUND", "Task not found"))
	}
	if err := s.requireProjectAccess(ctx, s.store, p, task.ProjectID); err != nil {
		return nil, s.finish(op, err)
	}
	items, err := s.store.ListActivities(ctx, taskID)
	if err != nil {
		return nil, s.finish(op, err)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, p auth.Principal, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if !isAdmin(p) {
		if q.FilterProjectID == "" {
			return search.Response{}, validation("PROJECT_REQUIRED", "Members must search within a project", nil)
		}
		if err := s.requireProjectAccess(ctx, s.store, p, q.FilterProjectID); err != nil {
			return search.Response{}, s.finish("search", err)
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	record := search.TaskRecord{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
	}
	if task.TaskKey != nil {
		record.TaskKey = *task.TaskKey
	}
	s.search.IndexTask(record)
}

func (s *Service) removeObjects(ctx context.Context, op string, keys []string) {
	if s.blobs == nil || len(keys) == 0 {
		return
	}
	removed, err := s.blobs.RemoveObjects(ctx, keys)
	log := s.log.WithField("operation", op).WithField("removed", removed)
	if err != nil {
		log.WithError(err).Warn("attachment cleanup incomplete")
		return
	}
	log.Debug("attachment objects removed")
}

// validateReferences checks ids that are about to be written. Nil ids are skipped.
func (s *Service) validateReferences(ctx context.Context, tx txStore, projectID string, assigneeID, sprintID, epicID *string) error {
	if assigneeID != nil {
		user, err := tx.GetUser(ctx, *assigneeID)
		if err != nil {
			return orValidation(err, "INVALID_ASSIGNEE", "Assignee does not exist")
		}
		if !isAdmin(auth.Principal{Role: user.Role}) {
			member, err := tx.IsProjectMember(ctx, projectID, user.ID)
			if err != nil {
				return err
			}
			if !member {
				return validation("INVALID_ASSIGNEE", "Assignee is not a member of this project", nil)
			}
		}
	}
	if sprintID != nil {
		sprint, err := tx.GetSprint(ctx, *sprintID)
		if err != nil {
			return orValidation(err, "INVALID_SPRINT", "Sprint does not exist")
		}
		if sprint.ProjectID != projectID {
			return validation("INVALID_SPRINT", "Sprint belongs to another project", nil)
		}
	}
	if epicID != nil {
		epic, err := tx.GetEpic(ctx, *epicID)
		if err != nil {
			return orValidation(err, "INVALID_EPIC", "Epic does not exist")
		}
		if epic.ProjectID != projectID {
			return validation("INVALID_EPIC", "Epic belongs to another project", nil)
		}
	}
	return nil
}

func orValidation(err error, code, message string) error {
	if KindOf(err) == KindNotFound {
		return validation(code, message, nil)
	}
	return err
}

func validatePatch(patch *TaskPatch) error {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return validation("TITLE_REQUIRED", "Title cannot be blank", nil)
		}
		patch.Title = &title
	}
	if patch.Order != nil && *patch.Order < 0 {
		return validation("INVALID_ORDER", "Order must be non-negative", nil)
	}
	return validateEnums(patch.Status, patch.Priority)
}

// validateEnums normalizes the values in place to upper case.
func validateEnums(status, priority *string) error {
	if status != nil {
		*status = strings.ToUpper(strings.TrimSpace(*status))
		if _, ok := allowedTaskStatuses[*status]; !ok {
			return validation("INVALID_STATUS", "Unknown status", map[string]any{"status": *status})
		}
	}
	if priority != nil {
		*priority = strings.ToUpper(strings.TrimSpace(*priority))
		if _, ok := allowedTaskPriorities[*priority]; !ok {
			return validation("INVALID_PRIORITY", "Unknown priority", map[string]any{"priority": *priority})
		}
	}
	return nil
}

func applyPatch(t store.Task, patch TaskPatch, now time.Time) store.Task {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Team != nil {
		t.Team = strings.TrimSpace(*patch.Team)
	}
	if patch.Order != nil {
		t.SortOrder = *patch.Order
	}
	if patch.Epic.Set {
		t.EpicID = patch.Epic.ID
	}
	if patch.Sprint.Set {
		t.SprintID = patch.Sprint.ID
	}
	if patch.Assignee.Set && !sameID(t.AssigneeID, patch.Assignee.ID) {
		t.AssigneeID = patch.Assignee.ID
		if t.AssigneeID == nil {
			t.AssignedAt = nil
		} else {
			t.AssignedAt = &now
		}
	}
	return t
}

func snapshotOf(t store.Task) activity.Snapshot {
	return activity.Snapshot{
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		AssigneeID:  t.AssigneeID,
		SprintID:    t.SprintID,
	}
}

func activityPatch(patch TaskPatch) activity.Patch {
	return activity.Patch{
		Description: patch.Description,
		Status:      patch.Status,
		Priority:    patch.Priority,
		AssigneeSet: patch.Assignee.Set,
		AssigneeID:  patch.Assignee.ID,
		SprintSet:   patch.Sprint.Set,
		SprintID:    patch.Sprint.ID,
	}
}

// activityLabels preloads the names the diff may need for both snapshots.
func (s *Service) activityLabels(ctx context.Context, tx txStore, before, after store.Task) (activity.Labels, error) {
	var userIDs []string
	for _, id := range []*string{before.AssigneeID, after.AssigneeID} {
		if id != nil {
			userIDs = append(userIDs, *id)
		}
	}
	users, err := tx.ListUsersByIDs(ctx, userIDs)
	if err != nil {
		return activity.Labels{}, err
	}
	userNames := make(map[string]string, len(users))
	for _, u := range users {
		userNames[u.ID] = u.DisplayName
	}

	sprintNames := map[string]string{}
	for _, id := range []*string{before.SprintID, after.SprintID} {
		if id == nil {
			continue
		}
		if _, ok := sprintNames[*id]; ok {
			continue
		}
		sprint, err := tx.GetSprint(ctx, *id)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return activity.Labels{}, err
		}
		sprintNames[sprint.ID] = sprint.Name
	}

	return activity.Labels{
		UserName:   func(id string) string { return userNames[id] },
		SprintName: func(id string) string { return sprintNames[id] },
	}, nil
}

// recordActivities writes one row per change. Timestamps step by a
// microsecond so newest-first listing keeps declaration order reversed.
func recordActivities(ctx context.Context, tx txStore, taskID, userID string, at time.Time, changes []activity.Change) ([]store.Activity, error) {
	entries := make([]store.Activity, 0, len(changes))
	for i, change := range changes {
		metadata, err := change.Metadata()
		if err != nil {
			return nil, err
		}
		entry, err := tx.InsertActivity(ctx, store.Activity{
			ID:        util.NewID("act"),
			TaskID:    taskID,
			Type:      string(change.Type),
			Metadata:  metadata,
			UserID:    userID,
			CreatedAt: at.Add(time.Duration(i) * time.Microsecond),
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
