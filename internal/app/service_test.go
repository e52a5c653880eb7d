package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tracker/api/internal/auth"
	"tracker/api/internal/config"
	"tracker/api/internal/outbox"
	"tracker/api/internal/search"
	"tracker/api/internal/session"
	"tracker/api/internal/store"
)

type fakeSessions struct {
	tokens     map[string]auth.Principal
	revoked    []string
	revokeErr  error
	issueCount int
}

func (f *fakeSessions) Issue(_ context.Context, p auth.Principal) (string, error) {
	f.issueCount++
	token := "tok_" + p.UserID
	f.tokens[token] = p
	return token, nil
}

func (f *fakeSessions) Lookup(_ context.Context, token string) (auth.Principal, error) {
	p, ok := f.tokens[token]
	if !ok {
		return auth.Principal{}, session.ErrSessionNotFound
	}
	return p, nil
}

func (f *fakeSessions) RevokeUser(_ context.Context, userID string) (int, error) {
	if f.revokeErr != nil {
		return 0, f.revokeErr
	}
	f.revoked = append(f.revoked, userID)
	n := 0
	for token, p := range f.tokens {
		if p.UserID == userID {
			delete(f.tokens, token)
			n++
		}
	}
	return n, nil
}

type fakeBlobs struct {
	removed []string
	err     error
}

func (f *fakeBlobs) RemoveObjects(_ context.Context, keys []string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.removed = append(f.removed, keys...)
	return len(keys), nil
}

type fakeSearch struct {
	indexed []search.TaskRecord
	deleted []string
	queries []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{Type: search.ResultTask, ID: "tsk_hit"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexTask(r search.TaskRecord) { f.indexed = append(f.indexed, r) }
func (f *fakeSearch) DeleteTask(id string)          { f.deleted = append(f.deleted, id) }

type fakeOutbox struct {
	messages []outbox.Message
	full     bool
}

func (f *fakeOutbox) Enqueue(msg outbox.Message) bool {
	if f.full {
		return false
	}
	f.messages = append(f.messages, msg)
	return true
}

type testEnv struct {
	svc      *Service
	store    *fakeStore
	sessions *fakeSessions
	blobs    *fakeBlobs
	search   *fakeSearch
	outbox   *fakeOutbox
	now      time.Time
}

var (
	admin    = auth.Principal{UserID: "usr_admin", Name: "Ada Lovelace", Role: "ADMIN"}
	heir     = auth.Principal{UserID: "usr_heir", Name: "Hedy Lamarr", Role: "ADMIN"}
	bob      = auth.Principal{UserID: "usr_bob", Name: "Bob Smith", Role: "MEMBER"}
	carol    = auth.Principal{UserID: "usr_carol", Name: "Carol", Role: "MEMBER"}
	outsider = auth.Principal{UserID: "usr_out", Name: "Oscar", Role: "MEMBER"}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStore()
	fs.addUser(admin.UserID, admin.Name, admin.Role)
	fs.addUser(heir.UserID, heir.Name, heir.Role)
	fs.addUser(bob.UserID, bob.Name, bob.Role)
	fs.addUser(carol.UserID, carol.Name, carol.Role)
	fs.addUser(outsider.UserID, outsider.Name, outsider.Role)
	fs.addProject("prj_web", "WEB", bob.UserID, carol.UserID)
	fs.addProject("prj_ops", "OPS", outsider.UserID)
	fs.addSprint("spr_1", "prj_web", "Sprint 1")
	fs.addSprint("spr_ops", "prj_ops", "Ops Sprint")
	fs.addEpic("epc_1", "prj_web")

	env := &testEnv{
		store:    fs,
		sessions: &fakeSessions{tokens: map[string]auth.Principal{}},
		blobs:    &fakeBlobs{},
		search:   &fakeSearch{},
		outbox:   &fakeOutbox{},
		now:      time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	env.svc = newService(config.Config{BaseURL: "http://tracker.test"}, fs, Options{
		Sessions: env.sessions,
		Blobs:    env.blobs,
		Search:   env.search,
		Outbox:   env.outbox,
		Logger:   log,
	})
	env.svc.now = func() time.Time { return env.now }
	return env
}

func strPtr(s string) *string { return &s }

func expectKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with code %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %s, want %s", domainErr.Code, code)
	}
}

func (env *testEnv) createTask(t *testing.T, p auth.Principal, input CreateTaskInput) store.Task {
	t.Helper()
	if input.Title == "" {
		input.Title = "Task"
	}
	result, err := env.svc.CreateTask(context.Background(), p, "prj_web", input)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return result.Task
}

func TestFormatTaskKey(t *testing.T) {
	tests := []struct {
		key    string
		number int
		want   string
	}{
		{key: "WEB", number: 1, want: "WEB-001"},
		{key: "WEB", number: 42, want: "WEB-042"},
		{key: "OPS", number: 999, want: "OPS-999"},
		{key: "OPS", number: 1000, want: "OPS-1000"},
	}
	for _, tt := range tests {
		if got := FormatTaskKey(tt.key, tt.number); got != tt.want {
			t.Errorf("FormatTaskKey(%q, %d) = %q, want %q", tt.key, tt.number, got, tt.want)
		}
	}
}

func TestIssueTaskKeyIsSequential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, want := range []string{"WEB-001", "WEB-002", "WEB-003"} {
		key, err := env.svc.IssueTaskKey(ctx, bob, "prj_web")
		if err != nil {
			t.Fatalf("IssueTaskKey() error = %v", err)
		}
		if key.Key != want || key.Number != i+1 {
			t.Fatalf("key = %+v, want %s", key, want)
		}
	}
	if got := env.store.data.projects["prj_web"].TaskCounter; got != 3 {
		t.Fatalf("task counter = %d, want 3", got)
	}
}

func TestIssueTaskKeyErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.IssueTaskKey(ctx, admin, "prj_missing")
	expectKind(t, err, KindNotFound)

	_, err = env.svc.IssueTaskKey(ctx, outsider, "prj_web")
	expectKind(t, err, KindForbidden)
	if got := env.store.data.projects["prj_web"].TaskCounter; got != 0 {
		t.Fatalf("forbidden caller consumed a number: counter = %d", got)
	}
}

func TestCreateTaskIssuesKeyOrderAndActivity(t *testing.T) {
	env := newTestEnv(t)

	first := env.createTask(t, bob, CreateTaskInput{Title: "First"})
	second := env.createTask(t, bob, CreateTaskInput{Title: "Second"})
	sprinted := env.createTask(t, bob, CreateTaskInput{Title: "In sprint", SprintID: strPtr("spr_1")})

	if *first.TaskKey != "WEB-001" || *second.TaskKey != "WEB-002" || *sprinted.TaskKey != "WEB-003" {
		t.Fatalf("unexpected keys: %s %s %s", *first.TaskKey, *second.TaskKey, *sprinted.TaskKey)
	}
	if first.SortOrder != 0 || second.SortOrder != 1 {
		t.Fatalf("backlog orders = %d,%d, want 0,1", first.SortOrder, second.SortOrder)
	}
	if sprinted.SortOrder != 0 {
		t.Fatalf("sprint scope order = %d, want 0", sprinted.SortOrder)
	}
	if first.Status != "TODO" || first.Priority != "MEDIUM" {
		t.Fatalf("defaults not applied: %s/%s", first.Status, first.Priority)
	}

	items, err := env.svc.ListActivity(context.Background(), bob, first.ID)
	if err != nil {
		t.Fatalf("ListActivity() error = %v", err)
	}
	if len(items) != 1 || items[0].Type != "CREATED" {
		t.Fatalf("expected one CREATED activity, got %+v", items)
	}
	if len(env.search.indexed) != 3 || env.search.indexed[0].TaskKey != "WEB-001" {
		t.Fatalf("expected tasks to be indexed, got %+v", env.search.indexed)
	}
}

func TestCreateTaskRollsBackCounterOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.fail["InsertActivity"] = errors.New("disk full")

	_, err := env.svc.CreateTask(context.Background(), bob, "prj_web", CreateTaskInput{Title: "Broken"})
	expectKind(t, err, KindInternal)
	if got := env.store.data.projects["prj_web"].TaskCounter; got != 0 {
		t.Fatalf("counter = %d after rollback, want 0", got)
	}
	if len(env.store.data.tasks) != 0 {
		t.Fatalf("task survived rollback")
	}
}

func TestDeletedTaskNumberIsNotReused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createTask(t, bob, CreateTaskInput{})
	doomed := env.createTask(t, bob, CreateTaskInput{})
	if err := env.svc.DeleteTask(ctx, bob, doomed.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	next := env.createTask(t, bob, CreateTaskInput{})
	if *next.TaskKey != "WEB-003" {
		t.Fatalf("key = %s, want WEB-003", *next.TaskKey)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		p     auth.Principal
		input CreateTaskInput
		kind  Kind
		code  string
	}{
		{name: "blank title", p: bob, input: CreateTaskInput{Title: "  "}, kind: KindValidation, code: "TITLE_REQUIRED"},
		{name: "bad status", p: bob, input: CreateTaskInput{Title: "x", Status: "LATER"}, kind: KindValidation, code: "INVALID_STATUS"},
		{name: "bad priority", p: bob, input: CreateTaskInput{Title: "x", Priority: "MEH"}, kind: KindValidation, code: "INVALID_PRIORITY"},
		{name: "foreign sprint", p: bob, input: CreateTaskInput{Title: "x", SprintID: strPtr("spr_ops")}, kind: KindValidation, code: "INVALID_SPRINT"},
		{name: "non member assignee", p: bob, input: CreateTaskInput{Title: "x", AssigneeID: strPtr(outsider.UserID)}, kind: KindValidation, code: "INVALID_ASSIGNEE"},
		{name: "non member caller", p: outsider, input: CreateTaskInput{Title: "x"}, kind: KindForbidden, code: "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateTask(ctx, tt.p, "prj_web", tt.input)
			expectKind(t, err, tt.kind)
			expectCode(t, err, tt.code)
		})
	}
	if got := env.store.data.projects["prj_web"].TaskCounter; got != 0 {
		t.Fatalf("rejected creates consumed numbers: counter = %d", got)
	}
}

func TestUpdateTaskRecordsActivitiesInFieldOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, admin, CreateTaskInput{Title: "Login", Description: "old"})
	env.now = env.now.Add(time.Minute)

	result, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{
		Sprint:      SetID("spr_1"),
		Assignee:    SetID(bob.UserID),
		Priority:    strPtr("high"),
		Status:      strPtr("IN_PROGRESS"),
		Description: strPtr("new"),
	})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	want := []struct {
		kind, from, to string
	}{
		{"DESCRIPTION_UPDATED", "old", "new"},
		{"STATUS_CHANGED", "TODO", "IN_PROGRESS"},
		{"PRIORITY_CHANGED", "MEDIUM", "HIGH"},
		{"ASSIGNED", "Unassigned", "Bob Smith"},
		{"MOVED_TO_SPRINT", "Backlog", "Sprint 1"},
	}
	if len(result.Activities) != len(want) {
		t.Fatalf("got %d activities, want %d: %+v", len(result.Activities), len(want), result.Activities)
	}
	for i, w := range want {
		got := result.Activities[i]
		if got.Type != w.kind || got.Metadata["from"] != w.from || got.Metadata["to"] != w.to {
			t.Errorf("activity %d = %s %v, want %s %s->%s", i, got.Type, got.Metadata, w.kind, w.from, w.to)
		}
	}

	listed, err := env.svc.ListActivity(ctx, admin, task.ID)
	if err != nil {
		t.Fatalf("ListActivity() error = %v", err)
	}
	if listed[0].Type != "MOVED_TO_SPRINT" || listed[len(listed)-1].Type != "CREATED" {
		t.Fatalf("activity not newest first: %s ... %s", listed[0].Type, listed[len(listed)-1].Type)
	}
}

func TestUpdateTaskWithoutChangesRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, bob, CreateTaskInput{Title: "Same"})

	result, err := env.svc.UpdateTask(context.Background(), bob, task.ID, TaskPatch{
		Status:   strPtr("TODO"),
		Assignee: Clear(),
		Sprint:   Clear(),
		Title:    strPtr("Renamed"),
	})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if len(result.Activities) != 0 {
		t.Fatalf("expected no activities, got %+v", result.Activities)
	}
	if result.Task.Title != "Renamed" {
		t.Fatalf("title = %q, want Renamed", result.Task.Title)
	}
}

func TestUpdateTaskKeepsAssignedAtConsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, admin, CreateTaskInput{})

	assigned, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{Assignee: SetID(bob.UserID)})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Task.AssignedAt == nil || !assigned.Task.AssignedAt.Equal(env.now) {
		t.Fatalf("assignedAt = %v, want %v", assigned.Task.AssignedAt, env.now)
	}

	env.now = env.now.Add(time.Hour)
	same, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{Assignee: SetID(bob.UserID)})
	if err != nil {
		t.Fatalf("reassign same: %v", err)
	}
	if !same.Task.AssignedAt.Equal(env.now.Add(-time.Hour)) {
		t.Fatalf("assignedAt moved on a no-op assignment: %v", same.Task.AssignedAt)
	}

	cleared, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{Assignee: Clear()})
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if cleared.Task.AssigneeID != nil || cleared.Task.AssignedAt != nil {
		t.Fatalf("expected assignee and assignedAt cleared, got %v %v", cleared.Task.AssigneeID, cleared.Task.AssignedAt)
	}
	if len(cleared.Activities) != 1 || cleared.Activities[0].Metadata["to"] != "Unassigned" {
		t.Fatalf("unexpected unassign activity: %+v", cleared.Activities)
	}
}

func TestUpdateTaskMovingSprintAppendsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createTask(t, bob, CreateTaskInput{SprintID: strPtr("spr_1")})
	env.createTask(t, bob, CreateTaskInput{SprintID: strPtr("spr_1")})
	backlog := env.createTask(t, bob, CreateTaskInput{})

	moved, err := env.svc.UpdateTask(ctx, bob, backlog.ID, TaskPatch{Sprint: SetID("spr_1")})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if moved.Task.SortOrder != 2 {
		t.Fatalf("order = %d, want 2", moved.Task.SortOrder)
	}

	explicit := env.createTask(t, bob, CreateTaskInput{})
	placed, err := env.svc.UpdateTask(ctx, bob, explicit.ID, TaskPatch{Sprint: SetID("spr_1"), Order: intPtr(0)})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if placed.Task.SortOrder != 0 {
		t.Fatalf("explicit order = %d, want 0", placed.Task.SortOrder)
	}
}

func intPtr(v int) *int { return &v }

func TestUpdateTaskErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, bob, CreateTaskInput{})

	_, err := env.svc.UpdateTask(ctx, bob, "tsk_missing", TaskPatch{Status: strPtr("DONE")})
	expectKind(t, err, KindNotFound)

	_, err = env.svc.UpdateTask(ctx, outsider, task.ID, TaskPatch{Status: strPtr("DONE")})
	expectKind(t, err, KindForbidden)

	_, err = env.svc.UpdateTask(ctx, bob, task.ID, TaskPatch{Status: strPtr("SOMEDAY")})
	expectKind(t, err, KindValidation)

	_, err = env.svc.UpdateTask(ctx, bob, task.ID, TaskPatch{Epic: SetID("epc_missing")})
	expectCode(t, err, "INVALID_EPIC")

	if got := env.store.data.tasks[task.ID].Status; got != "TODO" {
		t.Fatalf("status changed by failed updates: %s", got)
	}
}

func TestUpdateTaskRollsBackOnActivityFailure(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, bob, CreateTaskInput{})
	env.store.fail["InsertActivity"] = errors.New("constraint")

	_, err := env.svc.UpdateTask(context.Background(), bob, task.ID, TaskPatch{Status: strPtr("DONE")})
	expectKind(t, err, KindInternal)
	if got := env.store.data.tasks[task.ID].Status; got != "TODO" {
		t.Fatalf("status = %s after rollback, want TODO", got)
	}
}

func TestAssignmentDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, admin, CreateTaskInput{Title: "Fix login"})

	if _, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{Assignee: SetID(bob.UserID)}); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	notes, _ := env.store.ListNotifications(ctx, bob.UserID, false)
	if len(notes) != 1 || notes[0].Type != NotificationAssigned || *notes[0].TaskID != task.ID {
		t.Fatalf("expected one ASSIGNED notification, got %+v", notes)
	}
	if len(env.outbox.messages) != 1 {
		t.Fatalf("expected one email, got %d", len(env.outbox.messages))
	}
	msg := env.outbox.messages[0]
	if msg.To != "usr_bob@example.com" || msg.Assignment == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	wantLink := "http://tracker.test/projects/prj_web/tasks/" + task.ID
	if msg.Assignment.Link != wantLink || msg.Assignment.TaskKey != "WEB-001" || msg.Assignment.AssignerName != "Ada Lovelace" {
		t.Fatalf("unexpected payload: %+v", msg.Assignment)
	}
}

func TestAssignmentDispatchSkipsSelfAndUnassign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, bob, CreateTaskInput{})

	if _, err := env.svc.UpdateTask(ctx, bob, task.ID, TaskPatch{Assignee: SetID(bob.UserID)}); err != nil {
		t.Fatalf("self assign: %v", err)
	}
	if _, err := env.svc.UpdateTask(ctx, bob, task.ID, TaskPatch{Assignee: Clear()}); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(env.store.data.notifications) != 0 || len(env.outbox.messages) != 0 {
		t.Fatalf("expected no dispatch, got %d notifications %d emails", len(env.store.data.notifications), len(env.outbox.messages))
	}
}

func TestCreateTaskWithAssigneeDispatches(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, admin, CreateTaskInput{AssigneeID: strPtr(carol.UserID)})

	if len(env.store.data.notifications) != 1 || env.store.data.notifications[0].UserID != carol.UserID {
		t.Fatalf("expected carol to be notified, got %+v", env.store.data.notifications)
	}
}

func TestAssignmentDispatchFailureDoesNotFailUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, admin, CreateTaskInput{})
	env.store.fail["InsertNotification"] = errors.New("notifications table locked")
	env.outbox.full = true

	result, err := env.svc.UpdateTask(ctx, admin, task.ID, TaskPatch{Assignee: SetID(bob.UserID)})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if result.Task.AssigneeID == nil || *result.Task.AssigneeID != bob.UserID {
		t.Fatalf("assignment not committed: %+v", result.Task)
	}
}

func TestReorder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createTask(t, bob, CreateTaskInput{})
	b := env.createTask(t, bob, CreateTaskInput{})
	c := env.createTask(t, bob, CreateTaskInput{})
	backlog := store.Scope{Kind: store.ScopeTask, ProjectID: "prj_web"}

	if err := env.svc.Reorder(ctx, bob, backlog, []string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	for id, want := range map[string]int{c.ID: 0, a.ID: 1, b.ID: 2} {
		if got := env.store.data.tasks[id].SortOrder; got != want {
			t.Errorf("order[%s] = %d, want %d", id, got, want)
		}
	}

	next, err := env.svc.AppendOrder(ctx, bob, backlog)
	if err != nil {
		t.Fatalf("AppendOrder() error = %v", err)
	}
	if next != 3 {
		t.Fatalf("next = %d, want 3", next)
	}
}

func TestReorderRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createTask(t, bob, CreateTaskInput{})
	inSprint := env.createTask(t, bob, CreateTaskInput{SprintID: strPtr("spr_1")})
	backlog := store.Scope{Kind: store.ScopeTask, ProjectID: "prj_web"}

	tests := []struct {
		name  string
		scope store.Scope
		ids   []string
		kind  Kind
		code  string
	}{
		{name: "empty", scope: backlog, ids: nil, kind: KindValidation, code: "EMPTY_ORDER"},
		{name: "duplicate", scope: backlog, ids: []string{a.ID, a.ID}, kind: KindValidation, code: "DUPLICATE_ID"},
		{name: "other scope", scope: backlog, ids: []string{inSprint.ID, a.ID}, kind: KindValidation, code: "NOT_IN_SCOPE"},
		{name: "unknown kind", scope: store.Scope{Kind: "board", ProjectID: "prj_web"}, ids: []string{a.ID}, kind: KindValidation, code: "INVALID_SCOPE"},
		{name: "unknown project", scope: store.Scope{Kind: store.ScopeTask, ProjectID: "prj_nope"}, ids: []string{a.ID}, kind: KindNotFound, code: "PROJECT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.Reorder(ctx, bob, tt.scope, tt.ids)
			expectKind(t, err, tt.kind)
			expectCode(t, err, tt.code)
		})
	}
	if env.store.data.tasks[inSprint.ID].SortOrder != 0 || env.store.data.tasks[a.ID].SortOrder != 0 {
		t.Fatalf("rejected reorder changed orders")
	}
}

func TestAppendOrderEmptyScopeAndErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	next, err := env.svc.AppendOrder(ctx, bob, store.Scope{Kind: store.ScopeEpic, ProjectID: "prj_web"})
	if err != nil {
		t.Fatalf("AppendOrder() error = %v", err)
	}
	if next != 1 {
		t.Fatalf("epic next = %d, want 1", next)
	}

	next, err = env.svc.AppendOrder(ctx, bob, store.Scope{Kind: store.ScopeFolder, ProjectID: "prj_web"})
	if err != nil || next != 0 {
		t.Fatalf("empty folder scope: next=%d err=%v", next, err)
	}

	_, err = env.svc.AppendOrder(ctx, bob, store.Scope{Kind: store.ScopeTask, ProjectID: "prj_gone"})
	expectKind(t, err, KindNotFound)

	env.store.data.ordered[store.ScopeFolder]["fld_web"] = orderedRow{ProjectID: "prj_web"}
	env.store.data.ordered[store.ScopeFolder]["fld_ops"] = orderedRow{ProjectID: "prj_ops"}
	next, err = env.svc.AppendOrder(ctx, bob, store.Scope{Kind: store.ScopeDocument, ProjectID: "prj_web", ParentID: strPtr("fld_web")})
	if err != nil || next != 0 {
		t.Fatalf("empty folder: next=%d err=%v", next, err)
	}

	badParents := []struct {
		name  string
		p     auth.Principal
		scope store.Scope
	}{
		{name: "missing sprint", p: bob, scope: store.Scope{Kind: store.ScopeTask, ProjectID: "prj_web", ParentID: strPtr("spr_missing")}},
		{name: "other project's sprint", p: admin, scope: store.Scope{Kind: store.ScopeTask, ProjectID: "prj_web", ParentID: strPtr("spr_ops")}},
		{name: "missing folder", p: bob, scope: store.Scope{Kind: store.ScopeFolder, ProjectID: "prj_web", ParentID: strPtr("fld_gone")}},
		{name: "other project's folder", p: admin, scope: store.Scope{Kind: store.ScopeDocument, ProjectID: "prj_web", ParentID: strPtr("fld_ops")}},
	}
	for _, tt := range badParents {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.AppendOrder(ctx, tt.p, tt.scope)
			expectKind(t, err, KindNotFound)
			expectCode(t, err, "SCOPE_NOT_FOUND")
		})
	}

	err = env.svc.Reorder(ctx, admin, store.Scope{Kind: store.ScopeTask, ProjectID: "prj_web", ParentID: strPtr("spr_ops")}, []string{"tsk_x"})
	expectCode(t, err, "SCOPE_NOT_FOUND")
}

func TestCommentMentions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, bob, CreateTaskInput{})

	result, err := env.svc.CreateComment(ctx, admin, task.ID, "@bob.smith can you pair with @CAROL? cc @nobody @oscar @Ada.Lovelace")
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if result.Mentions != 2 {
		t.Fatalf("mentions = %d, want 2", result.Mentions)
	}
	got := map[string]string{}
	for _, n := range env.store.data.notifications {
		got[n.UserID] = n.Type
		if n.CommentID == nil || *n.CommentID != result.Comment.ID {
			t.Fatalf("notification missing comment link: %+v", n)
		}
	}
	if got[bob.UserID] != NotificationMention || got[carol.UserID] != NotificationMention {
		t.Fatalf("expected bob and carol to be mentioned, got %v", got)
	}
	if _, ok := got[admin.UserID]; ok {
		t.Fatal("author was notified of their own mention")
	}
	if _, ok := got[outsider.UserID]; ok {
		t.Fatal("user without project access was notified")
	}
}

func TestCommentMentionsMatchEmailLocalPart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dan := env.store.addUser("usr_dan", "Daniel Jones", "MEMBER")
	dan.Email = "dj@example.com"
	env.store.data.users[dan.ID] = dan
	env.store.data.members["prj_web"][dan.ID] = true
	task := env.createTask(t, bob, CreateTaskInput{})

	result, err := env.svc.CreateComment(ctx, admin, task.ID, "ping @dj")
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if result.Mentions != 1 {
		t.Fatalf("mentions = %d, want 1", result.Mentions)
	}
	if n := env.store.data.notifications[0]; n.UserID != dan.ID || n.Type != NotificationMention {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestCommentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, bob, CreateTaskInput{})

	_, err := env.svc.CreateComment(ctx, bob, task.ID, "   ")
	expectCode(t, err, "BODY_REQUIRED")

	_, err = env.svc.CreateComment(ctx, bob, "tsk_missing", "hello")
	expectKind(t, err, KindNotFound)

	_, err = env.svc.CreateComment(ctx, outsider, task.ID, "hello")
	expectKind(t, err, KindForbidden)

	_, err = env.svc.CreateComment(ctx, bob, task.ID, strings.Repeat("a", maxCommentLength+1))
	expectCode(t, err, "BODY_TOO_LONG")

	// 10000 characters but 20000 bytes.
	if _, err := env.svc.CreateComment(ctx, bob, task.ID, strings.Repeat("é", maxCommentLength)); err != nil {
		t.Fatalf("multibyte comment at the limit rejected: %v", err)
	}
}

func TestMarkNotificationsRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, admin, CreateTaskInput{})
	if _, err := env.svc.CreateComment(ctx, admin, task.ID, "@bob.smith first"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := env.svc.CreateComment(ctx, admin, task.ID, "@bob.smith second @carol"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	unread, err := env.svc.ListNotifications(ctx, bob, true)
	if err != nil || len(unread) != 2 {
		t.Fatalf("unread = %d (%v), want 2", len(unread), err)
	}
	carolNotes, _ := env.svc.ListNotifications(ctx, carol, false)

	n, err := env.svc.MarkNotificationsRead(ctx, bob, []string{unread[0].ID, carolNotes[0].ID})
	if err != nil {
		t.Fatalf("MarkNotificationsRead() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("updated = %d, want 1 (foreign id ignored)", n)
	}
	if still, _ := env.svc.ListNotifications(ctx, carol, true); len(still) != 1 {
		t.Fatal("another user's notification was marked read")
	}

	n, err = env.svc.MarkAllNotificationsRead(ctx, bob)
	if err != nil || n != 1 {
		t.Fatalf("MarkAllNotificationsRead() = %d, %v; want 1", n, err)
	}
	if again, _ := env.svc.MarkAllNotificationsRead(ctx, bob); again != 0 {
		t.Fatalf("second mark-all updated %d rows", again)
	}

	_, err = env.svc.MarkNotificationsRead(ctx, bob, []string{" "})
	expectCode(t, err, "IDS_REQUIRED")
}

func TestDeleteEpicDetachesTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, bob, CreateTaskInput{EpicID: strPtr("epc_1")})

	detached, err := env.svc.DeleteEpic(ctx, bob, "epc_1")
	if err != nil {
		t.Fatalf("DeleteEpic() error = %v", err)
	}
	if detached != 1 || env.store.data.tasks[task.ID].EpicID != nil {
		t.Fatalf("task not detached: detached=%d epic=%v", detached, env.store.data.tasks[task.ID].EpicID)
	}
	_, err = env.svc.DeleteEpic(ctx, bob, "epc_1")
	expectKind(t, err, KindNotFound)
}

func TestDeleteTaskCleansUpIndexAndBlobs(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, bob, CreateTaskInput{})
	env.store.data.attachments = append(env.store.data.attachments, store.Attachment{
		ID: "att_1", TaskID: task.ID, UploaderID: bob.UserID, ObjectKey: "tasks/att_1.png",
	})

	if err := env.svc.DeleteTask(context.Background(), bob, task.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if len(env.search.deleted) != 1 || env.search.deleted[0] != task.ID {
		t.Fatalf("search index not updated: %v", env.search.deleted)
	}
	if len(env.blobs.removed) != 1 || env.blobs.removed[0] != "tasks/att_1.png" {
		t.Fatalf("blobs not removed: %v", env.blobs.removed)
	}
}

func TestSearchScopesMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Search(ctx, bob, search.Query{Text: "login"})
	expectCode(t, err, "PROJECT_REQUIRED")

	_, err = env.svc.Search(ctx, bob, search.Query{Text: "login", FilterProjectID: "prj_ops"})
	expectKind(t, err, KindForbidden)

	resp, err := env.svc.Search(ctx, bob, search.Query{Text: "login", FilterProjectID: "prj_web"})
	if err != nil || resp.Total != 1 {
		t.Fatalf("member search = %+v, %v", resp, err)
	}

	if _, err := env.svc.Search(ctx, admin, search.Query{Text: "login"}); err != nil {
		t.Fatalf("admin search error = %v", err)
	}

	empty, err := env.svc.Search(ctx, admin, search.Query{Text: "  "})
	if err != nil || len(empty.Results) != 0 {
		t.Fatalf("blank query = %+v, %v", empty, err)
	}
	if len(env.search.queries) != 2 {
		t.Fatalf("backend queried %d times, want 2", len(env.search.queries))
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Authenticate(ctx, "")
	expectKind(t, err, KindUnauthenticated)
	_, err = env.svc.Authenticate(ctx, "tok_unknown")
	expectKind(t, err, KindUnauthenticated)

	token, err := env.svc.IssueSession(ctx, bob.UserID)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	p, err := env.svc.Authenticate(ctx, token)
	if err != nil || p.UserID != bob.UserID || p.Role != "MEMBER" {
		t.Fatalf("Authenticate() = %+v, %v", p, err)
	}
}
