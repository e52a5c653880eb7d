package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"tracker/api/internal/store"
)

type orderedRow struct {
	ProjectID string
	ParentID  *string
	SortOrder int
}

type memData struct {
	users         map[string]store.User
	projects      map[string]store.Project
	members       map[string]map[string]bool
	sprints       map[string]store.Sprint
	epics         map[string]store.Epic
	tasks         map[string]store.Task
	ordered       map[store.ScopeKind]map[string]orderedRow
	activities    []store.Activity
	comments      []store.Comment
	attachments   []store.Attachment
	notifications []store.Notification
	invites       map[string]store.Invite
}

func newMemData() *memData {
	return &memData{
		users:    map[string]store.User{},
		projects: map[string]store.Project{},
		members:  map[string]map[string]bool{},
		sprints:  map[string]store.Sprint{},
		epics:    map[string]store.Epic{},
		tasks:    map[string]store.Task{},
		ordered: map[store.ScopeKind]map[string]orderedRow{
			store.ScopeFolder:   {},
			store.ScopeDocument: {},
		},
		invites: map[string]store.Invite{},
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.projects {
		c.projects[k] = v
	}
	for k, set := range d.members {
		c.members[k] = map[string]bool{}
		for u := range set {
			c.members[k][u] = true
		}
	}
	for k, v := range d.sprints {
		c.sprints[k] = v
	}
	for k, v := range d.epics {
		c.epics[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for kind, rows := range d.ordered {
		for k, v := range rows {
			c.ordered[kind][k] = v
		}
	}
	c.activities = append([]store.Activity(nil), d.activities...)
	c.comments = append([]store.Comment(nil), d.comments...)
	c.attachments = append([]store.Attachment(nil), d.attachments...)
	c.notifications = append([]store.Notification(nil), d.notifications...)
	for k, v := range d.invites {
		v.ProjectIDs = append([]string(nil), v.ProjectIDs...)
		c.invites[k] = v
	}
	return c
}

// fakeStore keeps everything in memory. WithTx snapshots the data and
// restores it when fn fails, so rollback behaves like the database.
type fakeStore struct {
	data    *memData
	fail    map[string]error
	clock   func() time.Time
	seq     int
	txCount int
	pingErr error
}

func newFakeStore() *fakeStore {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := &fakeStore{data: newMemData(), fail: map[string]error{}}
	f.clock = func() time.Time {
		f.seq++
		return base.Add(time.Duration(f.seq) * time.Second)
	}
	return f
}

func (f *fakeStore) injected(op string) error {
	if err, ok := f.fail[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func notFoundErr(op string) error {
	return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx txStore) error) error {
	f.txCount++
	snapshot := f.data.clone()
	if err := fn(f); err != nil {
		f.data = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

// seeding helpers

func (f *fakeStore) addUser(id, name, role string) store.User {
	u := store.User{ID: id, DisplayName: name, Email: strings.ToLower(id) + "@example.com", Role: role, CreatedAt: f.clock()}
	f.data.users[id] = u
	return u
}

func (f *fakeStore) addProject(id, key string, memberIDs ...string) store.Project {
	p := store.Project{ID: id, Key: key, Name: key + " project", CreatedByID: "usr_admin", CreatedAt: f.clock()}
	f.data.projects[id] = p
	f.data.members[id] = map[string]bool{}
	for _, m := range memberIDs {
		f.data.members[id][m] = true
	}
	return p
}

func (f *fakeStore) addSprint(id, projectID, name string) {
	f.data.sprints[id] = store.Sprint{ID: id, ProjectID: projectID, Name: name}
}

func (f *fakeStore) addEpic(id, projectID string) {
	f.data.epics[id] = store.Epic{ID: id, ProjectID: projectID, Title: id, CreatedByID: "usr_admin", CreatedAt: f.clock()}
}

func (f *fakeStore) addTask(t store.Task) {
	if t.Status == "" {
		t.Status = "TODO"
	}
	if t.Priority == "" {
		t.Priority = "MEDIUM"
	}
	t.CreatedAt = f.clock()
	t.UpdatedAt = t.CreatedAt
	f.data.tasks[t.ID] = t
}

// users

func (f *fakeStore) GetUser(_ context.Context, id string) (store.User, error) {
	if err := f.injected("GetUser"); err != nil {
		return store.User{}, err
	}
	u, ok := f.data.users[id]
	if !ok {
		return store.User{}, notFoundErr("get user")
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, u := range f.data.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u, nil
		}
	}
	return store.User{}, notFoundErr("get user by email")
}

func (f *fakeStore) ListUsersByIDs(_ context.Context, ids []string) ([]store.User, error) {
	out := []store.User{}
	for _, id := range ids {
		if u, ok := f.data.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertUser(_ context.Context, u store.User) (store.User, error) {
	for _, existing := range f.data.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return store.User{}, fmt.Errorf("insert user: duplicate email")
		}
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = f.clock()
	f.data.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) LockHeirAdmin(_ context.Context, excludeID string) (store.User, error) {
	var admins []store.User
	for _, u := range f.data.users {
		if u.Role == "ADMIN" && u.ID != excludeID {
			admins = append(admins, u)
		}
	}
	if len(admins) == 0 {
		return store.User{}, notFoundErr("lock heir admin")
	}
	sort.Slice(admins, func(i, j int) bool {
		if admins[i].CreatedAt.Equal(admins[j].CreatedAt) {
			return admins[i].ID < admins[j].ID
		}
		return admins[i].CreatedAt.Before(admins[j].CreatedAt)
	})
	return admins[0], nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id string) error {
	if err := f.injected("DeleteUser"); err != nil {
		return err
	}
	if _, ok := f.data.users[id]; !ok {
		return notFoundErr("delete user")
	}
	delete(f.data.users, id)
	return nil
}

// ordering

func (f *fakeStore) scopeRows(scope store.Scope) map[string]orderedRow {
	rows := map[string]orderedRow{}
	switch scope.Kind {
	case store.ScopeTask:
		for id, t := range f.data.tasks {
			rows[id] = orderedRow{ProjectID: t.ProjectID, ParentID: t.SprintID, SortOrder: t.SortOrder}
		}
	case store.ScopeEpic:
		for id, e := range f.data.epics {
			rows[id] = orderedRow{ProjectID: e.ProjectID, SortOrder: e.SortOrder}
		}
	default:
		for id, r := range f.data.ordered[scope.Kind] {
			rows[id] = r
		}
	}
	out := map[string]orderedRow{}
	for id, r := range rows {
		if r.ProjectID != scope.ProjectID {
			continue
		}
		if scope.Kind != store.ScopeEpic && !sameID(r.ParentID, scope.ParentID) {
			continue
		}
		out[id] = r
	}
	return out
}

func (f *fakeStore) ScopeParentProject(_ context.Context, scope store.Scope) (string, error) {
	if scope.ParentID == nil {
		return scope.ProjectID, nil
	}
	switch scope.Kind {
	case store.ScopeTask:
		if sp, ok := f.data.sprints[*scope.ParentID]; ok {
			return sp.ProjectID, nil
		}
	case store.ScopeFolder, store.ScopeDocument:
		if r, ok := f.data.ordered[store.ScopeFolder][*scope.ParentID]; ok {
			return r.ProjectID, nil
		}
	default:
		return scope.ProjectID, nil
	}
	return "", notFoundErr("scope parent")
}

func (f *fakeStore) NextOrder(_ context.Context, scope store.Scope) (int, error) {
	next := 0
	for _, r := range f.scopeRows(scope) {
		if r.SortOrder+1 > next {
			next = r.SortOrder + 1
		}
	}
	return next, nil
}

func (f *fakeStore) ScopeMembers(_ context.Context, scope store.Scope, ids []string) (map[string]bool, error) {
	rows := f.scopeRows(scope)
	found := map[string]bool{}
	for _, id := range ids {
		if _, ok := rows[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

func (f *fakeStore) SetOrder(_ context.Context, kind store.ScopeKind, ids []string) error {
	if err := f.injected("SetOrder"); err != nil {
		return err
	}
	for index, id := range ids {
		switch kind {
		case store.ScopeTask:
			t := f.data.tasks[id]
			t.SortOrder = index
			f.data.tasks[id] = t
		case store.ScopeEpic:
			e := f.data.epics[id]
			e.SortOrder = index
			f.data.epics[id] = e
		default:
			r := f.data.ordered[kind][id]
			r.SortOrder = index
			f.data.ordered[kind][id] = r
		}
	}
	return nil
}

// projects

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	p, ok := f.data.projects[id]
	if !ok {
		return store.Project{}, notFoundErr("get project")
	}
	return p, nil
}

func (f *fakeStore) ListProjectsByIDs(_ context.Context, ids []string) ([]store.Project, error) {
	out := []store.Project{}
	for _, id := range ids {
		if p, ok := f.data.projects[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) IncrementTaskCounter(_ context.Context, id string) (string, int, error) {
	if err := f.injected("IncrementTaskCounter"); err != nil {
		return "", 0, err
	}
	p, ok := f.data.projects[id]
	if !ok {
		return "", 0, notFoundErr("increment task counter")
	}
	p.TaskCounter++
	f.data.projects[id] = p
	return p.Key, p.TaskCounter, nil
}

func (f *fakeStore) IsProjectMember(_ context.Context, projectID, userID string) (bool, error) {
	return f.data.members[projectID][userID], nil
}

func (f *fakeStore) AddProjectMember(_ context.Context, projectID, userID string) error {
	if f.data.members[projectID] == nil {
		f.data.members[projectID] = map[string]bool{}
	}
	f.data.members[projectID][userID] = true
	return nil
}

func (f *fakeStore) ListProjectAudience(_ context.Context, projectID string) ([]store.User, error) {
	out := []store.User{}
	for _, u := range f.data.users {
		if u.Role == "ADMIN" || f.data.members[projectID][u.ID] {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetSprint(_ context.Context, id string) (store.Sprint, error) {
	s, ok := f.data.sprints[id]
	if !ok {
		return store.Sprint{}, notFoundErr("get sprint")
	}
	return s, nil
}

func (f *fakeStore) GetEpic(_ context.Context, id string) (store.Epic, error) {
	e, ok := f.data.epics[id]
	if !ok {
		return store.Epic{}, notFoundErr("get epic")
	}
	return e, nil
}

func (f *fakeStore) DeleteEpic(_ context.Context, id string) (int64, error) {
	if _, ok := f.data.epics[id]; !ok {
		return 0, notFoundErr("delete epic")
	}
	var detached int64
	for tid, t := range f.data.tasks {
		if t.EpicID != nil && *t.EpicID == id {
			t.EpicID = nil
			f.data.tasks[tid] = t
			detached++
		}
	}
	delete(f.data.epics, id)
	return detached, nil
}

// tasks

func (f *fakeStore) GetTask(_ context.Context, id string) (store.Task, error) {
	t, ok := f.data.tasks[id]
	if !ok {
		return store.Task{}, notFoundErr("get task")
	}
	return t, nil
}

func (f *fakeStore) LockTask(ctx context.Context, id string) (store.Task, error) {
	return f.GetTask(ctx, id)
}

func (f *fakeStore) InsertTask(_ context.Context, t store.Task) (store.Task, error) {
	if err := f.injected("InsertTask"); err != nil {
		return store.Task{}, err
	}
	t.CreatedAt = f.clock()
	t.UpdatedAt = t.CreatedAt
	f.data.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, t store.Task) (store.Task, error) {
	if err := f.injected("UpdateTask"); err != nil {
		return store.Task{}, err
	}
	if _, ok := f.data.tasks[t.ID]; !ok {
		return store.Task{}, notFoundErr("update task")
	}
	t.UpdatedAt = f.clock()
	f.data.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) DeleteTask(_ context.Context, id string) ([]string, error) {
	if _, ok := f.data.tasks[id]; !ok {
		return nil, notFoundErr("delete task")
	}
	var keys []string
	kept := f.data.attachments[:0:0]
	for _, a := range f.data.attachments {
		if a.TaskID == id {
			keys = append(keys, a.ObjectKey)
			continue
		}
		kept = append(kept, a)
	}
	f.data.attachments = kept
	f.data.activities = filterActivities(f.data.activities, func(a store.Activity) bool { return a.TaskID != id })
	delete(f.data.tasks, id)
	return keys, nil
}

// activities and comments

func (f *fakeStore) InsertActivity(_ context.Context, a store.Activity) (store.Activity, error) {
	if err := f.injected("InsertActivity"); err != nil {
		return store.Activity{}, err
	}
	f.data.activities = append(f.data.activities, a)
	return a, nil
}

func (f *fakeStore) ListActivities(_ context.Context, taskID string) ([]store.Activity, error) {
	out := filterActivities(f.data.activities, func(a store.Activity) bool { return a.TaskID == taskID })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func filterActivities(in []store.Activity, keep func(store.Activity) bool) []store.Activity {
	out := []store.Activity{}
	for _, a := range in {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeStore) InsertComment(_ context.Context, c store.Comment) (store.Comment, error) {
	c.CreatedAt = f.clock()
	f.data.comments = append(f.data.comments, c)
	return c, nil
}

// notifications

func (f *fakeStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	if err := f.injected("InsertNotification"); err != nil {
		return store.Notification{}, err
	}
	n.CreatedAt = f.clock()
	f.data.notifications = append(f.data.notifications, n)
	return n, nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, unreadOnly bool) ([]store.Notification, error) {
	out := []store.Notification{}
	for i := len(f.data.notifications) - 1; i >= 0; i-- {
		n := f.data.notifications[i]
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationsRead(_ context.Context, userID string, ids []string) (int64, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i, item := range f.data.notifications {
		if item.UserID == userID && want[item.ID] && !item.Read {
			f.data.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	var n int64
	for i, item := range f.data.notifications {
		if item.UserID == userID && !item.Read {
			f.data.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

// invites

func (f *fakeStore) InsertInvite(_ context.Context, inv store.Invite) (store.Invite, error) {
	inv.Email = strings.ToLower(inv.Email)
	inv.CreatedAt = f.clock()
	inv.ProjectIDs = append([]string(nil), inv.ProjectIDs...)
	sort.Strings(inv.ProjectIDs)
	f.data.invites[inv.ID] = inv
	return inv, nil
}

func (f *fakeStore) GetInvite(_ context.Context, id string) (store.Invite, error) {
	inv, ok := f.data.invites[id]
	if !ok {
		return store.Invite{}, notFoundErr("get invite")
	}
	return inv, nil
}

func (f *fakeStore) LockInviteByToken(_ context.Context, token string) (store.Invite, error) {
	for _, inv := range f.data.invites {
		if inv.Token == token {
			return inv, nil
		}
	}
	return store.Invite{}, notFoundErr("get invite by token")
}

func (f *fakeStore) ListInvites(context.Context) ([]store.Invite, error) {
	out := []store.Invite{}
	for _, inv := range f.data.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) HasLivePendingInvite(_ context.Context, email string, now time.Time, excludeID string) (bool, error) {
	for _, inv := range f.data.invites {
		if inv.ID != excludeID && strings.EqualFold(inv.Email, email) && inv.Status == "PENDING" && inv.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RotateInvite(_ context.Context, id, token string, expiresAt time.Time) (store.Invite, error) {
	inv, ok := f.data.invites[id]
	if !ok {
		return store.Invite{}, notFoundErr("rotate invite")
	}
	inv.Token = token
	inv.ExpiresAt = expiresAt
	inv.Status = "PENDING"
	inv.AcceptedAt = nil
	f.data.invites[id] = inv
	return inv, nil
}

func (f *fakeStore) MarkInviteAccepted(_ context.Context, id string, at time.Time) error {
	inv, ok := f.data.invites[id]
	if !ok || inv.Status != "PENDING" {
		return notFoundErr("accept invite")
	}
	inv.Status = "ACCEPTED"
	inv.AcceptedAt = &at
	f.data.invites[id] = inv
	return nil
}

func (f *fakeStore) DeleteInvite(_ context.Context, id string) error {
	if _, ok := f.data.invites[id]; !ok {
		return notFoundErr("delete invite")
	}
	delete(f.data.invites, id)
	return nil
}

// account deletion

func (f *fakeStore) PurgeAuthoredContent(_ context.Context, userID string) (store.PurgeResult, error) {
	if err := f.injected("PurgeAuthoredContent"); err != nil {
		return store.PurgeResult{}, err
	}
	var result store.PurgeResult
	before := len(f.data.activities)
	f.data.activities = filterActivities(f.data.activities, func(a store.Activity) bool { return a.UserID != userID })
	result.Activities = int64(before - len(f.data.activities))

	comments := []store.Comment{}
	for _, c := range f.data.comments {
		if c.AuthorID == userID {
			result.Comments++
			continue
		}
		comments = append(comments, c)
	}
	f.data.comments = comments

	notifications := []store.Notification{}
	for _, n := range f.data.notifications {
		if n.UserID == userID {
			result.Notifications++
			continue
		}
		notifications = append(notifications, n)
	}
	f.data.notifications = notifications

	for id, inv := range f.data.invites {
		if inv.InvitedByID == userID {
			delete(f.data.invites, id)
			result.Invites++
		}
	}

	attachments := []store.Attachment{}
	for _, a := range f.data.attachments {
		if a.UploaderID == userID {
			result.ObjectKeys = append(result.ObjectKeys, a.ObjectKey)
			continue
		}
		attachments = append(attachments, a)
	}
	f.data.attachments = attachments
	result.Attachments = int64(len(result.ObjectKeys))
	return result, nil
}

func (f *fakeStore) UnassignTasks(_ context.Context, userID string) (int64, error) {
	var n int64
	for id, t := range f.data.tasks {
		if t.AssigneeID != nil && *t.AssigneeID == userID {
			t.AssigneeID = nil
			t.AssignedAt = nil
			f.data.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) TransferOwnership(_ context.Context, fromID, toID string) (store.TransferResult, error) {
	if err := f.injected("TransferOwnership"); err != nil {
		return store.TransferResult{}, err
	}
	var result store.TransferResult
	for id, t := range f.data.tasks {
		if t.CreatedByID == fromID {
			t.CreatedByID = toID
			f.data.tasks[id] = t
			result.Tasks++
		}
	}
	for id, e := range f.data.epics {
		if e.CreatedByID == fromID {
			e.CreatedByID = toID
			f.data.epics[id] = e
			result.Epics++
		}
	}
	for id, p := range f.data.projects {
		if p.CreatedByID == fromID {
			p.CreatedByID = toID
			f.data.projects[id] = p
			result.Projects++
		}
	}
	return result, nil
}

func (f *fakeStore) RemoveMemberships(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, set := range f.data.members {
		if set[userID] {
			delete(set, userID)
			n++
		}
	}
	return n, nil
}
