package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tracker/api/internal/auth"
	"tracker/api/internal/config"
	"tracker/api/internal/outbox"
	"tracker/api/internal/rbac"
	"tracker/api/internal/search"
	"tracker/api/internal/session"
	"tracker/api/internal/store"
)

// txStore is everything the service reads and writes. Every method runs on
// the transaction it was obtained from when called inside WithTx.
type txStore interface {
	GetUser(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsersByIDs(context.Context, []string) ([]store.User, error)
	InsertUser(context.Context, store.User) (store.User, error)
	LockHeirAdmin(context.Context, string) (store.User, error)
	DeleteUser(context.Context, string) error

	NextOrder(context.Context, store.Scope) (int, error)
	ScopeParentProject(context.Context, store.Scope) (string, error)
	ScopeMembers(context.Context, store.Scope, []string) (map[string]bool, error)
	SetOrder(context.Context, store.ScopeKind, []string) error

	GetProject(context.Context, string) (store.Project, error)
	ListProjectsByIDs(context.Context, []string) ([]store.Project, error)
	IncrementTaskCounter(context.Context, string) (string, int, error)
	IsProjectMember(context.Context, string, string) (bool, error)
	AddProjectMember(context.Context, string, string) error
	ListProjectAudience(context.Context, string) ([]store.User, error)
	GetSprint(context.Context, string) (store.Sprint, error)
	GetEpic(context.Context, string) (store.Epic, error)
	DeleteEpic(context.Context, string) (int64, error)

	GetTask(context.Context, string) (store.Task, error)
	LockTask(context.Context, string) (store.Task, error)
	InsertTask(context.Context, store.Task) (store.Task, error)
	UpdateTask(context.Context, store.Task) (store.Task, error)
	DeleteTask(context.Context, string) ([]string, error)

	InsertActivity(context.Context, store.Activity) (store.Activity, error)
	ListActivities(context.Context, string) ([]store.Activity, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)

	InsertNotification(context.Context, store.Notification) (store.Notification, error)
	ListNotifications(context.Context, string, bool) ([]store.Notification, error)
	MarkNotificationsRead(context.Context, string, []string) (int64, error)
	MarkAllNotificationsRead(context.Context, string) (int64, error)

	InsertInvite(context.Context, store.Invite) (store.Invite, error)
	GetInvite(context.Context, string) (store.Invite, error)
	LockInviteByToken(context.Context, string) (store.Invite, error)
	ListInvites(context.Context) ([]store.Invite, error)
	HasLivePendingInvite(context.Context, string, time.Time, string) (bool, error)
	RotateInvite(context.Context, string, string, time.Time) (store.Invite, error)
	MarkInviteAccepted(context.Context, string, time.Time) error
	DeleteInvite(context.Context, string) error

	PurgeAuthoredContent(context.Context, string) (store.PurgeResult, error)
	UnassignTasks(context.Context, string) (int64, error)
	TransferOwnership(context.Context, string, string) (store.TransferResult, error)
	RemoveMemberships(context.Context, string) (int64, error)
}

type dataStore interface {
	txStore
	WithTx(ctx context.Context, fn func(tx txStore) error) error
	Ping(ctx context.Context) error
}

// postgresData adapts *store.PostgresStore to dataStore.
type postgresData struct {
	*store.PostgresStore
}

func (p postgresData) WithTx(ctx context.Context, fn func(tx txStore) error) error {
	return p.PostgresStore.WithTx(ctx, func(tx *store.PostgresStore) error {
		return fn(postgresData{tx})
	})
}

type sessionStore interface {
	Issue(context.Context, auth.Principal) (string, error)
	Lookup(context.Context, string) (auth.Principal, error)
	RevokeUser(context.Context, string) (int, error)
}

type blobRemover interface {
	RemoveObjects(context.Context, []string) (int, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexTask(search.TaskRecord)
	DeleteTask(string)
}

type mailQueue interface {
	Enqueue(outbox.Message) bool
}

// Options carries the optional collaborators. Leave a field nil to disable it.
type Options struct {
	Sessions sessionStore
	Blobs    blobRemover
	Search   searchIndex
	Outbox   mailQueue
	Logger   logrus.FieldLogger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	blobs    blobRemover
	search   searchIndex
	outbox   mailQueue
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	return newService(cfg, postgresData{dataStore}, opts)
}

func newService(cfg config.Config, ds dataStore, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 7 * 24 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		store:    ds,
		sessions: opts.Sessions,
		blobs:    opts.Blobs,
		search:   opts.Search,
		outbox:   opts.Outbox,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves a bearer token to the principal it was issued for.
func (s *Service) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	if strings.TrimSpace(token) == "" || s.sessions == nil {
		return auth.Principal{}, domainError(KindUnauthenticated, "UNAUTHORIZED", "Unauthorized", nil)
	}
	principal, err := s.sessions.Lookup(ctx, token)
	if errors.Is(err, session.ErrSessionNotFound) {
		return auth.Principal{}, domainError(KindUnauthenticated, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if err != nil {
		return auth.Principal{}, s.internal("session.lookup", err)
	}
	principal.Role = string(rbac.Normalize(principal.Role))
	return principal, nil
}

// IssueSession creates a session for an existing user. Used by operators to
// hand out the first admin token.
func (s *Service) IssueSession(ctx context.Context, userID string) (string, error) {
	if s.sessions == nil {
		return "", fmt.Errorf("session store not configured")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", orNotFound(err, "USER_NOT_FOUND", "User not found")
	}
	return s.sessions.Issue(ctx, auth.Principal{UserID: user.ID, Name: user.DisplayName, Role: user.Role})
}

func isAdmin(p auth.Principal) bool {
	return rbac.Normalize(p.Role) == rbac.RoleAdmin
}

func (s *Service) requireAction(p auth.Principal, action rbac.Action) error {
	if !rbac.Can(rbac.Normalize(p.Role), action) {
		return forbidden("Forbidden")
	}
	return nil
}

// requireProjectAccess lets admins through and requires membership otherwise.
func (s *Service) requireProjectAccess(ctx context.Context, st txStore, p auth.Principal, projectID string) error {
	if isAdmin(p) {
		return nil
	}
	member, err := st.IsProjectMember(ctx, projectID, p.UserID)
	if err != nil {
		return err
	}
	if !member {
		return forbidden("Not a member of this project")
	}
	return nil
}

// finish converts storage failures into domain errors; unexpected ones are
// logged once here.
func (s *Service) finish(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch KindOf(err) {
	case KindNotFound:
		return notFound("NOT_FOUND", "Not found")
	case KindConflict:
		return conflict("CONFLICT", "Conflict")
	}
	return s.internal(op, err)
}

func (s *Service) internal(op string, err error) error {
	s.log.WithError(err).WithField("operation", op).Error("operation failed")
	return domainError(KindInternal, "SERVER_ERROR", "Server error", nil)
}

func (s *Service) taskLink(projectID, taskID string) string {
	return fmt.Sprintf("%s/projects/%s/tasks/%s", strings.TrimRight(s.cfg.BaseURL, "/"), projectID, taskID)
}

func (s *Service) inviteLink(token string) string {
	return fmt.Sprintf("%s/invites/%s", strings.TrimRight(s.cfg.BaseURL, "/"), token)
}
