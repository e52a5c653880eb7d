package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"tracker/api/internal/auth"
	"tracker/api/internal/outbox"
	"tracker/api/internal/rbac"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

const (
	InviteStatusPending  = "PENDING"
	InviteStatusAccepted = "ACCEPTED"
	InviteStatusExpired  = "EXPIRED"
)

const inviteTokenBytes = 32

// InviteView is an invite with its effective status. EXPIRED is never
// stored; it is derived from a PENDING invite whose expiry has passed.
type InviteView struct {
	store.Invite
	EffectiveStatus string
}

func effectiveInviteStatus(inv store.Invite, now time.Time) string {
	if inv.Status == InviteStatusPending && !inv.ExpiresAt.After(now) {
		return InviteStatusExpired
	}
	return inv.Status
}

func (s *Service) inviteView(inv store.Invite) InviteView {
	return InviteView{Invite: inv, EffectiveStatus: effectiveInviteStatus(inv, s.now())}
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", validation("INVALID_EMAIL", "A valid email address is required", nil)
	}
	return strings.ToLower(addr.Address), nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CreateInvite issues a PENDING invite for email covering projectIDs.
//
// The duplicate check and the insert are not serialized, so two concurrent
// invites for the same address may both succeed.
func (s *Service) CreateInvite(ctx context.Context, p auth.Principal, email string, projectIDs []string) (InviteView, error) {
	const op = "invites.create"
	if err := s.requireAction(p, rbac.ActionManageInvite); err != nil {
		return InviteView{}, err
	}
	address, err := normalizeEmail(email)
	if err != nil {
		return InviteView{}, err
	}
	projectIDs = uniqueIDs(projectIDs)
	if len(projectIDs) == 0 {
		return InviteView{}, validation("PROJECTS_REQUIRED", "At least one project is required", nil)
	}
	token, err := auth.NewToken(inviteTokenBytes)
	if err != nil {
		return InviteView{}, s.internal(op, err)
	}

	var (
		created  store.Invite
		projects []store.Project
	)
	err = s.store.WithTx(ctx, func(tx txStore) error {
		projects, err = tx.ListProjectsByIDs(ctx, projectIDs)
		if err != nil {
			return err
		}
		if missing := missingProjects(projectIDs, projects); len(missing) > 0 {
			return validation("UNKNOWN_PROJECT", "One or more projects do not exist", map[string]any{"projectIds": missing})
		}
		if err := s.ensureNotRegistered(ctx, tx, address); err != nil {
			return err
		}
		now := s.now()
		pending, err := tx.HasLivePendingInvite(ctx, address, now, "")
		if err != nil {
			return err
		}
		if pending {
			return conflict("INVITE_PENDING", "A pending invite already exists for this email")
		}

		created, err = tx.InsertInvite(ctx, store.Invite{
			ID:          util.NewID("inv"),
			Email:       address,
			Token:       auth.HashToken(token),
			Status:      InviteStatusPending,
			ExpiresAt:   now.Add(s.cfg.InviteTTL),
			InvitedByID: p.UserID,
			ProjectIDs:  projectIDs,
		})
		return err
	})
	if err != nil {
		return InviteView{}, s.finish(op, err)
	}

	created.Token = token
	s.sendInviteEmail(p, created, projects)
	return s.inviteView(created), nil
}

// ResendInvite rotates the token and restarts the expiry window.
func (s *Service) ResendInvite(ctx context.Context, p auth.Principal, inviteID string) (InviteView, error) {
	const op = "invites.resend"
	if err := s.requireAction(p, rbac.ActionManageInvite); err != nil {
		return InviteView{}, err
	}
	token, err := auth.NewToken(inviteTokenBytes)
	if err != nil {
		return InviteView{}, s.internal(op, err)
	}

	var (
		rotated  store.Invite
		projects []store.Project
	)
	err = s.store.WithTx(ctx, func(tx txStore) error {
		inv, err := tx.GetInvite(ctx, inviteID)
		if err != nil {
			return orNotFound(err, "INVITE_NOT_FOUND", "Invite not found")
		}
		if inv.Status == InviteStatusAccepted {
			return conflict("INVITE_ACCEPTED", "Invite was already accepted")
		}
		if err := s.ensureNotRegistered(ctx, tx, inv.Email); err != nil {
			return err
		}
		now := s.now()
		other, err := tx.HasLivePendingInvite(ctx, inv.Email, now, inv.ID)
		if err != nil {
			return err
		}
		if other {
			return conflict("INVITE_PENDING", "Another pending invite exists for this email")
		}
		rotated, err = tx.RotateInvite(ctx, inv.ID, auth.HashToken(token), now.Add(s.cfg.InviteTTL))
		if err != nil {
			return err
		}
		projects, err = tx.ListProjectsByIDs(ctx, rotated.ProjectIDs)
		return err
	})
	if err != nil {
		return InviteView{}, s.finish(op, err)
	}

	rotated.Token = token
	s.sendInviteEmail(p, rotated, projects)
	return s.inviteView(rotated), nil
}

func (s *Service) CancelInvite(ctx context.Context, p auth.Principal, inviteID string) error {
	const op = "invites.cancel"
	if err := s.requireAction(p, rbac.ActionManageInvite); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx txStore) error {
		inv, err := tx.GetInvite(ctx, inviteID)
		if err != nil {
			return orNotFound(err, "INVITE_NOT_FOUND", "Invite not found")
		}
		if inv.Status != InviteStatusPending {
			return conflict("INVITE_NOT_PENDING", "Only pending invites can be cancelled")
		}
		return tx.DeleteInvite(ctx, inv.ID)
	})
	return s.finish(op, err)
}

func (s *Service) ListInvites(ctx context.Context, p auth.Principal) ([]InviteView, error) {
	if err := s.requireAction(p, rbac.ActionManageInvite); err != nil {
		return nil, err
	}
	items, err := s.store.ListInvites(ctx)
	if err != nil {
		return nil, s.finish("invites.list", err)
	}
	out := make([]InviteView, 0, len(items))
	for _, inv := range items {
		inv.Token = ""
		out = append(out, s.inviteView(inv))
	}
	return out, nil
}

type AcceptResult struct {
	User         store.User
	SessionToken string
}

// AcceptInvite registers the invited user as a MEMBER of the invite's
// projects. The session token is empty when no session store is configured.
func (s *Service) AcceptInvite(ctx context.Context, token, displayName, password string) (AcceptResult, error) {
	const op = "invites.accept"
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return AcceptResult{}, validation("NAME_REQUIRED", "Display name is required", nil)
	}
	if strings.TrimSpace(token) == "" {
		return AcceptResult{}, notFound("INVITE_NOT_FOUND", "Invite not found")
	}
	hash, err := auth.HashPassword(password)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		return AcceptResult{}, validation("PASSWORD_TOO_SHORT", "Password is too short", nil)
	}
	if err != nil {
		return AcceptResult{}, s.internal(op, err)
	}

	var user store.User
	err = s.store.WithTx(ctx, func(tx txStore) error {
		inv, err := tx.LockInviteByToken(ctx, auth.HashToken(token))
		if err != nil {
			return orNotFound(err, "INVITE_NOT_FOUND", "Invite not found")
		}
		now := s.now()
		switch effectiveInviteStatus(inv, now) {
		case InviteStatusAccepted:
			return conflict("INVITE_ACCEPTED", "Invite was already accepted")
		case InviteStatusExpired:
			return conflict("INVITE_EXPIRED", "Invite has expired")
		}
		if err := s.ensureNotRegistered(ctx, tx, inv.Email); err != nil {
			return err
		}

		user, err = tx.InsertUser(ctx, store.User{
			ID:           util.NewID("usr"),
			DisplayName:  displayName,
			Email:        inv.Email,
			PasswordHash: hash,
			Role:         string(rbac.RoleMember),
		})
		if err != nil {
			if store.IsUniqueViolation(err) {
				return conflict("USER_EXISTS", "A user with this email already exists")
			}
			return err
		}
		for _, projectID := range inv.ProjectIDs {
			if err := tx.AddProjectMember(ctx, projectID, user.ID); err != nil {
				return err
			}
		}
		return tx.MarkInviteAccepted(ctx, inv.ID, now)
	})
	if err != nil {
		return AcceptResult{}, s.finish(op, err)
	}

	result := AcceptResult{User: user}
	if s.sessions != nil {
		sessionToken, err := s.sessions.Issue(ctx, auth.Principal{UserID: user.ID, Name: user.DisplayName, Role: user.Role})
		if err != nil {
			s.log.WithError(err).WithField("operation", op).Warn("session not issued after accept")
		} else {
			result.SessionToken = sessionToken
		}
	}
	return result, nil
}

func (s *Service) ensureNotRegistered(ctx context.Context, tx txStore, email string) error {
	_, err := tx.GetUserByEmail(ctx, email)
	if err == nil {
		return conflict("USER_EXISTS", "A user with this email already exists")
	}
	if KindOf(err) == KindNotFound {
		return nil
	}
	return err
}

func missingProjects(want []string, found []store.Project) []string {
	have := make(map[string]struct{}, len(found))
	for _, p := range found {
		have[p.ID] = struct{}{}
	}
	var missing []string
	for _, id := range want {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *Service) sendInviteEmail(inviter auth.Principal, inv store.Invite, projects []store.Project) {
	if s.outbox == nil {
		return
	}
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	msg := outbox.Message{
		To: inv.Email,
		Invite: &outbox.InviteEmail{
			InviterName:  inviter.Name,
			AcceptURL:    s.inviteLink(inv.Token),
			ProjectNames: names,
			ExpiresAt:    inv.ExpiresAt,
		},
	}
	if !s.outbox.Enqueue(msg) {
		s.log.WithField("operation", "invites.email").WithField("invite_id", inv.ID).Warn("invite email dropped")
	}
}
