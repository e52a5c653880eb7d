package store

import (
	"context"
	"fmt"
	"time"
)

const inviteColumns = `id, email, token, status, expires_at, invited_by_id, accepted_at, created_at`

func scanInvite(row interface{ Scan(...any) error }) (Invite, error) {
	var inv Invite
	err := row.Scan(&inv.ID, &inv.Email, &inv.Token, &inv.Status, &inv.ExpiresAt, &inv.InvitedByID, &inv.AcceptedAt, &inv.CreatedAt)
	return inv, err
}

func (s *PostgresStore) loadInviteProjects(ctx context.Context, inv *Invite) error {
	rows, err := s.q.QueryContext(ctx, `SELECT project_id FROM invite_projects WHERE invite_id=$1 ORDER BY project_id`, inv.ID)
	if err != nil {
		return fmt.Errorf("load invite projects: %w", err)
	}
	defer rows.Close()

	inv.ProjectIDs = make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan invite project: %w", err)
		}
		inv.ProjectIDs = append(inv.ProjectIDs, id)
	}
	return rows.Err()
}

func (s *PostgresStore) InsertInvite(ctx context.Context, inv Invite) (Invite, error) {
	created, err := scanInvite(s.q.QueryRowContext(ctx, `
		INSERT INTO invites (id, email, token, status, expires_at, invited_by_id)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
		RETURNING `+inviteColumns,
		inv.ID, inv.Email, inv.Token, inv.Status, inv.ExpiresAt, inv.InvitedByID))
	if err != nil {
		return Invite{}, fmt.Errorf("insert invite: %w", err)
	}
	for _, projectID := range inv.ProjectIDs {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO invite_projects (invite_id, project_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, created.ID, projectID); err != nil {
			return Invite{}, fmt.Errorf("link invite project: %w", err)
		}
	}
	if err := s.loadInviteProjects(ctx, &created); err != nil {
		return Invite{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, id string) (Invite, error) {
	inv, err := scanInvite(s.q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id=$1`, id))
	if err != nil {
		return Invite{}, fmt.Errorf("get invite: %w", err)
	}
	if err := s.loadInviteProjects(ctx, &inv); err != nil {
		return Invite{}, err
	}
	return inv, nil
}

// LockInviteByToken loads an invite by its token hash with a row lock held.
func (s *PostgresStore) LockInviteByToken(ctx context.Context, token string) (Invite, error) {
	inv, err := scanInvite(s.q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token=$1 FOR UPDATE`, token))
	if err != nil {
		return Invite{}, fmt.Errorf("get invite by token: %w", err)
	}
	if err := s.loadInviteProjects(ctx, &inv); err != nil {
		return Invite{}, err
	}
	return inv, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context) ([]Invite, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+inviteColumns+` FROM invites ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	items := make([]Invite, 0)
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		items = append(items, inv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	rows.Close()

	for i := range items {
		if err := s.loadInviteProjects(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// HasLivePendingInvite reports whether email has a PENDING invite that has
// not expired at now, ignoring excludeID.
func (s *PostgresStore) HasLivePendingInvite(ctx context.Context, email string, now time.Time, excludeID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invites
			WHERE LOWER(email) = LOWER($1) AND status = 'PENDING' AND expires_at > $2 AND id <> $3
		)
	`, email, now, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending invite: %w", err)
	}
	return exists, nil
}

// RotateInvite issues a new token and expiry and forces the invite back to PENDING.
func (s *PostgresStore) RotateInvite(ctx context.Context, id, token string, expiresAt time.Time) (Invite, error) {
	inv, err := scanInvite(s.q.QueryRowContext(ctx, `
		UPDATE invites SET token=$2, expires_at=$3, status='PENDING', accepted_at=NULL
		WHERE id=$1
		RETURNING `+inviteColumns, id, token, expiresAt))
	if err != nil {
		return Invite{}, fmt.Errorf("rotate invite: %w", err)
	}
	if err := s.loadInviteProjects(ctx, &inv); err != nil {
		return Invite{}, err
	}
	return inv, nil
}

func (s *PostgresStore) MarkInviteAccepted(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE invites SET status='ACCEPTED', accepted_at=$2 WHERE id=$1 AND status='PENDING'
	`, id, at)
	if err != nil {
		return fmt.Errorf("accept invite: %w", err)
	}
	return expectAffected(res, "accept invite")
}

func (s *PostgresStore) DeleteInvite(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM invites WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return expectAffected(res, "delete invite")
}
