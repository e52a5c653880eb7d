package app

import (
	"context"
	"fmt"

	"tracker/api/internal/auth"
	"tracker/api/internal/rbac"
	"tracker/api/internal/store"
)

// DeletionReport summarizes a completed account deletion.
type DeletionReport struct {
	UserID            string
	HeirID            string
	Purged            store.PurgeResult
	Unassigned        int64
	Transferred       store.TransferResult
	MembershipsGone   int64
	SessionsRevoked   int
	ObjectsRemoved    int
	ObjectCleanupDone bool
}

type deletionStep struct {
	name string
	run  func(ctx context.Context, tx txStore) error
}

// DeleteUser removes a user and everything that cannot outlive them, handing
// ownership of shared content to the oldest remaining admin. All writes share
// one transaction; sessions and attachment blobs are cleaned up after commit.
func (s *Service) DeleteUser(ctx context.Context, p auth.Principal, userID string) (DeletionReport, error) {
	const op = "users.delete"
	if err := s.requireAction(p, rbac.ActionDeleteUser); err != nil {
		return DeletionReport{}, err
	}
	if userID == p.UserID {
		return DeletionReport{}, validation("CANNOT_DELETE_SELF", "You cannot delete your own account", nil)
	}

	report := DeletionReport{UserID: userID}
	err := s.store.WithTx(ctx, func(tx txStore) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return orNotFound(err, "USER_NOT_FOUND", "User not found")
		}
		heir, err := tx.LockHeirAdmin(ctx, userID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return validation("NO_HEIR_ADMIN", "Another admin must exist to inherit this user's content", nil)
			}
			return err
		}
		report.HeirID = heir.ID

		steps := []deletionStep{
			{"purge authored content", func(ctx context.Context, tx txStore) (err error) {
				report.Purged, err = tx.PurgeAuthoredContent(ctx, userID)
				return err
			}},
			{"unassign tasks", func(ctx context.Context, tx txStore) (err error) {
				report.Unassigned, err = tx.UnassignTasks(ctx, userID)
				return err
			}},
			{"transfer ownership", func(ctx context.Context, tx txStore) (err error) {
				report.Transferred, err = tx.TransferOwnership(ctx, userID, heir.ID)
				return err
			}},
			{"remove memberships", func(ctx context.Context, tx txStore) (err error) {
				report.MembershipsGone, err = tx.RemoveMemberships(ctx, userID)
				return err
			}},
			{"delete user", func(ctx context.Context, tx txStore) error {
				return tx.DeleteUser(ctx, userID)
			}},
		}
		for _, step := range steps {
			if err := step.run(ctx, tx); err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return DeletionReport{}, s.finish(op, err)
	}

	log := s.log.WithField("operation", op).WithField("user_id", userID)
	if s.sessions != nil {
		revoked, err := s.sessions.RevokeUser(ctx, userID)
		if err != nil {
			log.WithError(err).Warn("session revocation failed")
		}
		report.SessionsRevoked = revoked
	}
	if s.blobs != nil && len(report.Purged.ObjectKeys) > 0 {
		removed, err := s.blobs.RemoveObjects(ctx, report.Purged.ObjectKeys)
		report.ObjectsRemoved = removed
		if err != nil {
			log.WithError(err).Warn("attachment cleanup incomplete")
		} else {
			report.ObjectCleanupDone = true
		}
	} else {
		report.ObjectCleanupDone = true
	}
	log.WithField("heir_id", report.HeirID).Info("user deleted")
	return report, nil
}
