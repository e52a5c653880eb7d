package app

import (
	"context"
	"database/sql"
	"errors"

	"tracker/api/internal/auth"
	"tracker/api/internal/rbac"
	"tracker/api/internal/store"
)

// AppendOrder returns the order a new row appended to scope would receive:
// one past the current maximum, or 0 when the scope is empty.
//
// Two concurrent appends can observe the same maximum and receive the same
// order. Gaps and duplicates are tolerated and a later Reorder rewrites them.
func (s *Service) AppendOrder(ctx context.Context, p auth.Principal, scope store.Scope) (int, error) {
	const op = "sequencer.append"
	if err := validateScope(scope); err != nil {
		return 0, err
	}
	if _, err := s.store.GetProject(ctx, scope.ProjectID); err != nil {
		return 0, s.finish(op, orNotFound(err, "PROJECT_NOT_FOUND", "Project not found"))
	}
	if err := s.requireProjectAccess(ctx, s.store, p, scope.ProjectID); err != nil {
		return 0, s.finish(op, err)
	}
	if err := checkScopeParent(ctx, s.store, scope); err != nil {
		return 0, s.finish(op, err)
	}
	next, err := s.store.NextOrder(ctx, scope)
	if err != nil {
		return 0, s.finish(op, err)
	}
	return next, nil
}

// Reorder assigns order = index to each id. The list may be a full or partial
// permutation of the scope; ids outside it are rejected.
func (s *Service) Reorder(ctx context.Context, p auth.Principal, scope store.Scope, ids []string) error {
	const op = "sequencer.reorder"
	if err := validateScope(scope); err != nil {
		return err
	}
	if err := s.requireAction(p, rbac.ActionReorder); err != nil {
		return err
	}
	if len(ids) == 0 {
		return validation("EMPTY_ORDER", "At least one id is required", nil)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return validation("DUPLICATE_ID", "Ids must be unique", map[string]any{"id": id})
		}
		seen[id] = struct{}{}
	}

	err := s.store.WithTx(ctx, func(tx txStore) error {
		if _, err := tx.GetProject(ctx, scope.ProjectID); err != nil {
			return orNotFound(err, "PROJECT_NOT_FOUND", "Project not found")
		}
		if err := s.requireProjectAccess(ctx, tx, p, scope.ProjectID); err != nil {
			return err
		}
		if err := checkScopeParent(ctx, tx, scope); err != nil {
			return err
		}
		members, err := tx.ScopeMembers(ctx, scope, ids)
		if err != nil {
			return err
		}
		var foreign []string
		for _, id := range ids {
			if !members[id] {
				foreign = append(foreign, id)
			}
		}
		if len(foreign) > 0 {
			return validation("NOT_IN_SCOPE", "Some ids do not belong to this scope", map[string]any{"ids": foreign})
		}
		return tx.SetOrder(ctx, scope.Kind, ids)
	})
	return s.finish(op, err)
}

func validateScope(scope store.Scope) error {
	if !scope.Kind.Valid() {
		return validation("INVALID_SCOPE", "Unknown scope kind", map[string]any{"kind": scope.Kind})
	}
	if scope.ProjectID == "" {
		return validation("INVALID_SCOPE", "Project is required", nil)
	}
	return nil
}

// checkScopeParent rejects a sprint or folder that is missing or belongs to
// another project.
func checkScopeParent(ctx context.Context, st txStore, scope store.Scope) error {
	if scope.ParentID == nil || scope.Kind == store.ScopeEpic {
		return nil
	}
	projectID, err := st.ScopeParentProject(ctx, scope)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err != nil || projectID != scope.ProjectID {
		return notFound("SCOPE_NOT_FOUND", "Scope not found")
	}
	return nil
}

// nextOrderIn is the append used by task mutations inside their transaction.
func nextOrderIn(ctx context.Context, tx txStore, projectID string, sprintID *string) (int, error) {
	return tx.NextOrder(ctx, store.Scope{Kind: store.ScopeTask, ProjectID: projectID, ParentID: sprintID})
}
