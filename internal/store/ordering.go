package store

import (
	"context"
	"fmt"
)

type ScopeKind string

const (
	ScopeTask     ScopeKind = "task"
	ScopeEpic     ScopeKind = "epic"
	ScopeFolder   ScopeKind = "folder"
	ScopeDocument ScopeKind = "document"
)

// Scope is the sibling set an ordered row belongs to. ParentID is the sprint
// for tasks (nil = backlog), the parent folder for folders and the folder for
// documents (nil = root). Epics ignore it.
type Scope struct {
	Kind      ScopeKind
	ProjectID string
	ParentID  *string
}

type scopeTable struct {
	table       string
	parent      string
	parentTable string
}

var scopeTables = map[ScopeKind]scopeTable{
	ScopeTask:     {table: "tasks", parent: "sprint_id", parentTable: "sprints"},
	ScopeEpic:     {table: "epics"},
	ScopeFolder:   {table: "folders", parent: "parent_id", parentTable: "folders"},
	ScopeDocument: {table: "documents", parent: "folder_id", parentTable: "folders"},
}

func (k ScopeKind) Valid() bool {
	_, ok := scopeTables[k]
	return ok
}

// where builds the scope predicate starting at placeholder $start.
func (sc Scope) where(start int) (string, []any, error) {
	tbl, ok := scopeTables[sc.Kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown scope kind %q", sc.Kind)
	}
	clause := fmt.Sprintf("project_id = $%d", start)
	args := []any{sc.ProjectID}
	if tbl.parent != "" {
		clause += fmt.Sprintf(" AND %s IS NOT DISTINCT FROM $%d", tbl.parent, start+1)
		args = append(args, sc.ParentID)
	}
	return clause, args, nil
}

// ScopeParentProject returns the project owning the scope's parent row (the
// sprint or folder). sql.ErrNoRows means the parent does not exist.
func (s *PostgresStore) ScopeParentProject(ctx context.Context, scope Scope) (string, error) {
	tbl, ok := scopeTables[scope.Kind]
	if !ok {
		return "", fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
	if tbl.parentTable == "" || scope.ParentID == nil {
		return scope.ProjectID, nil
	}
	var projectID string
	query := fmt.Sprintf(`SELECT project_id FROM %s WHERE id = $1`, tbl.parentTable)
	if err := s.q.QueryRowContext(ctx, query, *scope.ParentID).Scan(&projectID); err != nil {
		return "", fmt.Errorf("scope parent: %w", err)
	}
	return projectID, nil
}

// NextOrder returns 1 + the highest order in scope, or 0 for an empty scope.
// Concurrent callers can receive the same value; a later Reorder repairs it.
func (s *PostgresStore) NextOrder(ctx context.Context, scope Scope) (int, error) {
	clause, args, err := scope.where(1)
	if err != nil {
		return 0, err
	}
	var next int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(sort_order) + 1, 0) FROM %s WHERE %s`, scopeTables[scope.Kind].table, clause)
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&next); err != nil {
		return 0, fmt.Errorf("next order: %w", err)
	}
	return next, nil
}

// ScopeMembers returns which of ids belong to scope.
func (s *PostgresStore) ScopeMembers(ctx context.Context, scope Scope, ids []string) (map[string]bool, error) {
	clause, args, err := scope.where(2)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1) AND %s`, scopeTables[scope.Kind].table, clause)
	rows, err := s.q.QueryContext(ctx, query, append([]any{ids}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("scope members: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scope member: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// SetOrder writes order=index for every id, in list order.
func (s *PostgresStore) SetOrder(ctx context.Context, kind ScopeKind, ids []string) error {
	tbl, ok := scopeTables[kind]
	if !ok {
		return fmt.Errorf("unknown scope kind %q", kind)
	}
	query := fmt.Sprintf(`UPDATE %s SET sort_order=$2 WHERE id=$1`, tbl.table)
	for index, id := range ids {
		if _, err := s.q.ExecContext(ctx, query, id, index); err != nil {
			return fmt.Errorf("set order %s: %w", id, err)
		}
	}
	return nil
}
