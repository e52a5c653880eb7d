package store

import (
	"context"
	"fmt"
)

const projectColumns = `id, key, name, task_counter, created_by_id, created_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.TaskCounter, &p.CreatedByID, &p.CreatedAt)
	return p, err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	project, err := scanProject(s.q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsByIDs(ctx context.Context, ids []string) ([]Project, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0, len(ids))
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// IncrementTaskCounter bumps the project counter in one statement and returns
// the project key with the new number. Numbers are never handed out twice.
func (s *PostgresStore) IncrementTaskCounter(ctx context.Context, projectID string) (string, int, error) {
	var (
		key    string
		number int
	)
	err := s.q.QueryRowContext(ctx, `
		UPDATE projects
		SET task_counter = task_counter + 1
		WHERE id = $1
		RETURNING key, task_counter
	`, projectID).Scan(&key, &number)
	if err != nil {
		return "", 0, fmt.Errorf("increment task counter: %w", err)
	}
	return key, number, nil
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var member bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check project member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

// ListProjectAudience returns the members of a project plus every admin.
func (s *PostgresStore) ListProjectAudience(ctx context.Context, projectID string) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = 'ADMIN'
			OR id IN (SELECT user_id FROM project_members WHERE project_id = $1)
		ORDER BY display_name, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project audience: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetSprint(ctx context.Context, id string) (Sprint, error) {
	var sp Sprint
	err := s.q.QueryRowContext(ctx, `SELECT id, project_id, name FROM sprints WHERE id=$1`, id).
		Scan(&sp.ID, &sp.ProjectID, &sp.Name)
	if err != nil {
		return Sprint{}, fmt.Errorf("get sprint: %w", err)
	}
	return sp, nil
}

func (s *PostgresStore) GetEpic(ctx context.Context, id string) (Epic, error) {
	var e Epic
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, title, sort_order, created_by_id, created_at FROM epics WHERE id=$1
	`, id).Scan(&e.ID, &e.ProjectID, &e.Title, &e.SortOrder, &e.CreatedByID, &e.CreatedAt)
	if err != nil {
		return Epic{}, fmt.Errorf("get epic: %w", err)
	}
	return e, nil
}

// DeleteEpic keeps the child tasks and clears their epic link.
func (s *PostgresStore) DeleteEpic(ctx context.Context, id string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET epic_id=NULL, updated_at=NOW() WHERE epic_id=$1`, id)
	if err != nil {
		return 0, fmt.Errorf("detach epic tasks: %w", err)
	}
	detached, _ := res.RowsAffected()

	res, err = s.q.ExecContext(ctx, `DELETE FROM epics WHERE id=$1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete epic: %w", err)
	}
	if err := expectAffected(res, "delete epic"); err != nil {
		return 0, err
	}
	return detached, nil
}
