package repo

import (
	"context"
	"database/sql"

	"opsboard/internal/domain"
)

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id, name, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role`, a.ID, nullable(a.Name), a.Role, a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, COALESCE(name,''), role, created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, domain.Errorf(domain.ReasonNotFound, "actor %s not found", id)
	}
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(name,''), role, created_at FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) EnsureProject(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO projects(id, name, created_at) VALUES (?,?,?)`, id, id, now)
	return err
}

func (r Repo) AddMember(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO project_members(project_id, actor_id, created_at) VALUES (?,?,?)`, m.ProjectID, m.ActorID, m.CreatedAt)
	return err
}

func (r Repo) RemoveMember(ctx context.Context, tx *sql.Tx, projectID, actorID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ReasonNotFound, "actor %s is not a member of %s", actorID, projectID)
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Membership, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT project_id, actor_id, created_at FROM project_members WHERE project_id=? ORDER BY created_at, actor_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
