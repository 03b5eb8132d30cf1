package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"opsboard/internal/domain"
	"opsboard/internal/store"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when given, otherwise directly against the database.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const taskColumns = `id,title,description,status,priority,assignee_id,project_id,due_date,estimated_hours,actual_hours,progress,created_by,created_at,updated_at,completed_at,version,review_cycle`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                          domain.Task
		desc                       sql.NullString
		assignee, project, due, ca sql.NullString
		est, act                   sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &t.Status, &t.Priority, &assignee, &project, &due, &est, &act,
		&t.Progress, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &ca, &t.Version, &t.ReviewCycle)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.AssigneeID = nullString(assignee)
	t.ProjectID = nullString(project)
	t.DueDate = nullString(due)
	t.CompletedAt = nullString(ca)
	if est.Valid {
		t.EstimatedHours = &est.Float64
	}
	if act.Valid {
		t.ActualHours = &act.Float64
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Status, t.Priority, nullablePtr(t.AssigneeID), nullablePtr(t.ProjectID), nullablePtr(t.DueDate),
		nullableFloat(t.EstimatedHours), nullableFloat(t.ActualHours), t.Progress, t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullablePtr(t.CompletedAt),
		t.Version, t.ReviewCycle)
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == ErrNotFound {
		return t, domain.Errorf(domain.ReasonNotFound, "task %s not found", id)
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Unscoped {
		clauses = append(clauses, "project_id IS NULL")
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY created_at DESC, id DESC`, taskColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask writes every mutable column of t and bumps its version. When
// expectedVersion > 0 the write only applies if the stored version matches;
// otherwise it fails with reason conflict.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, expectedVersion int) (domain.Task, error) {
	query := `UPDATE tasks SET title=?,description=?,status=?,priority=?,assignee_id=?,due_date=?,estimated_hours=?,actual_hours=?,progress=?,updated_at=?,completed_at=?,review_cycle=?,version=version+1 WHERE id=?`
	args := []any{t.Title, nullable(t.Description), t.Status, t.Priority, nullablePtr(t.AssigneeID), nullablePtr(t.DueDate),
		nullableFloat(t.EstimatedHours), nullableFloat(t.ActualHours), t.Progress, t.UpdatedAt, nullablePtr(t.CompletedAt), t.ReviewCycle, t.ID}
	if expectedVersion > 0 {
		query += " AND version=?"
		args = append(args, expectedVersion)
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return t, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := r.GetTask(ctx, tx, t.ID)
		if err != nil {
			return t, err
		}
		return cur, domain.Errorf(domain.ReasonConflict, "task %s is at version %d, not %d", t.ID, cur.Version, expectedVersion)
	}
	return r.GetTask(ctx, tx, t.ID)
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ReasonNotFound, "task %s not found", id)
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.Status]int, error) {
	query := `SELECT status, count(*) FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
