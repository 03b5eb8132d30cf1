package repo

import (
	"context"
	"database/sql"

	"opsboard/internal/domain"
)

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reviews(id,task_id,reviewer_id,decision,comment,cycle,created_at) VALUES (?,?,?,?,?,?,?)`,
		rv.ID, rv.TaskID, rv.ReviewerID, rv.Decision, nullable(rv.Comment), rv.Cycle, rv.CreatedAt)
	return err
}

// ListReviews returns a task's reviews, newest first.
func (r Repo) ListReviews(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Review, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,task_id,reviewer_id,decision,COALESCE(comment,''),cycle,created_at FROM reviews WHERE task_id=? ORDER BY created_at DESC, rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ID, &rv.TaskID, &rv.ReviewerID, &rv.Decision, &rv.Comment, &rv.Cycle, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) InsertWorkUpdate(ctx context.Context, tx *sql.Tx, wu domain.WorkUpdate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_updates(id,task_id,author_id,comment,created_at,seq)
VALUES (?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM work_updates WHERE task_id=?))`,
		wu.ID, wu.TaskID, wu.AuthorID, wu.Comment, wu.CreatedAt, wu.TaskID)
	return err
}

// ListWorkUpdates returns a task's updates, newest first.
func (r Repo) ListWorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,author_id,comment,created_at FROM work_updates WHERE task_id=? ORDER BY seq DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUpdate
	for rows.Next() {
		var wu domain.WorkUpdate
		if err := rows.Scan(&wu.ID, &wu.TaskID, &wu.AuthorID, &wu.Comment, &wu.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, wu)
	}
	return res, rows.Err()
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO deliverables(id,task_id,title,description,file_ref,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.TaskID, d.Title, nullable(d.Description), nullable(d.FileRef), d.CreatedBy, d.CreatedAt)
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	var d domain.Deliverable
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,title,COALESCE(description,''),COALESCE(file_ref,''),created_by,created_at FROM deliverables WHERE id=?`, id).
		Scan(&d.ID, &d.TaskID, &d.Title, &d.Description, &d.FileRef, &d.CreatedBy, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, domain.Errorf(domain.ReasonNotFound, "deliverable %s not found", id)
	}
	return d, err
}

func (r Repo) DeleteDeliverable(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM deliverables WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ReasonNotFound, "deliverable %s not found", id)
	}
	return nil
}

func (r Repo) ListDeliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,title,COALESCE(description,''),COALESCE(file_ref,''),created_by,created_at FROM deliverables WHERE task_id=? ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Title, &d.Description, &d.FileRef, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertChecklistItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checklist_items(id,task_id,text,position,checked,created_by,created_at) VALUES (?,?,?,?,0,?,?)`,
		it.ID, it.TaskID, it.Text, it.Position, it.CreatedBy, it.CreatedAt)
	return err
}

const checklistColumns = `id,task_id,text,position,checked,checked_by,checked_at,created_by,created_at`

func scanChecklistItem(row scanner) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var by, at sql.NullString
	if err := row.Scan(&it.ID, &it.TaskID, &it.Text, &it.Position, &it.Checked, &by, &at, &it.CreatedBy, &it.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return it, ErrNotFound
		}
		return it, err
	}
	it.CheckedBy = nullString(by)
	it.CheckedAt = nullString(at)
	return it, nil
}

func (r Repo) ListChecklist(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.ChecklistItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE task_id=? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanChecklistItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) GetChecklistItem(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistItem, error) {
	it, err := scanChecklistItem(r.q(tx).QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE id=?`, id))
	if err == ErrNotFound {
		return it, domain.Errorf(domain.ReasonNotFound, "checklist item %s not found", id)
	}
	return it, err
}

// SetChecklistItem updates the checked state; only the checked columns ever change.
func (r Repo) SetChecklistItem(ctx context.Context, tx *sql.Tx, id string, checked bool, by, at *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checklist_items SET checked=?, checked_by=?, checked_at=? WHERE id=?`,
		checked, nullablePtr(by), nullablePtr(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ReasonNotFound, "checklist item %s not found", id)
	}
	return nil
}

func (r Repo) CountEvidence(ctx context.Context, tx *sql.Tx, taskID string) (domain.Evidence, error) {
	var ev domain.Evidence
	err := r.q(tx).QueryRowContext(ctx, `SELECT
	(SELECT count(*) FROM work_updates WHERE task_id=?),
	(SELECT count(*) FROM deliverables WHERE task_id=?),
	(SELECT count(*) FROM checklist_items WHERE task_id=?)`, taskID, taskID, taskID).
		Scan(&ev.WorkUpdates, &ev.Deliverables, &ev.ChecklistItems)
	return ev, err
}
