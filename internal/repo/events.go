package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"opsboard/internal/domain"
)

const eventColumns = `id,ts,table_name,operation,COALESCE(project_id,''),COALESCE(task_id,''),COALESCE(entity_id,''),COALESCE(actor_id,''),by_actor,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.ChangeEvent, error) {
	defer rows.Close()
	var res []domain.ChangeEvent
	for rows.Next() {
		var e domain.ChangeEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Table, &e.Operation, &e.Hint.ProjectID, &e.Hint.TaskID, &e.Hint.EntityID, &e.Hint.ActorID, &e.By, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventFilter narrows event queries. Empty fields match everything.
type EventFilter struct {
	ProjectID string
	TaskID    string
	Table     domain.Table
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Table != "" && f.Table != domain.TableAll {
		clauses = append(clauses, "table_name=?")
		args = append(args, string(f.Table))
	}
	return clauses, args
}

// LatestEvents returns events before cursor (or the newest when cursor is 0), newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.ChangeEvent, error) {
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
