package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsboard/internal/domain"
)

// Writer appends change events inside the caller's transaction, so an event
// exists iff the change it describes committed.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, table domain.Table, op domain.Operation, hint domain.Hint, by string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,table_name,operation,project_id,task_id,entity_id,actor_id,by_actor,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, string(table), string(op), nullable(hint.ProjectID), nullable(hint.TaskID), nullable(hint.EntityID), nullable(hint.ActorID), by, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
