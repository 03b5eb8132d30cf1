package domain

type Table string

const (
	TableTasks          Table = "tasks"
	TableReviews        Table = "reviews"
	TableWorkUpdates    Table = "work_updates"
	TableDeliverables   Table = "deliverables"
	TableChecklistItems Table = "checklist_items"
	TableMembers        Table = "project_members"
	TableActors         Table = "actors"
	// TableAll marks an event that may have touched anything, e.g. after a
	// subscriber fell behind.
	TableAll Table = "*"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Hint narrows which rows an event touched. Empty fields are unknown.
type Hint struct {
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
}

// ChangeEvent is a store-level change notification.
type ChangeEvent struct {
	ID        int64     `json:"id"`
	Table     Table     `json:"table"`
	Operation Operation `json:"operation" enum:"insert,update,delete"`
	Hint      Hint      `json:"hint"`
	By        string    `json:"by,omitempty"`
	TS        string    `json:"ts" format:"date-time"`
	Payload   string    `json:"payload_json,omitempty"`
}
