package domain

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusReview, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Role of an authenticated actor.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
	RoleClient   Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// Reviewer reports whether the role may approve or reject work.
func (r Role) Reviewer() bool {
	return r == RoleAdmin || r == RoleManager
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionPending  Decision = "pending"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionPending:
		return true
	}
	return false
}

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role" enum:"admin,manager,employee,client"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         Status   `json:"status" enum:"todo,in-progress,review,completed"`
	Priority       Priority `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	ProjectID      *string  `json:"project_id,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
	Progress       int      `json:"progress"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	Version        int      `json:"version"`
	ReviewCycle    int      `json:"review_cycle"`
}

// IsAssignee reports whether actorID is the task's current assignee.
func (t Task) IsAssignee(actorID string) bool {
	return t.AssigneeID != nil && actorID != "" && *t.AssigneeID == actorID
}

// Project returns the project id or "" for unscoped tasks.
func (t Task) Project() string {
	if t.ProjectID == nil {
		return ""
	}
	return *t.ProjectID
}

type Review struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	ReviewerID string   `json:"reviewer_id"`
	Decision   Decision `json:"decision" enum:"approved,rejected,pending"`
	Comment    string   `json:"comment,omitempty"`
	Cycle      int      `json:"cycle"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type WorkUpdate struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Deliverable struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileRef     string `json:"file_ref,omitempty"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ChecklistItem struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Text      string  `json:"text"`
	Position  int     `json:"position"`
	Checked   bool    `json:"checked"`
	CheckedBy *string `json:"checked_by,omitempty"`
	CheckedAt *string `json:"checked_at,omitempty" format:"date-time"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Membership struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Evidence counts the review material attached to a task.
type Evidence struct {
	WorkUpdates    int `json:"work_updates"`
	Deliverables   int `json:"deliverables"`
	ChecklistItems int `json:"checklist_items"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
