package server

import (
	"opsboard/internal/domain"
)

// Request payloads

type CreateActorRequest struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Role domain.Role `json:"role" enum:"admin,manager,employee,client"`
}

type AddMemberRequest struct {
	ActorID string `json:"actor_id"`
}

type CreateTaskRequest struct {
	ID             *string          `json:"id,omitempty"`
	Title          string           `json:"title"`
	Description    *string          `json:"description,omitempty"`
	Priority       *domain.Priority `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ProjectID      *string          `json:"project_id,omitempty"`
	AssigneeID     *string          `json:"assignee_id,omitempty"`
	DueDate        *string          `json:"due_date,omitempty"`
	EstimatedHours *float64         `json:"estimated_hours,omitempty"`
}

type UpdateStatusRequest struct {
	Status          domain.Status `json:"status" enum:"todo,in-progress,review,completed"`
	ExpectedVersion int           `json:"expected_version,omitempty"`
	ExpectedStatus  domain.Status `json:"expected_status,omitempty" enum:"todo,in-progress,review,completed"`
	Progress        *int          `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Quick           bool          `json:"quick,omitempty"`
}

type UpdateAssigneeRequest struct {
	// ActorID null unassigns the task.
	ActorID *string `json:"actor_id,omitempty" nullable:"true"`
}

type CreateReviewRequest struct {
	Decision domain.Decision `json:"decision" enum:"approved,rejected,pending"`
	Comment  string          `json:"comment,omitempty"`
}

type CreateWorkUpdateRequest struct {
	Comment string `json:"comment"`
}

type CreateDeliverableRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileRef     string `json:"file_ref,omitempty"`
}

type CreateChecklistRequest struct {
	Items []string `json:"items"`
}

type ToggleChecklistRequest struct {
	Checked bool `json:"checked"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type MeResponse struct {
	Actor       domain.Actor `json:"actor"`
	Permissions []string     `json:"permissions"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type StatusResponse struct {
	ProjectID  string                `json:"project_id"`
	TaskCounts map[domain.Status]int `json:"task_counts"`
}

type listActors struct {
	Items []domain.Actor `json:"items"`
}

type listMembers struct {
	Items []domain.Membership `json:"items"`
}

type listTasks struct {
	Items []domain.Task `json:"items"`
}

type listReviews struct {
	Items []domain.Review `json:"items"`
}

type listWorkUpdates struct {
	Items []domain.WorkUpdate `json:"items"`
}

type listDeliverables struct {
	Items []domain.Deliverable `json:"items"`
}

type listChecklist struct {
	Items []domain.ChecklistItem `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.ChangeEvent `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
